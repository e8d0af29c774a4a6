// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rawfile implements device.Medium over a plain file or block
// device node, treating it as a flat array of fixed-size physical
// eraseblocks. It is the medium cmd/ubiattach drives against a UBI image
// or a real device node; it does not speak any MTD-specific ioctl.
package rawfile

import (
	"errors"
	"os"

	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/internal/ioutil"
	"github.com/nandcore/ubiattach/onflash"
)

// Medium is a device.Medium backed by an *os.File.
type Medium struct {
	f *os.File

	pebSize  uint32
	pebCount uint32
}

// Open opens path read-write and derives the PEB count from its size.
func Open(path string, pebSize uint32) (*Medium, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck

		return nil, err
	}

	return &Medium{
		f:        f,
		pebSize:  pebSize,
		pebCount: uint32(info.Size() / int64(pebSize)),
	}, nil
}

// Close releases the underlying file.
func (m *Medium) Close() error {
	return m.f.Close()
}

// PEBCount implements device.Medium.
func (m *Medium) PEBCount() uint32 {
	return m.pebCount
}

// PEBSize implements device.Medium.
func (m *Medium) PEBSize() uint32 {
	return m.pebSize
}

func (m *Medium) offset(pnum uint32) int64 {
	return int64(pnum) * int64(m.pebSize)
}

func allFF(buf []byte) bool {
	for _, b := range buf {
		if b != 0xff {
			return false
		}
	}

	return true
}

// ReadECHeader implements device.Medium.
func (m *Medium) ReadECHeader(pnum uint32) (*onflash.EC, device.Outcome, error) {
	buf := make([]byte, onflash.ECHeaderSize)
	if err := ioutil.ReadFullAt(m.f, buf, m.offset(pnum)); err != nil {
		return nil, device.OutcomeOK, err
	}

	if allFF(buf) {
		return nil, device.OutcomeAllFF, nil
	}

	hdr, err := onflash.DecodeEC(buf)
	if err != nil {
		if isFormatError(err) {
			return nil, device.OutcomeBadHeader, nil
		}

		return nil, device.OutcomeOK, err
	}

	return hdr, device.OutcomeOK, nil
}

// ReadVIDHeader implements device.Medium.
func (m *Medium) ReadVIDHeader(pnum uint32) (*onflash.VID, device.Outcome, error) {
	ec, outcome, err := m.ReadECHeader(pnum)
	if err != nil || outcome != device.OutcomeOK {
		// Without a valid EC header this medium falls back to a fixed
		// VID offset; real geometry-aware media would consult ec.VIDHdrOffset.
		ec = &onflash.EC{VIDHdrOffset: onflash.ECHeaderSize}
	}

	buf := make([]byte, onflash.VIDHeaderSize)
	if err := ioutil.ReadFullAt(m.f, buf, m.offset(pnum)+int64(ec.VIDHdrOffset)); err != nil {
		return nil, device.OutcomeOK, err
	}

	if allFF(buf) {
		return nil, device.OutcomeAllFF, nil
	}

	hdr, err := onflash.DecodeVID(buf)
	if err != nil {
		if isFormatError(err) {
			return nil, device.OutcomeBadHeader, nil
		}

		return nil, device.OutcomeOK, err
	}

	return hdr, device.OutcomeOK, nil
}

// ReadData implements device.Medium.
func (m *Medium) ReadData(pnum uint32, off, length uint32, buf []byte) (device.Outcome, error) {
	if err := ioutil.ReadFullAt(m.f, buf[:length], m.offset(pnum)+int64(off)); err != nil {
		return device.OutcomeOK, err
	}

	return device.OutcomeOK, nil
}

// SyncErase implements device.Medium by filling the PEB with 0xFF.
func (m *Medium) SyncErase(pnum uint32) error {
	buf := make([]byte, m.pebSize)
	for i := range buf {
		buf[i] = 0xff
	}

	_, err := m.f.WriteAt(buf, m.offset(pnum))

	return err
}

// WriteECHeader implements device.Medium.
func (m *Medium) WriteECHeader(pnum uint32, hdr *onflash.EC) error {
	_, err := m.f.WriteAt(onflash.EncodeEC(hdr), m.offset(pnum))

	return err
}

// WriteVIDHeader implements device.Medium.
func (m *Medium) WriteVIDHeader(pnum uint32, hdr *onflash.VID) error {
	ec, outcome, err := m.ReadECHeader(pnum)
	if err != nil || outcome != device.OutcomeOK {
		ec = &onflash.EC{VIDHdrOffset: onflash.ECHeaderSize}
	}

	_, err = m.f.WriteAt(onflash.EncodeVID(hdr), m.offset(pnum)+int64(ec.VIDHdrOffset))

	return err
}

// WriteData implements device.Medium.
func (m *Medium) WriteData(pnum uint32, off uint32, data []byte) error {
	_, err := m.f.WriteAt(data, m.offset(pnum)+int64(off))

	return err
}

// IsBad implements device.Medium. A plain file has no bad-block table.
func (m *Medium) IsBad(uint32) (bool, error) {
	return false, nil
}

// CheckPattern implements device.Medium.
func (m *Medium) CheckPattern(buf []byte, b byte) bool {
	for _, v := range buf {
		if v != b {
			return false
		}
	}

	return true
}

func isFormatError(err error) bool {
	return errors.Is(err, onflash.ErrBadMagic) || errors.Is(err, onflash.ErrHeaderCRC) || errors.Is(err, onflash.ErrBadFormatVersion) || errors.Is(err, onflash.ErrEraseCounterOverflow)
}
