// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package simflash is an in-memory stand-in for a real NAND/NOR medium,
// used only to drive attach's scenario tests without a loopback device or
// real flash hardware.
package simflash

import (
	"sync"

	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/onflash"
)

// peb holds one simulated physical eraseblock's full state.
type peb struct {
	ec  *onflash.EC
	vid *onflash.VID

	data []byte // nil means untouched (read as all-0xFF)

	bad bool

	// Forced outcomes let a test claim "this PEB reads back with
	// bit-flips" or "this PEB is a hard I/O failure" without hand-rolling
	// corrupted bytes for every case.
	ecOutcome   *device.Outcome
	vidOutcome  *device.Outcome
	dataOutcome *device.Outcome
	ioErr       error
	writeErr    error
}

// Medium is a fake device.Medium backed entirely by process memory.
type Medium struct {
	mu sync.Mutex

	pebSize uint32
	pebs    []peb
}

// New creates a Medium with pebCount PEBs of pebSize bytes each, all erased.
func New(pebCount, pebSize uint32) *Medium {
	return &Medium{
		pebSize: pebSize,
		pebs:    make([]peb, pebCount),
	}
}

// PEBCount implements device.Medium.
func (m *Medium) PEBCount() uint32 {
	return uint32(len(m.pebs))
}

// PEBSize implements device.Medium.
func (m *Medium) PEBSize() uint32 {
	return m.pebSize
}

// WriteEC sets pnum's EC header directly, bypassing on-flash encoding --
// the convenience a test needs to set up scenario fixtures.
func (m *Medium) WriteEC(pnum uint32, h *onflash.EC) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pebs[pnum].ec = h
}

// WriteVID sets pnum's VID header directly.
func (m *Medium) WriteVID(pnum uint32, h *onflash.VID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pebs[pnum].vid = h
}

// SetData sets pnum's data area directly.
func (m *Medium) SetData(pnum uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	m.pebs[pnum].data = buf
}

// SetBad marks pnum as a manufacturer/runtime bad block.
func (m *Medium) SetBad(pnum uint32, bad bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pebs[pnum].bad = bad
}

// ForceECOutcome overrides the outcome ReadECHeader reports for pnum,
// regardless of what WriteEC stored.
func (m *Medium) ForceECOutcome(pnum uint32, outcome device.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := outcome
	m.pebs[pnum].ecOutcome = &o
}

// ForceVIDOutcome overrides the outcome ReadVIDHeader reports for pnum.
func (m *Medium) ForceVIDOutcome(pnum uint32, outcome device.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := outcome
	m.pebs[pnum].vidOutcome = &o
}

// ForceDataOutcome overrides the outcome ReadData reports for pnum.
func (m *Medium) ForceDataOutcome(pnum uint32, outcome device.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := outcome
	m.pebs[pnum].dataOutcome = &o
}

// ForceIOError makes every read and write (including erase) against pnum
// fail with err.
func (m *Medium) ForceIOError(pnum uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pebs[pnum].ioErr = err
}

// ForceWriteError makes every write (EC header, VID header, data, erase)
// against pnum fail with err, while reads keep succeeding -- the shape
// needed to simulate a PEB that can still be read back but can no longer
// be written to, as opposed to ForceIOError's blanket failure.
func (m *Medium) ForceWriteError(pnum uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pebs[pnum].writeErr = err
}

// ReadECHeader implements device.Medium.
func (m *Medium) ReadECHeader(pnum uint32) (*onflash.EC, device.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &m.pebs[pnum]
	if p.ioErr != nil {
		return nil, device.OutcomeOK, p.ioErr
	}

	if p.ecOutcome != nil {
		return p.ec, *p.ecOutcome, nil
	}

	if p.ec == nil {
		return nil, device.OutcomeAllFF, nil
	}

	return p.ec, device.OutcomeOK, nil
}

// ReadVIDHeader implements device.Medium.
func (m *Medium) ReadVIDHeader(pnum uint32) (*onflash.VID, device.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &m.pebs[pnum]
	if p.ioErr != nil {
		return nil, device.OutcomeOK, p.ioErr
	}

	if p.vidOutcome != nil {
		return p.vid, *p.vidOutcome, nil
	}

	if p.vid == nil {
		return nil, device.OutcomeAllFF, nil
	}

	return p.vid, device.OutcomeOK, nil
}

// ReadData implements device.Medium.
func (m *Medium) ReadData(pnum uint32, off, length uint32, buf []byte) (device.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &m.pebs[pnum]
	if p.ioErr != nil {
		return device.OutcomeOK, p.ioErr
	}

	for i := range buf[:length] {
		buf[i] = 0xff
	}

	if int(off) < len(p.data) {
		copy(buf[:length], p.data[off:])
	}

	if p.dataOutcome != nil {
		return *p.dataOutcome, nil
	}

	return device.OutcomeOK, nil
}

// SyncErase implements device.Medium.
func (m *Medium) SyncErase(pnum uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &m.pebs[pnum]
	if p.ioErr != nil {
		return p.ioErr
	}

	if p.writeErr != nil {
		return p.writeErr
	}

	p.ec = nil
	p.vid = nil
	p.data = nil
	p.ecOutcome = nil
	p.vidOutcome = nil
	p.dataOutcome = nil

	return nil
}

// WriteECHeader implements device.Medium.
func (m *Medium) WriteECHeader(pnum uint32, hdr *onflash.EC) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pebs[pnum].ioErr != nil {
		return m.pebs[pnum].ioErr
	}

	if m.pebs[pnum].writeErr != nil {
		return m.pebs[pnum].writeErr
	}

	m.pebs[pnum].ec = hdr

	return nil
}

// WriteVIDHeader implements device.Medium.
func (m *Medium) WriteVIDHeader(pnum uint32, hdr *onflash.VID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pebs[pnum].ioErr != nil {
		return m.pebs[pnum].ioErr
	}

	if m.pebs[pnum].writeErr != nil {
		return m.pebs[pnum].writeErr
	}

	m.pebs[pnum].vid = hdr

	return nil
}

// WriteData implements device.Medium.
func (m *Medium) WriteData(pnum uint32, off uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &m.pebs[pnum]
	if p.ioErr != nil {
		return p.ioErr
	}

	if p.writeErr != nil {
		return p.writeErr
	}

	need := int(off) + len(data)
	if len(p.data) < need {
		grown := make([]byte, need)
		copy(grown, p.data)

		for i := len(p.data); i < need; i++ {
			grown[i] = 0xff
		}

		p.data = grown
	}

	copy(p.data[off:], data)

	return nil
}

// IsBad implements device.Medium.
func (m *Medium) IsBad(pnum uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pebs[pnum].bad, nil
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
