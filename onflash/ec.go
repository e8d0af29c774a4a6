// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package onflash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// ECMagic is the magic value stored in the first 4 bytes of an EC header.
	ECMagic = 0x55424923 // "UBI#"

	// FormatVersion is the only on-flash format version this implementation understands.
	FormatVersion = 1

	// ECHeaderSize is the on-flash size, in bytes, of the EC header.
	ECHeaderSize = 64

	// MaxEraseCounter is the largest erase counter value the wire format allows,
	// even though the on-flash field is 64 bits wide (2^31 - 1).
	MaxEraseCounter = 1<<31 - 1

	ecHdrCRCLen = ECHeaderSize - 4 // hdr_crc is the last 4 bytes and is excluded from its own CRC
)

// ErrBadFormatVersion is returned when an EC header carries a version this build does not understand.
var ErrBadFormatVersion = errors.New("onflash: unsupported on-flash format version")

// ErrEraseCounterOverflow is returned when the erase counter exceeds MaxEraseCounter.
var ErrEraseCounterOverflow = errors.New("onflash: erase counter overflow")

// ErrBadMagic is returned when a header's magic field does not match.
var ErrBadMagic = errors.New("onflash: bad magic")

// ErrHeaderCRC is returned when a header's CRC does not match its contents.
var ErrHeaderCRC = errors.New("onflash: header CRC mismatch")

// EC is the decoded content of an erase-counter header.
type EC struct {
	EraseCounter uint64
	VIDHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32
}

// DecodeEC validates and decodes an EC header from its on-flash representation.
//
// It checks the magic, the format version, the header CRC, and that the
// erase counter fits in the 31 meaningful bits of the on-flash field.
func DecodeEC(buf []byte) (*EC, error) {
	if len(buf) < ECHeaderSize {
		return nil, fmt.Errorf("onflash: short EC header: %d bytes", len(buf))
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != ECMagic {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, magic, ECMagic)
	}

	version := buf[4]
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadFormatVersion, version, FormatVersion)
	}

	crc := crc32.ChecksumIEEE(buf[:ecHdrCRCLen])
	onDiskCRC := binary.BigEndian.Uint32(buf[ECHeaderSize-4 : ECHeaderSize])

	if crc != onDiskCRC {
		return nil, fmt.Errorf("%w: calculated %#08x, on flash %#08x", ErrHeaderCRC, crc, onDiskCRC)
	}

	ec := binary.BigEndian.Uint64(buf[8:16])
	if ec > MaxEraseCounter {
		return nil, fmt.Errorf("%w: %d > %d", ErrEraseCounterOverflow, ec, uint64(MaxEraseCounter))
	}

	return &EC{
		EraseCounter: ec,
		VIDHdrOffset: binary.BigEndian.Uint32(buf[16:20]),
		DataOffset:   binary.BigEndian.Uint32(buf[20:24]),
		ImageSeq:     binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// EncodeEC serializes h into a freshly allocated ECHeaderSize-byte buffer, computing the CRC.
func EncodeEC(h *EC) []byte {
	buf := make([]byte, ECHeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], ECMagic)
	buf[4] = FormatVersion
	// buf[5:8] padding, left zero

	binary.BigEndian.PutUint64(buf[8:16], h.EraseCounter)
	binary.BigEndian.PutUint32(buf[16:20], h.VIDHdrOffset)
	binary.BigEndian.PutUint32(buf[20:24], h.DataOffset)
	binary.BigEndian.PutUint32(buf[24:28], h.ImageSeq)
	// buf[28:ecHdrCRCLen] reserved, left zero

	crc := crc32.ChecksumIEEE(buf[:ecHdrCRCLen])
	binary.BigEndian.PutUint32(buf[ECHeaderSize-4:ECHeaderSize], crc)

	return buf
}
