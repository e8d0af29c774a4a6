// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package onflash

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// VIDMagic is the magic value stored in the first 4 bytes of a VID header.
	VIDMagic = 0x55424921 // "UBI!"

	// VIDHeaderSize is the on-flash size, in bytes, of the VID header.
	VIDHeaderSize = 64

	vidHdrCRCLen = VIDHeaderSize - 4
)

// VolType identifies whether a volume is dynamic or static.
type VolType uint8

// Volume types, matching the on-flash encoding.
const (
	VolTypeDynamic VolType = 1
	VolTypeStatic  VolType = 2
)

// String implements fmt.Stringer.
func (t VolType) String() string {
	switch t {
	case VolTypeDynamic:
		return "dynamic"
	case VolTypeStatic:
		return "static"
	default:
		return fmt.Sprintf("VolType(%d)", uint8(t))
	}
}

// Compat is the compatibility code carried by internal volumes, describing
// how an attach implementation that does not recognize the volume should behave.
type Compat uint8

// Compatibility codes. None applies to ordinary user volumes.
const (
	CompatNone     Compat = 0
	CompatDelete   Compat = 1
	CompatRO       Compat = 2
	CompatPreserve Compat = 4
	CompatReject   Compat = 5
)

// String implements fmt.Stringer.
func (c Compat) String() string {
	switch c {
	case CompatNone:
		return "none"
	case CompatDelete:
		return "delete"
	case CompatRO:
		return "ro"
	case CompatPreserve:
		return "preserve"
	case CompatReject:
		return "reject"
	default:
		return fmt.Sprintf("Compat(%d)", uint8(c))
	}
}

// VID is the decoded content of a volume-identifier header.
type VID struct {
	VolType  VolType
	CopyFlag bool
	Compat   Compat

	VolID uint32
	LNum  uint32

	DataSize uint32
	UsedEBs  uint32
	DataPad  uint32
	DataCRC  uint32

	SQNum uint64
}

// DecodeVID validates and decodes a VID header from its on-flash representation.
func DecodeVID(buf []byte) (*VID, error) {
	if len(buf) < VIDHeaderSize {
		return nil, fmt.Errorf("onflash: short VID header: %d bytes", len(buf))
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != VIDMagic {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, magic, VIDMagic)
	}

	version := buf[4]
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadFormatVersion, version, FormatVersion)
	}

	crc := crc32.ChecksumIEEE(buf[:vidHdrCRCLen])
	onDiskCRC := binary.BigEndian.Uint32(buf[VIDHeaderSize-4 : VIDHeaderSize])

	if crc != onDiskCRC {
		return nil, fmt.Errorf("%w: calculated %#08x, on flash %#08x", ErrHeaderCRC, crc, onDiskCRC)
	}

	return &VID{
		VolType:  VolType(buf[5]),
		CopyFlag: buf[6] != 0,
		Compat:   Compat(buf[7]),
		VolID:    binary.BigEndian.Uint32(buf[8:12]),
		LNum:     binary.BigEndian.Uint32(buf[12:16]),
		DataSize: binary.BigEndian.Uint32(buf[20:24]),
		UsedEBs:  binary.BigEndian.Uint32(buf[24:28]),
		DataPad:  binary.BigEndian.Uint32(buf[28:32]),
		DataCRC:  binary.BigEndian.Uint32(buf[32:36]),
		SQNum:    binary.BigEndian.Uint64(buf[36:44]),
	}, nil
}

// EncodeVID serializes h into a freshly allocated VIDHeaderSize-byte buffer, computing the CRC.
func EncodeVID(h *VID) []byte {
	buf := make([]byte, VIDHeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], VIDMagic)
	buf[4] = FormatVersion
	buf[5] = byte(h.VolType)

	if h.CopyFlag {
		buf[6] = 1
	}

	buf[7] = byte(h.Compat)

	binary.BigEndian.PutUint32(buf[8:12], h.VolID)
	binary.BigEndian.PutUint32(buf[12:16], h.LNum)
	// buf[16:20] reserved, left zero

	binary.BigEndian.PutUint32(buf[20:24], h.DataSize)
	binary.BigEndian.PutUint32(buf[24:28], h.UsedEBs)
	binary.BigEndian.PutUint32(buf[28:32], h.DataPad)
	binary.BigEndian.PutUint32(buf[32:36], h.DataCRC)
	binary.BigEndian.PutUint64(buf[36:44], h.SQNum)
	// buf[44:60] reserved, left zero

	crc := crc32.ChecksumIEEE(buf[:vidHdrCRCLen])
	binary.BigEndian.PutUint32(buf[VIDHeaderSize-4:VIDHeaderSize], crc)

	return buf
}
