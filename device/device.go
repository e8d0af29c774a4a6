// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package device defines the I/O contract attach consumes from a raw
// eraseblock medium. The medium itself -- NAND, NOR, or a simulated flash
// for tests -- lives outside this package; only the contract is specified
// here.
package device

import (
	"errors"
	"fmt"

	"github.com/nandcore/ubiattach/onflash"
)

// Outcome tags the result of a header or data read against the medium.
type Outcome int

// Outcomes a read can report, ordered from best to worst.
const (
	// OutcomeOK means the region was present and its CRC validated.
	OutcomeOK Outcome = iota
	// OutcomeBitflips means the CRC validated but the read reported
	// correctable bit-flips; the PEB should be scrubbed.
	OutcomeBitflips
	// OutcomeAllFF means the region is entirely 0xFF: the block appears erased.
	OutcomeAllFF
	// OutcomeAllFFBitflips is OutcomeAllFF with correctable bit-flips.
	OutcomeAllFFBitflips
	// OutcomeBadHeader means the magic or CRC did not match, with no ECC error.
	OutcomeBadHeader
	// OutcomeBadHeaderECC is OutcomeBadHeader with an uncorrectable ECC error.
	OutcomeBadHeaderECC
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBitflips:
		return "bitflips"
	case OutcomeAllFF:
		return "all-ff"
	case OutcomeAllFFBitflips:
		return "all-ff-bitflips"
	case OutcomeBadHeader:
		return "bad-header"
	case OutcomeBadHeaderECC:
		return "bad-header-ecc"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ErrIO wraps a hard I/O error reported by the medium (IO_ERR in the
// header-read contract). It always aborts the scan.
var ErrIO = errors.New("device: hard I/O error")

// Medium is the I/O contract a scanner drives. Implementations serialize
// their own internal access; attach never assumes concurrent callers.
type Medium interface {
	// PEBCount returns the number of physical eraseblocks the medium exposes.
	PEBCount() uint32

	// PEBSize returns the size, in bytes, of one physical eraseblock.
	PEBSize() uint32

	// ReadECHeader reads and decodes the EC header of pnum. The returned
	// header is nil unless outcome is OutcomeOK or OutcomeBitflips.
	ReadECHeader(pnum uint32) (hdr *onflash.EC, outcome Outcome, err error)

	// ReadVIDHeader reads and decodes the VID header of pnum. The returned
	// header is nil unless outcome is OutcomeOK or OutcomeBitflips.
	ReadVIDHeader(pnum uint32) (hdr *onflash.VID, outcome Outcome, err error)

	// ReadData reads length bytes at off into buf, which must be at least
	// length bytes long. The data outcome reuses the header tags:
	// OutcomeBitflips for correctable bit-flips, and OutcomeBadHeader or
	// OutcomeBadHeaderECC for a read that failed its ECC check.
	ReadData(pnum uint32, off, length uint32, buf []byte) (outcome Outcome, err error)

	// SyncErase erases pnum and blocks until the erase completes.
	SyncErase(pnum uint32) error

	// WriteECHeader writes hdr to pnum's EC header region.
	WriteECHeader(pnum uint32, hdr *onflash.EC) error

	// WriteVIDHeader writes hdr to pnum's VID header region. Used only by
	// the low-page backup recovery pass when it rebuilds a PEB.
	WriteVIDHeader(pnum uint32, hdr *onflash.VID) error

	// WriteData writes data to pnum's data area starting at off. Used only
	// by the low-page backup recovery pass when it rebuilds a PEB.
	WriteData(pnum uint32, off uint32, data []byte) error

	// IsBad reports whether the medium's own bad-block table marks pnum bad.
	IsBad(pnum uint32) (bool, error)

	// CheckPattern reports whether buf is entirely filled with b.
	CheckPattern(buf []byte, b byte) bool
}
