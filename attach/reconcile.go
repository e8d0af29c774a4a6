// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"github.com/nandcore/ubiattach/onflash"
)

// CompareResult is the 3-bit outcome of reconciling two physical copies of
// one LEB.
type CompareResult int

// Bits of a CompareResult.
const (
	// CompareNewerIsSecond is set when the new (second) PEB wins.
	CompareNewerIsSecond CompareResult = 1 << iota
	// CompareScrubNewer is set when the winner should be scrubbed
	// (its read reported bit-flips).
	CompareScrubNewer
	// CompareOlderCorrupted is set when the losing copy was found
	// corrupted and belongs at the head of the erase queue.
	CompareOlderCorrupted
)

// dataCRCReader re-reads and checksums a PEB's data area, reporting bit-flip
// or ECC-error outcomes the reconciler needs to fold into its decision.
type dataCRCReader func(pnum uint32, dataSize uint32) (crc uint32, outcome PEBReadOutcome, err error)

// candidate is whichever of the two copies carries the larger sqnum, the
// "candidate newer" copy in ubi_compare_lebs' terms.
type candidate struct {
	pnum     uint32
	copyFlag bool
	dataSize uint32
	dataCRC  uint32
}

// Compare decides which of two physical copies of one LEB is newer
// (ubi_compare_lebs). existing is the copy already recorded in the volume's
// LEB map; newPnum/newVID describe the copy just read from the medium.
func Compare(existing *PEBRecord, newPnum uint32, newVID *onflash.VID, readCRC dataCRCReader) (CompareResult, error) {
	if existing.SQNum == newVID.SQNum {
		if existing.SQNum == 0 {
			// Legacy clean image: both copies pre-date sequence numbers.
			// Keep the existing copy; the new one is redundant.
			return 0, nil
		}

		return 0, newf(KindFormat, "%w: pnum %d and pnum %d both carry sqnum %d",
			ErrDuplicateSQNum, existing.PNum, newPnum, existing.SQNum)
	}

	newIsCandidate := newVID.SQNum > existing.SQNum

	var (
		cand   candidate
		result CompareResult
	)

	if newIsCandidate {
		cand = candidate{pnum: newPnum, copyFlag: newVID.CopyFlag, dataSize: newVID.DataSize, dataCRC: newVID.DataCRC}
		result = CompareNewerIsSecond
	} else {
		cand = candidate{pnum: existing.PNum, copyFlag: existing.CopyFlag, dataSize: existing.DataSize, dataCRC: existing.DataCRC}
		result = 0
	}

	if !cand.copyFlag {
		return result, nil
	}

	// The candidate newer copy was a mid-write copy; its data integrity
	// must be verified before it can be trusted.
	crc, outcome, err := readCRC(cand.pnum, cand.dataSize)
	if err != nil {
		return 0, wrapf(KindIO, err, "reading data area of pnum %d for CRC verification", cand.pnum)
	}

	if crc == cand.dataCRC && outcome != PEBReadECCError {
		if outcome == PEBReadBitflips {
			result |= CompareScrubNewer
		}

		return result, nil
	}

	// Candidate's data CRC failed: it was a torn mid-write. Invert the
	// decision so the other (older-sqnum) copy wins, and flag the
	// candidate as the corrupted loser.
	return (result ^ CompareNewerIsSecond) | CompareOlderCorrupted, nil
}
