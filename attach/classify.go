// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/onflash"
)

// classifyPEB runs read_ec, then read_vid, then files pnum into exactly one
// container per the §4.B decision table (scan_peb). A hard I/O error from
// either read aborts the whole scan.
func (sc *scanner) classifyPEB(pnum uint32) error {
	ec, ecOutcome, err := sc.medium.ReadECHeader(pnum)
	if err != nil {
		return wrapf(KindIO, err, "reading EC header of pnum %d", pnum)
	}

	switch ecOutcome {
	case device.OutcomeAllFF:
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: UnknownEC}, ListErase, false)
		sc.snap.EmptyPEBCount++

		return nil
	case device.OutcomeAllFFBitflips:
		reason := "EC header region reported bit-flips while erased"
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: UnknownEC, ScrubNeeded: true, ScrubReason: pointer.To(reason)}, ListErase, false)
		sc.snap.EmptyPEBCount++

		return nil
	}

	ecGood := ecOutcome == device.OutcomeOK || ecOutcome == device.OutcomeBitflips
	ecBad := ecOutcome == device.OutcomeBadHeader || ecOutcome == device.OutcomeBadHeaderECC

	vid, vidOutcome, err := sc.medium.ReadVIDHeader(pnum)
	if err != nil {
		return wrapf(KindIO, err, "reading VID header of pnum %d", pnum)
	}

	vidGood := vidOutcome == device.OutcomeOK || vidOutcome == device.OutcomeBitflips
	vidBad := vidOutcome == device.OutcomeBadHeader || vidOutcome == device.OutcomeBadHeaderECC

	switch {
	case ecBad && vidBad:
		if ecOutcome == device.OutcomeBadHeaderECC && vidOutcome == device.OutcomeBadHeaderECC {
			sc.snap.MaybeBadPEBCount++
		}

		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: UnknownEC}, ListErase, false)

		return nil

	case ecBad && vidGood:
		reason := "EC header unreadable; LEB accepted in degraded mode"
		sc.opts.Logger.Warn("accepting LEB with unreadable EC header",
			zap.Uint32("pnum", pnum), zap.Uint32("vol_id", vid.VolID), zap.Uint32("lnum", vid.LNum))

		// ec is unreadable here, so there is no image_seq to cross-check
		// against the rest of the medium for this PEB.
		if err := sc.snap.AddToAV(pnum, UnknownEC, vid, true); err != nil {
			return err
		}

		sc.markScrub(vid.VolID, vid.LNum, reason)

		return nil

	case ecGood && vidGood:
		if err := sc.checkImageSeq(ec.ImageSeq); err != nil {
			return err
		}

		sc.snap.AccountEC(ec.EraseCounter, sc.classOf(pnum))

		handled, err := sc.classifyInternalVolume(pnum, ec.EraseCounter, vid)
		if err != nil {
			return err
		}

		if handled {
			return nil
		}

		return sc.snap.AddToAV(pnum, ec.EraseCounter, vid, vidOutcome == device.OutcomeBitflips)

	case ecGood && vidOutcome == device.OutcomeAllFF:
		sc.snap.AccountEC(ec.EraseCounter, sc.classOf(pnum))

		if ecOutcome == device.OutcomeBitflips {
			sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: ec.EraseCounter}, ListErase, false)
		} else {
			sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: ec.EraseCounter}, ListFree, false)
		}

		return nil

	case ecGood && vidOutcome == device.OutcomeAllFFBitflips:
		sc.snap.AccountEC(ec.EraseCounter, sc.classOf(pnum))
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: ec.EraseCounter}, ListErase, false)

		return nil

	case ecGood && vidBad:
		return sc.discriminateCorruption(pnum, ec)

	default:
		// A bad EC header with an all-0xFF VID region (with or without
		// bit-flips): neither header is usable, so the PEB is erased.
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: UnknownEC}, ListErase, false)

		return nil
	}
}

// discriminateCorruption implements §4.B.1: when the EC header is fine but
// the VID header is corrupt, read the data area to tell a power-cut
// remnant (type-1, harmless) from genuine unexpected corruption (type-2,
// budgeted).
func (sc *scanner) discriminateCorruption(pnum uint32, ec *onflash.EC) error {
	length := sc.medium.PEBSize() - ec.DataOffset
	buf := make([]byte, length)

	outcome, err := sc.medium.ReadData(pnum, ec.DataOffset, length, buf)
	if err != nil {
		return wrapf(KindIO, err, "reading data area of pnum %d for corruption discrimination", pnum)
	}

	sc.snap.AccountEC(ec.EraseCounter, sc.classOf(pnum))

	type1 := outcome == device.OutcomeBitflips || outcome == device.OutcomeBadHeaderECC || sc.medium.CheckPattern(buf, 0xff)

	if type1 {
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: ec.EraseCounter}, ListErase, false)

		return nil
	}

	sc.snap.AddCorrupt(&PEBRecord{PNum: pnum, EC: ec.EraseCounter})

	return nil
}

// markScrub flags the just-inserted LEB record for scrubbing with reason,
// used for the "accept but warn" path where the EC header is unreadable.
func (sc *scanner) markScrub(volID, lnum uint32, reason string) {
	vol, ok := sc.snap.FindVolume(volID)
	if !ok {
		return
	}

	rec, ok := vol.PEBFor(lnum)
	if !ok {
		return
	}

	rec.ScrubNeeded = true
	rec.ScrubReason = pointer.To(reason)
}

// checkImageSeq enforces invariant 6: every PEB shares one image-sequence
// number, except that zero is always accepted (legacy images).
func (sc *scanner) checkImageSeq(seq uint32) error {
	if seq == 0 {
		return nil
	}

	if sc.snap.ImageSeq == 0 {
		sc.snap.ImageSeq = seq

		return nil
	}

	if seq != sc.snap.ImageSeq {
		return newf(KindFormat, "%w: got %#x, expected %#x", ErrImageSeqMismatch, seq, sc.snap.ImageSeq)
	}

	return nil
}

// classOf reports which erase-count pool pnum belongs to. Without SLC
// tracking every PEB is ClassDefault.
func (sc *scanner) classOf(pnum uint32) PEBClass {
	if !sc.opts.EnableSLCTracking || sc.classifyClass == nil {
		return ClassDefault
	}

	return sc.classifyClass(pnum)
}
