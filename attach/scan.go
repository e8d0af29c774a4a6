// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"crypto/rand"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/device"
)

// scanner drives the header decoder, classifier, and reconciler across
// every PEB of a medium (scan_all).
type scanner struct {
	medium device.Medium
	snap   *Snapshot
	opts   Options

	// classifyClass assigns a PEBClass to a pnum when SLC tracking is
	// enabled. Left nil, every PEB is ClassDefault.
	classifyClass func(pnum uint32) PEBClass

	goodPEBCount int
}

func newScanner(m device.Medium, snap *Snapshot, opts Options) *scanner {
	snap.SetCRCReader(func(pnum uint32, dataSize uint32) (uint32, PEBReadOutcome, error) {
		buf := make([]byte, dataSize)

		outcome, err := m.ReadData(pnum, 0, dataSize, buf)
		if err != nil {
			return 0, PEBReadOK, err
		}

		readOutcome := PEBReadOK

		switch outcome {
		case device.OutcomeBitflips:
			readOutcome = PEBReadBitflips
		case device.OutcomeBadHeader, device.OutcomeBadHeaderECC:
			readOutcome = PEBReadECCError
		}

		return crc32Of(buf), readOutcome, nil
	})

	return &scanner{medium: m, snap: snap, opts: opts}
}

// ScanAll walks every PEB from start to PEBCount-1 (scan_all). It aborts on
// the first hard I/O or FORMAT error; otherwise it backfills unknown erase
// counts, runs late analysis, and optionally the self-check.
func (sc *scanner) ScanAll(start uint32) error {
	pebCount := sc.medium.PEBCount()

	for pnum := start; pnum < pebCount; pnum++ {
		bad, err := sc.medium.IsBad(pnum)
		if err != nil {
			return wrapf(KindIO, err, "querying bad-block status of pnum %d", pnum)
		}

		if bad {
			sc.snap.BadPEBCount++

			continue
		}

		if err := sc.classifyPEB(pnum); err != nil {
			sc.opts.Logger.Error("aborting scan", zap.Uint32("pnum", pnum), zap.Error(err))

			return err
		}

		sc.opts.Logger.Debug("classified PEB", zap.Uint32("pnum", pnum))
	}

	sc.backfillMeanEC()

	if err := sc.lateAnalysis(pebCount); err != nil {
		return err
	}

	if sc.opts.EnableSelfCheck {
		if err := SelfCheck(sc.snap, sc.medium); err != nil {
			return err
		}
	}

	return nil
}

// backfillMeanEC computes mean_ec and writes it into every PEB record whose
// erase counter is still UnknownEC, across every volume's LEB map and the
// free, corrupt and erase lists, in the order volumes -> free -> corrupt ->
// erase (the mean must be known by the time the early allocator or a
// downstream consumer reads it). When no PEB had a readable erase counter
// there is no mean, and every record keeps UnknownEC.
func (sc *scanner) backfillMeanEC() {
	if sc.snap.ECCount == 0 {
		return
	}

	sc.snap.MeanEC = sc.snap.ECSum / sc.snap.ECCount

	if sc.snap.SLCECCount > 0 {
		sc.snap.SLCMeanEC = sc.snap.SLCECSum / sc.snap.SLCECCount
	}

	if sc.snap.TLCECCount > 0 {
		sc.snap.TLCMeanEC = sc.snap.TLCECSum / sc.snap.TLCECCount
	}

	fill := func(rec *PEBRecord) {
		if rec.EC == UnknownEC {
			switch rec.Class {
			case ClassSLC:
				rec.EC = sc.snap.SLCMeanEC
			case ClassTLC:
				rec.EC = sc.snap.TLCMeanEC
			default:
				rec.EC = sc.snap.MeanEC
			}
		}
	}

	for _, volID := range sc.snap.VolumeIDs() {
		vol, _ := sc.snap.FindVolume(volID)
		for _, lnum := range vol.LEBNumbers() {
			fill(vol.lebMap[lnum])
		}
	}

	for _, rec := range sc.snap.Free {
		fill(rec)
	}

	for _, rec := range sc.snap.Corrupt {
		fill(rec)
	}

	for _, rec := range sc.snap.Erase {
		fill(rec)
	}
}

// lateAnalysis implements §4.E.1: refuse an over-corrupted or
// not-actually-UBI medium, and recognize a genuinely empty one.
func (sc *scanner) lateAnalysis(pebCount uint32) error {
	maxCorr := int(pebCount) / 20
	if maxCorr < 8 {
		maxCorr = 8
	}

	if sc.snap.CorrPEBCount >= maxCorr {
		return newf(KindCorruptionBudget, "%w: %d corrupted PEBs, budget %d",
			ErrCorruptionBudgetExceeded, sc.snap.CorrPEBCount, maxCorr)
	}

	// check_what_we_have: total PEBs minus bad minus alien. Bad PEBs never
	// reach any list here, so the running total is volumes+free+erase+
	// corrupt+waiting; alien is excluded on purpose.
	goodPEBCount := 0
	for _, volID := range sc.snap.VolumeIDs() {
		vol, _ := sc.snap.FindVolume(volID)
		goodPEBCount += vol.LEBCount()
	}

	goodPEBCount += len(sc.snap.Free) + len(sc.snap.Erase) + len(sc.snap.Corrupt) + len(sc.snap.Waiting)
	sc.goodPEBCount = goodPEBCount

	if sc.snap.EmptyPEBCount+sc.snap.MaybeBadPEBCount == goodPEBCount {
		if sc.snap.MaybeBadPEBCount <= 2 {
			sc.snap.IsEmpty = true
			sc.snap.ImageSeq = randomImageSeq()

			return nil
		}

		return newf(KindNotUBI, "%w: %d maybe-bad PEBs out of %d", ErrNotUBI, sc.snap.MaybeBadPEBCount, goodPEBCount)
	}

	return nil
}

func randomImageSeq() uint32 {
	var buf [4]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}

	seq := binary.BigEndian.Uint32(buf[:])
	if seq == 0 {
		seq = 1
	}

	return seq
}
