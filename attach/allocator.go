// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/onflash"
)

// EarlyAlloc hands out one free PEB during attach, before the wear-leveler
// exists to do it properly. It prefers an already-erased PEB from the free
// queue; failing that, it erases the head of the erase queue synchronously
// and bumps its erase counter.
//
// When class is non-zero, candidates whose own Class is a different
// non-default class are skipped, so an SLC-only caller never receives a PEB
// recorded as TLC; ClassDefault candidates match every request. This
// filtering does not depend on Options.EnableSLCTracking.
func EarlyAlloc(snap *Snapshot, medium device.Medium, opts Options, class PEBClass) (*PEBRecord, error) {
	if i := firstMatchingIndex(snap.Free, class); i >= 0 {
		rec := snap.Free[i]
		snap.Free = removeAt(snap.Free, i)

		return rec, nil
	}

	for i := 0; i < len(snap.Erase); i++ {
		rec := snap.Erase[i]

		if class != ClassDefault && rec.Class != ClassDefault && rec.Class != class {
			continue
		}

		if rec.EC == UnknownEC {
			rec.EC = snap.MeanEC
		}

		if err := medium.SyncErase(rec.PNum); err != nil {
			opts.Logger.Warn("early allocator: erase failed, trying next candidate",
				zap.Uint32("pnum", rec.PNum), zap.Error(err))

			continue
		}

		rec.EC++

		hdr := &onflash.EC{
			EraseCounter: rec.EC,
			VIDHdrOffset: opts.VIDHdrOffset,
			DataOffset:   opts.DataOffset,
			ImageSeq:     snap.ImageSeq,
		}

		if err := medium.WriteECHeader(rec.PNum, hdr); err != nil {
			return nil, wrapf(KindIO, err, "writing fresh EC header to pnum %d", rec.PNum)
		}

		snap.Erase = removeAt(snap.Erase, i)

		return rec, nil
	}

	return nil, newf(KindNoSpace, "%w", ErrNoSpace)
}

// firstMatchingIndex returns the index of the first record in list whose
// class is compatible with the requested class, or -1.
func firstMatchingIndex(list []*PEBRecord, class PEBClass) int {
	for i, rec := range list {
		if class == ClassDefault || rec.Class == ClassDefault || rec.Class == class {
			return i
		}
	}

	return -1
}

func removeAt(list []*PEBRecord, i int) []*PEBRecord {
	return append(list[:i], list[i+1:]...)
}
