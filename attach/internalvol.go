// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/onflash"
)

// InternalVolStart is the first volume id reserved for internal volumes
// (layout volume, fastmap super-block volume, fastmap data volume, backup
// volume); every id below it names an ordinary user volume.
const InternalVolStart uint32 = 0x7fffefff

// LayoutVolID is the volume id of the layout volume the volume-table reader
// parses; it is always the first internal volume and is handed to AddToAV
// like any user volume, since classify has no reason to special-case its
// contents.
const LayoutVolID uint32 = InternalVolStart

// classifyInternalVolume implements the compat-code dispatch for a PEB
// belonging to an internal volume this scanner does not have dedicated
// handling for (the layout volume and the configured low-page backup
// volume are handled by their own consumers and bypass this switch).
// handled reports whether pnum was fully classified here; when false, the
// caller should continue with the normal AddToAV path.
func (sc *scanner) classifyInternalVolume(pnum uint32, ec uint64, vid *onflash.VID) (handled bool, err error) {
	if vid.VolID < InternalVolStart || vid.VolID == LayoutVolID || vid.VolID == sc.opts.BackupVolID {
		return false, nil
	}

	switch vid.Compat {
	case onflash.CompatDelete:
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: ec}, ListErase, false)

		return true, nil

	case onflash.CompatRO:
		sc.opts.Logger.Warn("unsupported internal volume with RO compat, attaching in degraded mode",
			zap.Uint32("pnum", pnum), zap.Uint32("vol_id", vid.VolID))

		return false, nil

	case onflash.CompatPreserve:
		sc.snap.AddToList(&PEBRecord{PNum: pnum, EC: ec, VolID: vid.VolID, LNum: vid.LNum, SQNum: vid.SQNum}, ListAlien, false)
		sc.snap.AlienPEBCount++

		return true, nil

	case onflash.CompatReject:
		return true, newf(KindFormat, "%w: unsupported internal volume %d rejects attach (compat=reject)", ErrMismatchedVID, vid.VolID)

	default:
		return false, nil
	}
}
