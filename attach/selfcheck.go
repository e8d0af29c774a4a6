// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/onflash"
)

// SelfCheck walks every volume and queue, verifying the §3 invariants hold.
// It re-reads the VID header of every volume-owned PEB and compares it
// field-by-field against the stored record.
func SelfCheck(snap *Snapshot, medium device.Medium) error {
	marked := make(map[uint32]bool, medium.PEBCount())

	for _, volID := range snap.VolumeIDs() {
		vol, _ := snap.FindVolume(volID)

		lebNums := vol.LEBNumbers()
		if len(lebNums) > 0 && lebNums[len(lebNums)-1] != vol.HighestLNum {
			return newf(KindFormat, "volume %d: highest_lnum %d does not match highest mapped LEB %d",
				vol.VolID, vol.HighestLNum, lebNums[len(lebNums)-1])
		}

		for _, lnum := range lebNums {
			rec := vol.lebMap[lnum]

			if err := markOnce(marked, rec.PNum); err != nil {
				return err
			}

			if err := checkECBounds(snap, rec); err != nil {
				return err
			}

			if vol.VolType == onflash.VolTypeStatic {
				if lnum >= vol.UsedEBs {
					return newf(KindFormat, "volume %d: lnum %d >= used_ebs %d for a static volume", vol.VolID, lnum, vol.UsedEBs)
				}
			} else if vol.UsedEBs != 0 {
				return newf(KindFormat, "volume %d: used_ebs %d must be 0 for a dynamic volume", vol.VolID, vol.UsedEBs)
			}

			vid, outcome, err := medium.ReadVIDHeader(rec.PNum)
			if err != nil {
				return wrapf(KindIO, err, "re-reading VID header of pnum %d during self-check", rec.PNum)
			}

			if outcome != device.OutcomeOK && outcome != device.OutcomeBitflips {
				continue
			}

			if vid.VolID != rec.VolID || vid.LNum != rec.LNum || vid.SQNum != rec.SQNum {
				return newf(KindFormat, "pnum %d: stored record (vol=%d lnum=%d sqnum=%d) disagrees with on-flash VID header (vol=%d lnum=%d sqnum=%d)",
					rec.PNum, rec.VolID, rec.LNum, rec.SQNum, vid.VolID, vid.LNum, vid.SQNum)
			}

			if vid.VolType != rec.VolType || vid.CopyFlag != rec.CopyFlag || vid.DataSize != rec.DataSize || vid.DataCRC != rec.DataCRC {
				return newf(KindFormat, "pnum %d: stored record (type=%s copy=%t data_size=%d data_crc=%#x) disagrees with on-flash VID header (type=%s copy=%t data_size=%d data_crc=%#x)",
					rec.PNum, rec.VolType, rec.CopyFlag, rec.DataSize, rec.DataCRC, vid.VolType, vid.CopyFlag, vid.DataSize, vid.DataCRC)
			}
		}
	}

	for _, list := range [][]*PEBRecord{snap.Free, snap.Erase, snap.Corrupt, snap.Alien, snap.Waiting} {
		for _, rec := range list {
			if err := markOnce(marked, rec.PNum); err != nil {
				return err
			}

			if err := checkECBounds(snap, rec); err != nil {
				return err
			}
		}
	}

	for pnum := uint32(0); pnum < medium.PEBCount(); pnum++ {
		bad, err := medium.IsBad(pnum)
		if err != nil {
			return wrapf(KindIO, err, "querying bad-block status of pnum %d during self-check", pnum)
		}

		if bad {
			continue
		}

		if !marked[pnum] {
			return newf(KindFormat, "pnum %d is not referenced by any volume or queue", pnum)
		}
	}

	return nil
}

func markOnce(marked map[uint32]bool, pnum uint32) error {
	if marked[pnum] {
		return newf(KindFormat, "pnum %d is referenced by more than one container", pnum)
	}

	marked[pnum] = true

	return nil
}

func checkECBounds(snap *Snapshot, rec *PEBRecord) error {
	if rec.EC == UnknownEC {
		return nil
	}

	if rec.EC < snap.MinEC || rec.EC > snap.MaxEC {
		return newf(KindFormat, "pnum %d: erase counter %d outside [%d, %d]", rec.PNum, rec.EC, snap.MinEC, snap.MaxEC)
	}

	return nil
}
