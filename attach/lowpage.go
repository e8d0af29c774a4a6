// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"encoding/binary"

	"github.com/avast/retry-go/v4"
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/onflash"
)

const (
	// backupPageSize is the on-flash size of one backup-log entry: a
	// descriptor (pnum, lnum, page, sqnum, crc) plus the backed-up page
	// payload window it protects.
	backupPageSize = 64

	backupDescriptorSize = 24 // pnum(4) lnum(4) page(4) sqnum(8) crc(4)
	backupPayloadSize    = backupPageSize - backupDescriptorSize
)

// backupRecord is one entry of the low-page backup volume's rolling log.
type backupRecord struct {
	SourcePNum uint32
	SourceLNum uint32
	SourcePage uint32
	SQNum      uint64
	Payload    []byte
}

func decodeBackupRecord(buf []byte) (backupRecord, bool) {
	if len(buf) < backupPageSize {
		return backupRecord{}, false
	}

	crc := binary.BigEndian.Uint32(buf[20:24])
	if crc32Of(buf[:20]) != crc {
		return backupRecord{}, false
	}

	payload := make([]byte, backupPayloadSize)
	copy(payload, buf[backupDescriptorSize:backupPageSize])

	return backupRecord{
		SourcePNum: binary.BigEndian.Uint32(buf[0:4]),
		SourceLNum: binary.BigEndian.Uint32(buf[4:8]),
		SourcePage: binary.BigEndian.Uint32(buf[8:12]),
		SQNum:      binary.BigEndian.Uint64(buf[12:20]),
		Payload:    payload,
	}, true
}

func encodeBackupRecord(r backupRecord) []byte {
	buf := make([]byte, backupPageSize)

	binary.BigEndian.PutUint32(buf[0:4], r.SourcePNum)
	binary.BigEndian.PutUint32(buf[4:8], r.SourceLNum)
	binary.BigEndian.PutUint32(buf[8:12], r.SourcePage)
	binary.BigEndian.PutUint64(buf[12:20], r.SQNum)

	crc := crc32Of(buf[:20])
	binary.BigEndian.PutUint32(buf[20:24], crc)

	copy(buf[backupDescriptorSize:backupPageSize], r.Payload)

	return buf
}

// findFirstEmptyPage binary-searches pnum's data area for the first page
// (of backupPageSize bytes) that reads back entirely 0xFF, the boundary
// past which the backup log has not yet been written (ubi_backup_search_empty).
func findFirstEmptyPage(medium device.Medium, pnum uint32) (uint32, error) {
	numPages := medium.PEBSize() / backupPageSize

	lo, hi := uint32(0), numPages
	buf := make([]byte, backupPageSize)

	for lo < hi {
		mid := lo + (hi-lo)/2

		if _, err := medium.ReadData(pnum, mid*backupPageSize, backupPageSize, buf); err != nil {
			return 0, wrapf(KindIO, err, "reading backup page %d of pnum %d", mid, pnum)
		}

		if medium.CheckPattern(buf, 0xff) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	return lo, nil
}

// readBackupLog reads every page up to the first empty one and decodes
// whatever records pass their own CRC check.
func readBackupLog(medium device.Medium, pnum uint32) ([]backupRecord, error) {
	emptyAt, err := findFirstEmptyPage(medium, pnum)
	if err != nil {
		return nil, err
	}

	records := make([]backupRecord, 0, emptyAt)
	buf := make([]byte, backupPageSize)

	for page := uint32(0); page < emptyAt; page++ {
		if _, err := medium.ReadData(pnum, page*backupPageSize, backupPageSize, buf); err != nil {
			return nil, wrapf(KindIO, err, "reading backup page %d of pnum %d", page, pnum)
		}

		if rec, ok := decodeBackupRecord(buf); ok {
			records = append(records, rec)
		}
	}

	return records, nil
}

// pebRecordByPNum finds the PEB record and owning volume currently holding
// pnum, searching every volume's LEB map.
func pebRecordByPNum(snap *Snapshot, pnum uint32) (*PEBRecord, *Volume) {
	for _, volID := range snap.VolumeIDs() {
		vol, _ := snap.FindVolume(volID)

		for _, lnum := range vol.LEBNumbers() {
			rec := vol.lebMap[lnum]
			if rec.PNum == pnum {
				return rec, vol
			}
		}
	}

	return nil, nil
}

// RecoverLowPageBackup implements §4.I: after the main scan, replay the
// low-page backup volume's log in reverse, rebuilding any source PEB whose
// paired high page shows signs of corruption consistent with a power cut
// during a low-page write.
func RecoverLowPageBackup(medium device.Medium, snap *Snapshot, opts Options) error {
	vol, ok := snap.FindVolume(opts.BackupVolID)
	if !ok {
		return nil
	}

	lebs := vol.LEBNumbers()
	if len(lebs) != 2 {
		return newf(KindFormat, "backup volume %d must have exactly two LEBs, has %d", opts.BackupVolID, len(lebs))
	}

	var all []backupRecord

	for _, lnum := range lebs {
		rec := vol.lebMap[lnum]

		log, err := readBackupLog(medium, rec.PNum)
		if err != nil {
			return err
		}

		all = append(all, log...)
	}

	// Drop entries whose source PEB already left every volume's LEB map
	// (reclaimed to erase/corrupt by the main scan): nothing to reconcile.
	all = xslices.FilterInPlace(all, func(r backupRecord) bool {
		rec, _ := pebRecordByPNum(snap, r.SourcePNum)

		return rec != nil
	})

	for i := len(all) - 1; i >= 0; i-- {
		if snap.ReadOnly {
			opts.Logger.Warn("skipping remaining low-page backup entries, medium is read-only")

			break
		}

		if err := recoverOne(medium, snap, opts, all[i]); err != nil {
			return err
		}
	}

	return nil
}

// recoverOne evaluates one backup-log entry against the current state of
// its source PEB and rebuilds the PEB if corruption is indicated.
func recoverOne(medium device.Medium, snap *Snapshot, opts Options, entry backupRecord) error {
	srcRec, srcVol := pebRecordByPNum(snap, entry.SourcePNum)
	if srcRec == nil {
		// The source PEB is no longer part of any volume (already moved
		// to erase/corrupt by the main scan); nothing to reconcile.
		return nil
	}

	highPageOff := (entry.SourcePage + 1) * backupPayloadSize
	highBuf := make([]byte, backupPayloadSize)

	highOutcome, err := medium.ReadData(entry.SourcePNum, highPageOff, backupPayloadSize, highBuf)
	if err != nil {
		return wrapf(KindIO, err, "reading paired high page for pnum %d", entry.SourcePNum)
	}

	highIsBad := highOutcome == device.OutcomeBadHeader || highOutcome == device.OutcomeBadHeaderECC || highOutcome == device.OutcomeBitflips
	highIsEmpty := medium.CheckPattern(highBuf, 0xff)
	staleOwner := highIsEmpty && srcRec.SQNum < entry.SQNum

	if !highIsBad && !staleOwner {
		return nil
	}

	opts.Logger.Warn("rebuilding PEB from low-page backup",
		zap.Uint32("source_pnum", entry.SourcePNum), zap.Uint64("record_sqnum", entry.SQNum))

	return rebuildPEB(medium, snap, opts, srcVol, srcRec, entry)
}

// rebuildPEB reads the surviving data of a corrupted source PEB, overlays
// the backed-up page payload, and writes the result to a freshly allocated
// PEB with a bumped sequence number and copy_flag set, retrying the write
// up to IORetries times before giving up.
func rebuildPEB(medium device.Medium, snap *Snapshot, opts Options, vol *Volume, srcRec *PEBRecord, entry backupRecord) error {
	dataLen := medium.PEBSize() - opts.DataOffset
	data := make([]byte, dataLen)

	if _, err := medium.ReadData(srcRec.PNum, opts.DataOffset, dataLen, data); err != nil {
		return wrapf(KindIO, err, "reading surviving data of pnum %d", srcRec.PNum)
	}

	overlayOff := entry.SourcePage * backupPayloadSize
	if overlayOff+backupPayloadSize <= uint32(len(data)) {
		copy(data[overlayOff:overlayOff+backupPayloadSize], entry.Payload)
	}

	newSQNum := entry.SQNum
	if srcRec.SQNum >= newSQNum {
		newSQNum = srcRec.SQNum + 1
	}

	fresh, err := EarlyAlloc(snap, medium, opts, srcRec.Class)
	if err != nil {
		return err
	}

	vid := &onflash.VID{
		VolType:  vol.VolType,
		CopyFlag: true,
		Compat:   vol.Compat,
		VolID:    srcRec.VolID,
		LNum:     srcRec.LNum,
		DataSize: uint32(len(data)),
		UsedEBs:  vol.UsedEBs,
		DataPad:  vol.DataPad,
		DataCRC:  crc32Of(data),
		SQNum:    newSQNum,
	}

	writeErr := retry.Do(
		func() error {
			if err := medium.WriteVIDHeader(fresh.PNum, vid); err != nil {
				return err
			}

			return medium.WriteData(fresh.PNum, opts.DataOffset, data)
		},
		retry.Attempts(opts.IORetries+1),
		retry.Delay(opts.IORetryDelay),
	)
	if writeErr != nil {
		snap.ReadOnly = true
		opts.Logger.Error("persistent write failure recovering low-page backup, switching medium read-only",
			zap.Uint32("pnum", fresh.PNum), zap.Uint("retries", opts.IORetries))

		return wrapf(KindTransient, writeErr, "writing rebuilt PEB %d after %d retries", fresh.PNum, opts.IORetries)
	}

	fresh.VolID = srcRec.VolID
	fresh.LNum = srcRec.LNum
	fresh.SQNum = newSQNum
	fresh.CopyFlag = true
	fresh.VolType = vol.VolType
	fresh.DataSize = vid.DataSize
	fresh.DataCRC = vid.DataCRC

	vol.lebMap[srcRec.LNum] = fresh

	if newSQNum > snap.MaxSQNum {
		snap.MaxSQNum = newSQNum
	}

	// The corrupted source PEB is done with: queue it for erase, at the
	// head since it was found corrupt.
	snap.AddToList(srcRec, ListErase, true)

	return nil
}
