// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandcore/ubiattach/attach"
	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/device/simflash"
	"github.com/nandcore/ubiattach/onflash"
)

const (
	backupPageSize       = 64
	backupDescriptorSize = 24
	backupPayloadSize    = backupPageSize - backupDescriptorSize
)

// encodeBackupLogEntry mirrors attach's unexported on-flash backup record
// layout so a test can plant log entries directly into a simulated backup
// volume without exporting the codec just for testing.
func encodeBackupLogEntry(pnum, lnum, page uint32, sqnum uint64, payload []byte) []byte {
	buf := make([]byte, backupPageSize)

	binary.BigEndian.PutUint32(buf[0:4], pnum)
	binary.BigEndian.PutUint32(buf[4:8], lnum)
	binary.BigEndian.PutUint32(buf[8:12], page)
	binary.BigEndian.PutUint64(buf[12:20], sqnum)
	binary.BigEndian.PutUint32(buf[20:24], crc32IEEE(buf[:20]))
	copy(buf[backupDescriptorSize:], payload)

	return buf
}

// TestLowPageBackupNoOpWhenHighPageHealthy confirms the recovery pass
// leaves a source PEB untouched when its paired high page reads back clean.
func TestLowPageBackupNoOpWhenHighPageHealthy(t *testing.T) {
	medium := simflash.New(8, pebSize)

	dataLen := pebSize - onflash.ECHeaderSize - onflash.VIDHeaderSize
	sourceData := make([]byte, dataLen)

	for i := range sourceData {
		sourceData[i] = byte(i)
	}

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 5, LNum: 0, SQNum: 1, DataSize: uint32(dataLen)})
	medium.SetData(0, sourceData)

	logEntry := encodeBackupLogEntry(0, 0, 0, 1, sourceData[backupPayloadSize:2*backupPayloadSize])

	medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(1, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 0, SQNum: 1})
	medium.SetData(1, logEntry)

	medium.WriteEC(2, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(2, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 1, SQNum: 1})

	for pnum := uint32(3); pnum < 8; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
	}

	snap, err := attach.Attach(medium, nil,
		attach.WithForceScan(true),
		attach.WithGeometry(0, 0),
		attach.WithLowPageBackup(99, 3, time.Millisecond))
	require.NoError(t, err)

	vol, ok := snap.FindVolume(5)
	require.True(t, ok)

	rec, ok := vol.PEBFor(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0), rec.PNum)
	assert.False(t, rec.CopyFlag)
}

// TestLowPageBackupRejectsWrongLEBCount confirms a backup volume that
// doesn't carry exactly two LEBs is reported as a format error rather than
// silently skipped.
func TestLowPageBackupRejectsWrongLEBCount(t *testing.T) {
	medium := simflash.New(4, pebSize)

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 0, SQNum: 1})

	for pnum := uint32(1); pnum < 4; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
	}

	_, err := attach.Attach(medium, nil,
		attach.WithForceScan(true),
		attach.WithLowPageBackup(99, 3, time.Millisecond))
	require.Error(t, err)

	var attachErr *attach.Error
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, attach.KindFormat, attachErr.Kind)
}

// TestLowPageBackupRebuildsCorruptedSource drives the full recovery path:
// a source PEB whose high page reads back with a bad header triggers a
// rebuild onto a fresh PEB, and the volume's LEB map is repointed at it.
func TestLowPageBackupRebuildsCorruptedSource(t *testing.T) {
	medium := simflash.New(8, pebSize)

	dataLen := pebSize - onflash.ECHeaderSize - onflash.VIDHeaderSize
	sourceData := make([]byte, dataLen)

	for i := range sourceData {
		sourceData[i] = byte(i)
	}

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 5, LNum: 0, SQNum: 1, DataSize: uint32(dataLen)})
	medium.SetData(0, sourceData)
	medium.ForceDataOutcome(0, device.OutcomeBadHeader)

	logEntry := encodeBackupLogEntry(0, 0, 0, 2, sourceData[backupPayloadSize:2*backupPayloadSize])

	medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(1, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 0, SQNum: 1})
	medium.SetData(1, logEntry)

	medium.WriteEC(2, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(2, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 1, SQNum: 1})

	for pnum := uint32(3); pnum < 8; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
	}

	snap, err := attach.Attach(medium, nil,
		attach.WithForceScan(true),
		attach.WithGeometry(0, 0),
		attach.WithLowPageBackup(99, 3, time.Millisecond),
		attach.WithSelfCheck(false))
	require.NoError(t, err)

	vol, ok := snap.FindVolume(5)
	require.True(t, ok)

	rec, ok := vol.PEBFor(0)
	require.True(t, ok)
	assert.NotEqual(t, uint32(0), rec.PNum)
	assert.True(t, rec.CopyFlag)
}

// TestLowPageBackupReadOnlyAfterPersistentWriteFailure confirms that when
// the rebuild write exhausts its retry budget, the snapshot is switched
// read-only rather than silently leaving the source PEB's corruption
// unresolved.
func TestLowPageBackupReadOnlyAfterPersistentWriteFailure(t *testing.T) {
	medium := simflash.New(4, pebSize)

	dataLen := pebSize - onflash.ECHeaderSize - onflash.VIDHeaderSize
	sourceData := make([]byte, dataLen)

	for i := range sourceData {
		sourceData[i] = byte(i)
	}

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 5, LNum: 0, SQNum: 1, DataSize: uint32(dataLen)})
	medium.SetData(0, sourceData)
	medium.ForceDataOutcome(0, device.OutcomeBadHeader)

	logEntry := encodeBackupLogEntry(0, 0, 0, 2, sourceData[backupPayloadSize:2*backupPayloadSize])

	medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(1, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 0, SQNum: 1})
	medium.SetData(1, logEntry)

	medium.WriteEC(2, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(2, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 99, LNum: 1, SQNum: 1})

	// pnum 3 is the sole free candidate EarlyAlloc can hand the rebuild;
	// forcing every write against it to fail exhausts the retry budget.
	medium.WriteEC(3, &onflash.EC{EraseCounter: 1})
	medium.ForceWriteError(3, assert.AnError)

	snap, err := attach.Attach(medium, nil,
		attach.WithForceScan(true),
		attach.WithGeometry(0, 0),
		attach.WithLowPageBackup(99, 1, time.Millisecond),
		attach.WithSelfCheck(false))
	require.Error(t, err)
	require.NotNil(t, snap)

	var attachErr *attach.Error
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, attach.KindTransient, attachErr.Kind)
	assert.True(t, snap.ReadOnly)
}
