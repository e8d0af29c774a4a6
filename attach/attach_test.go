// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach_test

import (
	"errors"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandcore/ubiattach/attach"
	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/device/simflash"
	"github.com/nandcore/ubiattach/onflash"
)

func crc32IEEE(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

const pebSize = 4096

// TestEmptyMedium covers scenario S1: every PEB reads ALL_FF.
func TestEmptyMedium(t *testing.T) {
	medium := simflash.New(64, pebSize)

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)

	assert.True(t, snap.IsEmpty)
	assert.NotZero(t, snap.ImageSeq)
	assert.Len(t, snap.Erase, 64)
	assert.Empty(t, snap.VolumeIDs())
}

// TestSingleStaticVolume covers scenario S2.
func TestSingleStaticVolume(t *testing.T) {
	medium := simflash.New(16, pebSize)

	for lnum := uint32(0); lnum < 4; lnum++ {
		pnum := lnum
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 5, DataOffset: 0})
		medium.WriteVID(pnum, &onflash.VID{
			VolType: onflash.VolTypeStatic, VolID: 1, LNum: lnum,
			SQNum: uint64(10 + lnum), UsedEBs: 4, DataSize: 16,
		})
		medium.SetData(pnum, make([]byte, 16))
	}

	// Erased and ready-to-use: valid EC header, blank VID header.
	for pnum := uint32(4); pnum < 16; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 2})
	}

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)

	vol, ok := snap.FindVolume(1)
	require.True(t, ok)
	assert.Equal(t, 4, vol.LEBCount())
	assert.Equal(t, uint32(3), vol.HighestLNum)
	assert.Len(t, snap.Free, 12)
	assert.Equal(t, uint64(13), snap.MaxSQNum)
}

// TestDuplicateLEBResolution covers scenario S3, both the clean-winner and
// the corrupt-CRC-forces-rollback branches.
func TestDuplicateLEBResolution(t *testing.T) {
	t.Run("newer copy CRC good", func(t *testing.T) {
		medium := simflash.New(2, pebSize)

		data := []byte("hello world, this is leb data!!")
		crc := crc32IEEE(data)

		medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 2, SQNum: 50})
		medium.SetData(0, data)

		medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(1, &onflash.VID{
			VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 2, SQNum: 51,
			CopyFlag: true, DataSize: uint32(len(data)), DataCRC: crc,
		})
		medium.SetData(1, data)

		snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
		require.NoError(t, err)

		vol, ok := snap.FindVolume(1)
		require.True(t, ok)

		rec, ok := vol.PEBFor(2)
		require.True(t, ok)
		assert.Equal(t, uint32(1), rec.PNum)

		require.Len(t, snap.Erase, 1)
		assert.Equal(t, uint32(0), snap.Erase[0].PNum)
	})

	t.Run("newer copy CRC bad rolls back to older", func(t *testing.T) {
		medium := simflash.New(2, pebSize)

		data := []byte("hello world, this is leb data!!")

		medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 2, SQNum: 50})
		medium.SetData(0, data)

		medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(1, &onflash.VID{
			VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 2, SQNum: 51,
			CopyFlag: true, DataSize: uint32(len(data)), DataCRC: 0xbadc0de,
		})
		medium.SetData(1, data)

		snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
		require.NoError(t, err)

		vol, ok := snap.FindVolume(1)
		require.True(t, ok)

		rec, ok := vol.PEBFor(2)
		require.True(t, ok)
		assert.Equal(t, uint32(0), rec.PNum)

		require.Len(t, snap.Erase, 1)
		assert.Equal(t, uint32(1), snap.Erase[0].PNum)
	})

	t.Run("existing copy wins but is flagged for scrub", func(t *testing.T) {
		medium := simflash.New(2, pebSize)

		data := []byte("hello world, this is leb data!!")
		crc := crc32IEEE(data)

		medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(0, &onflash.VID{
			VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 2, SQNum: 60,
			CopyFlag: true, DataSize: uint32(len(data)), DataCRC: crc,
		})
		medium.SetData(0, data)
		medium.ForceDataOutcome(0, device.OutcomeBitflips)

		medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(1, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 2, SQNum: 50})

		snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
		require.NoError(t, err)

		vol, ok := snap.FindVolume(1)
		require.True(t, ok)

		rec, ok := vol.PEBFor(2)
		require.True(t, ok)
		assert.Equal(t, uint32(0), rec.PNum)
		assert.True(t, rec.ScrubNeeded)

		require.Len(t, snap.Erase, 1)
		assert.Equal(t, uint32(1), snap.Erase[0].PNum)
	})
}

// TestDuplicateNonZeroSQNum covers scenario S4.
func TestDuplicateNonZeroSQNum(t *testing.T) {
	medium := simflash.New(2, pebSize)

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 0, SQNum: 42})

	medium.WriteEC(1, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(1, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 0, SQNum: 42})

	_, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.Error(t, err)

	var attachErr *attach.Error
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, attach.KindFormat, attachErr.Kind)
	assert.True(t, errors.Is(err, attach.ErrDuplicateSQNum))
}

// TestCorruptionBudgetExceeded covers scenario S5.
func TestCorruptionBudgetExceeded(t *testing.T) {
	medium := simflash.New(100, pebSize)

	for pnum := uint32(0); pnum < 10; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
		medium.ForceVIDOutcome(pnum, device.OutcomeBadHeader)
		medium.SetData(pnum, []byte("definitely not an erased 0xff region"))
	}

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.Error(t, err)

	var attachErr *attach.Error
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, attach.KindCorruptionBudget, attachErr.Kind)
	assert.True(t, errors.Is(err, attach.ErrCorruptionBudgetExceeded))
	assert.Equal(t, 10, snap.CorrPEBCount)
}

// TestFastAttachFallback covers scenario S6: a bad fastmap anchor discards
// the partial snapshot and reruns a full scan, matching a forced scan.
func TestFastAttachFallback(t *testing.T) {
	medium := simflash.New(16, pebSize)

	for lnum := uint32(0); lnum < 4; lnum++ {
		pnum := lnum
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 5})
		medium.WriteVID(pnum, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: lnum, SQNum: uint64(10 + lnum)})
		medium.SetData(pnum, make([]byte, 16))
	}

	forced, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)

	fallback, err := attach.Attach(medium, badFastmap{}, attach.WithFastmap(8))
	require.NoError(t, err)

	assert.Equal(t, forced.MaxSQNum, fallback.MaxSQNum)
	assert.Equal(t, len(forced.Free), len(fallback.Free))

	volForced, _ := forced.FindVolume(1)
	volFallback, _ := fallback.FindVolume(1)
	assert.Equal(t, volForced.LEBCount(), volFallback.LEBCount())
}

type badFastmap struct{}

func (badFastmap) ScanFast(_ device.Medium, _ *attach.Snapshot, _ uint32) error {
	return attach.ErrBadFastmap
}
