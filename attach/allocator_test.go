// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandcore/ubiattach/attach"
	"github.com/nandcore/ubiattach/device"
	"github.com/nandcore/ubiattach/device/simflash"
	"github.com/nandcore/ubiattach/onflash"
)

// TestEarlyAllocPrefersFree confirms a PEB already on the free queue is
// returned without touching the medium (no erase, no erase-counter bump).
func TestEarlyAllocPrefersFree(t *testing.T) {
	medium := simflash.New(4, pebSize)

	medium.WriteEC(0, &onflash.EC{EraseCounter: 9})

	for pnum := uint32(1); pnum < 4; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
		medium.WriteVID(pnum, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: pnum - 1, SQNum: uint64(pnum)})
		medium.SetData(pnum, []byte{})
	}

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)
	require.Len(t, snap.Free, 1)

	rec, err := attach.EarlyAlloc(snap, medium, attach.Options{}, attach.ClassDefault)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rec.PNum)
	assert.Equal(t, uint64(9), rec.EC)
	assert.Empty(t, snap.Free)
}

// TestEarlyAllocFallsBackToErase confirms that with an empty free queue,
// the allocator erases the head of the erase queue and bumps its EC.
func TestEarlyAllocFallsBackToErase(t *testing.T) {
	medium := simflash.New(2, pebSize)
	medium.WriteEC(0, &onflash.EC{EraseCounter: 4})
	medium.ForceECOutcome(0, device.OutcomeBitflips)
	medium.WriteEC(1, &onflash.EC{EraseCounter: 4})
	medium.ForceECOutcome(1, device.OutcomeBitflips)

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)
	require.Empty(t, snap.Free)
	require.Len(t, snap.Erase, 2)

	opts := attach.Options{VIDHdrOffset: onflash.ECHeaderSize, DataOffset: onflash.ECHeaderSize + onflash.VIDHeaderSize}

	rec, err := attach.EarlyAlloc(snap, medium, opts, attach.ClassDefault)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.EC)
	assert.Len(t, snap.Erase, 1)
}

// TestEarlyAllocNoSpace confirms a fully-occupied medium with nothing in
// free or erase reports KindNoSpace.
func TestEarlyAllocNoSpace(t *testing.T) {
	medium := simflash.New(1, pebSize)
	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 0, SQNum: 1})
	medium.SetData(0, []byte{})

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)

	_, err = attach.EarlyAlloc(snap, medium, attach.Options{}, attach.ClassDefault)
	require.Error(t, err)

	var attachErr *attach.Error
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, attach.KindNoSpace, attachErr.Kind)
}
