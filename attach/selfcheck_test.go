// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandcore/ubiattach/attach"
	"github.com/nandcore/ubiattach/device/simflash"
	"github.com/nandcore/ubiattach/onflash"
)

// TestSelfCheckCatchesTamperedHeader rewrites a PEB's on-flash VID header
// after attach with a different sqnum, bypassing the attach path entirely,
// and verifies a standalone SelfCheck call flags the disagreement.
func TestSelfCheckCatchesTamperedHeader(t *testing.T) {
	medium := simflash.New(4, pebSize)

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 0, SQNum: 5})
	medium.SetData(0, make([]byte, 16))

	for pnum := uint32(1); pnum < 4; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
	}

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)

	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 0, SQNum: 99})

	err = attach.SelfCheck(snap, medium)
	require.Error(t, err)
}

// TestSelfCheckPassesOnFreshAttach confirms a clean attach result never
// trips its own self-check (it already ran once inside Attach, but this
// exercises SelfCheck directly as a standalone auditing entry point).
func TestSelfCheckPassesOnFreshAttach(t *testing.T) {
	medium := simflash.New(8, pebSize)

	medium.WriteEC(0, &onflash.EC{EraseCounter: 1})
	medium.WriteVID(0, &onflash.VID{VolType: onflash.VolTypeDynamic, VolID: 1, LNum: 0, SQNum: 1})
	medium.SetData(0, make([]byte, 16))

	for pnum := uint32(1); pnum < 8; pnum++ {
		medium.WriteEC(pnum, &onflash.EC{EraseCounter: 1})
	}

	snap, err := attach.Attach(medium, nil, attach.WithForceScan(true))
	require.NoError(t, err)

	assert.NoError(t, attach.SelfCheck(snap, medium))
}
