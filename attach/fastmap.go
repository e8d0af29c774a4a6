// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import "github.com/nandcore/ubiattach/device"

// FastmapReader is the fast-attach reader's contract (scan_fastmap). Its
// implementation -- finding the fastmap anchor volume, reading its
// super-block and data PEBs, and reconstructing a snapshot from them --
// lives outside attach; only the contract is specified here.
type FastmapReader interface {
	// ScanFast probes the first maxStart PEBs of medium for a fastmap
	// anchor, identified by its volume id. On success it populates snap
	// with the reconstructed attach state and returns nil.
	//
	// It returns ErrNoFastmap if no anchor was found in the probed range,
	// or ErrBadFastmap if an anchor was found but failed validation
	// (wrong magic, bad CRC, or an inconsistent payload). Both are
	// sentinel errors usable with errors.Is; any other error is a hard
	// I/O failure and aborts the attach.
	ScanFast(medium device.Medium, snap *Snapshot, maxStart uint32) error
}
