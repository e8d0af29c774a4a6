// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package attach implements the attach/scan core of a flash-translation
// subsystem: header decoding, PEB classification, LEB reconciliation, the
// in-memory attach snapshot, the full scanner, the fast-attach dispatcher,
// the early allocator, the post-scan self-check, and the optional low-page
// backup recovery pass.
package attach

import (
	"errors"

	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/device"
)

// Attach runs the fast-attach dispatcher (§4.F): it calls fastmap's
// ScanFast when fastmap is enabled and the medium is large enough,
// falling back to a full linear scan when fastmap is disabled, too small,
// or reports ErrNoFastmap, and restarting from scratch when fastmap
// reports ErrBadFastmap. fastmap may be nil when WithFastmap was never
// passed; it is never dereferenced in that case.
//
// On error the returned snapshot is whatever state the scanner had
// accumulated at the point of failure -- useful for diagnostics (e.g.
// inspecting CorrPEBCount after a CORRUPTION_BUDGET failure) but not a
// valid attach result.
func Attach(medium device.Medium, fastmap FastmapReader, opts ...Option) (*Snapshot, error) {
	o := applyOptions(opts...)

	snap := NewSnapshot(o.Logger)
	sc := newScanner(medium, snap, o)

	tooSmallForFastmap := medium.PEBCount() < o.FastMaxStart

	switch {
	case o.ForceScan || !o.EnableFastmap || tooSmallForFastmap:
		if err := sc.ScanAll(0); err != nil {
			return snap, err
		}

	default:
		err := fastmap.ScanFast(medium, snap, o.FastMaxStart)

		switch {
		case err == nil:
			o.Logger.Debug("fast-attach succeeded", zap.Uint32("max_start", o.FastMaxStart))

		case errors.Is(err, ErrNoFastmap):
			o.Logger.Debug("no fastmap anchor found, scanning from max_start", zap.Uint32("max_start", o.FastMaxStart))

			if err := sc.ScanAll(o.FastMaxStart); err != nil {
				return snap, err
			}

		case errors.Is(err, ErrBadFastmap):
			o.Logger.Warn("fastmap anchor failed validation, discarding and running full scan")

			snap = NewSnapshot(o.Logger)
			sc = newScanner(medium, snap, o)

			if err := sc.ScanAll(0); err != nil {
				return snap, err
			}

		default:
			return snap, err
		}
	}

	if o.EnableLowPageBackup {
		if err := RecoverLowPageBackup(medium, snap, o); err != nil {
			return snap, err
		}
	}

	return snap, nil
}
