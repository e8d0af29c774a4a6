// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"time"

	"go.uber.org/zap"

	"github.com/nandcore/ubiattach/onflash"
)

// Options controls optional behavior of Attach. Each feature keeps the core
// scan/classify/reconcile contract stable; options only add collections and
// post-scan passes.
type Options struct {
	// Logger receives per-PEB Debug traces, Warn on degraded-mode
	// conditions, and Error when a PEB's classification aborts the scan or
	// a recovery write fails for good.
	Logger *zap.Logger

	// ForceScan skips the fast-attach dispatcher and always runs a full
	// linear scan from PEB 0.
	ForceScan bool

	// FastMaxStart bounds how many leading PEBs scan_fast probes for a
	// fastmap anchor before giving up with ErrNoFastmap.
	FastMaxStart uint32

	// EnableFastmap turns on the fast-attach dispatcher (§4.F). When
	// false, Attach always runs scan_all(start=0), as if ForceScan were set.
	EnableFastmap bool

	// EnableSLCTracking lets the scanner add each PEB's erase counter to a
	// separate SLC or TLC sum and mean, next to the overall statistics,
	// according to the PEB's class. Nothing in this package assigns a class
	// (the scanner's classifyClass hook is never set), so every PEB is
	// ClassDefault and the SLC/TLC sums stay zero. Min and max are not split
	// by class, and the option does not change EarlyAlloc.
	EnableSLCTracking bool

	// EnableLowPageBackup turns on the §4.I recovery pass that runs after
	// the main scan. It does not fill the Waiting queue; nothing in this
	// package adds PEBs to it.
	EnableLowPageBackup bool

	// BackupVolID names the internal backup volume the recovery pass
	// reads, when EnableLowPageBackup is set.
	BackupVolID uint32

	// IORetries bounds how many times the recovery pass retries a failed
	// write before switching the device read-only.
	IORetries uint

	// IORetryDelay is the base backoff between recovery write retries.
	IORetryDelay time.Duration

	// EnableSelfCheck runs the post-scan invariant verification (§4.H).
	EnableSelfCheck bool

	// VIDHdrOffset and DataOffset are the medium's fixed sub-page geometry,
	// stamped into every freshly written EC header (by the early allocator
	// and by low-page backup recovery when it rebuilds a PEB).
	VIDHdrOffset uint32
	DataOffset   uint32
}

// Option configures an Attach run.
type Option func(*Options)

// WithLogger sets the logger used for attach diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithForceScan disables the fast-attach dispatcher for this run.
func WithForceScan(force bool) Option {
	return func(o *Options) {
		o.ForceScan = force
	}
}

// WithFastmap enables the fast-attach dispatcher, probing up to maxStart
// leading PEBs for an anchor before falling back to a full scan.
func WithFastmap(maxStart uint32) Option {
	return func(o *Options) {
		o.EnableFastmap = true
		o.FastMaxStart = maxStart
	}
}

// WithSLCTracking sets Options.EnableSLCTracking; see there for what the
// option does and does not do.
func WithSLCTracking() Option {
	return func(o *Options) {
		o.EnableSLCTracking = true
	}
}

// WithLowPageBackup enables the low-page backup recovery pass against the
// volume backupVolID.
func WithLowPageBackup(backupVolID uint32, ioRetries uint, retryDelay time.Duration) Option {
	return func(o *Options) {
		o.EnableLowPageBackup = true
		o.BackupVolID = backupVolID
		o.IORetries = ioRetries
		o.IORetryDelay = retryDelay
	}
}

// WithSelfCheck enables or disables the post-scan invariant verification.
// It defaults to enabled.
func WithSelfCheck(enabled bool) Option {
	return func(o *Options) {
		o.EnableSelfCheck = enabled
	}
}

// WithGeometry sets the sub-page geometry stamped into freshly written EC
// headers.
func WithGeometry(vidHdrOffset, dataOffset uint32) Option {
	return func(o *Options) {
		o.VIDHdrOffset = vidHdrOffset
		o.DataOffset = dataOffset
	}
}

func applyOptions(opts ...Option) Options {
	o := Options{
		Logger:          zap.NewNop(),
		FastMaxStart:    64,
		IORetries:       3,
		IORetryDelay:    10 * time.Millisecond,
		EnableSelfCheck: true,
		VIDHdrOffset:    onflash.ECHeaderSize,
		DataOffset:      onflash.ECHeaderSize + onflash.VIDHeaderSize,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
