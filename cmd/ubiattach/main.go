// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"errors"
	"flag"
	"log"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nandcore/ubiattach/attach"
	"github.com/nandcore/ubiattach/device/rawfile"
)

func main() {
	pebSize := flag.Uint("peb-size", 128*1024, "physical eraseblock size in bytes")
	forceScan := flag.Bool("force-scan", false, "skip the fast-attach dispatcher and always run a full scan")
	slcTracking := flag.Bool("slc-tracking", false, "set attach.WithSLCTracking (no PEB class source is wired, so all PEBs count as default class)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatalf("failed to build logger: %s", err)
	}

	defer logger.Sync() //nolint:errcheck

	for _, path := range flag.Args() {
		if err := attachOne(logger, path, uint32(*pebSize), *forceScan, *slcTracking); err != nil {
			logger.Error("attach failed", zap.String("device", path), zap.Error(err))
		}
	}
}

func attachOne(logger *zap.Logger, path string, pebSize uint32, forceScan, slcTracking bool) error {
	medium, err := rawfile.Open(path, pebSize)
	if err != nil {
		return err
	}
	defer medium.Close() //nolint:errcheck

	unlock, err := flockExclusive(path)
	if err != nil {
		return err
	}
	defer unlock() //nolint:errcheck

	opts := []attach.Option{
		attach.WithLogger(logger),
		attach.WithForceScan(forceScan),
	}

	if slcTracking {
		opts = append(opts, attach.WithSLCTracking())
	}

	snap, err := attach.Attach(medium, nil, opts...)
	if err != nil {
		return err
	}

	logger.Info("attach complete",
		zap.String("device", path),
		zap.Int("volumes", len(snap.VolumeIDs())),
		zap.Int("free_pebs", len(snap.Free)),
		zap.Int("erase_pebs", len(snap.Erase)),
		zap.Int("corrupt_pebs", len(snap.Corrupt)),
		zap.Bool("is_empty", snap.IsEmpty),
		zap.Uint64("max_sqnum", snap.MaxSQNum),
		zap.Uint64("mean_ec", snap.MeanEC),
		zap.Bool("read_only", snap.ReadOnly),
	)

	if snap.ReadOnly {
		logger.Warn("medium switched read-only during recovery, refusing further writes",
			zap.String("device", path))

		return errors.New("ubiattach: medium is read-only after a persistent write failure")
	}

	return nil
}

// flockExclusive guards against a second attach running concurrently
// against the same device file, the same role wholeDisk.TryLock plays
// around a probe.
func flockExclusive(path string) (unlock func() error, err error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd) //nolint:errcheck

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.New("ubiattach: device is locked by another attach")
		}

		return nil, err
	}

	return func() error {
		defer unix.Close(fd) //nolint:errcheck

		return unix.Flock(fd, unix.LOCK_UN)
	}, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}

	return cfg.Build()
}
