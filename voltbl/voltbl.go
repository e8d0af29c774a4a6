// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package voltbl names the contract of the volume-table reader that
// consumes an attach snapshot. Its implementation -- parsing the layout
// volume's two LEBs into per-volume metadata records -- lives outside the
// attach/scan core; only the interface is specified here.
package voltbl

import "github.com/nandcore/ubiattach/attach"

// Reader parses the designated internal layout volume out of a completed
// attach snapshot.
type Reader interface {
	// Read locates the layout volume in snap and returns the volume
	// table it describes. It returns an error if the layout volume is
	// missing or its two copies disagree after reconciliation.
	Read(snap *attach.Snapshot) (Table, error)
}

// Table is the parsed volume table: one entry per user or internal volume
// the layout volume records, independent of whether that volume's data was
// actually present during this attach.
type Table []Entry

// Entry is one volume table record.
type Entry struct {
	VolID    uint32
	Name     string
	Reserved uint32
}
