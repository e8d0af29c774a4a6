// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package onflash decodes and validates the two on-flash headers every
// physical eraseblock carries: the erase-counter header and the
// volume-identifier header.
package onflash
