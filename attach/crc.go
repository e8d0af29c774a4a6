// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import "hash/crc32"

// crc32Of is the CRC-32 (IEEE) used for every data-area integrity check,
// matching the checksum the on-flash headers themselves use.
func crc32Of(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}
