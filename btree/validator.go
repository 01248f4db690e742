// Copyright 2024 The dmpdata Authors
// This file is part of the dmpdata library.
//
// The dmpdata library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dmpdata library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dmpdata library. If not, see <http://www.gnu.org/licenses/>.

package btree

import "github.com/akiradeveloper/dmpdata/blockcache"

// NodeValidator returns the blockcache.Validator every *transaction.Manager
// backing a Tree or MultiTree must be configured with: its offsets match
// this package's own node header layout exactly (section 6), so the
// checksum and self-address the cache stamps on write line up with what
// isLeaf/nrEntries/maxEntries expect to find on read.
func NodeValidator() blockcache.Validator {
	return blockcache.NodeValidator{
		Magic:         NodeMagic,
		MagicOffset:   offMagic,
		BlocknrOffset: offBlocknr,
	}
}
