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

// Package spacemap implements the two-level disk space map of sections 3
// and 6: a packed 2-bit-per-block bitmap for refcounts 0..2, with an
// overflow refcount B-tree (built out of the btree package, addressed
// through a *transaction.Manager) for the rare block whose refcount
// climbs past 2 — a cloned device's heavily shared metadata blocks, say.
package spacemap

import (
	"github.com/akiradeveloper/dmpdata/blockcache"
)

// bitmapMagic tags a bitmap block's header, distinguishing it from a
// B-tree node block under the same NodeValidator self-address scheme.
const bitmapMagic uint32 = 160775

// bitmapHeaderSize reserves the leading bytes of a bitmap block for the
// validator's checksum+magic+blocknr header (section 4.1); the packed
// 2-bit slots start immediately after.
const bitmapHeaderSize = 16

func bitmapValidator() blockcache.Validator {
	return blockcache.NodeValidator{Magic: bitmapMagic, MagicOffset: 4, BlocknrOffset: 8}
}

// slotsPerBlock returns how many 2-bit refcount slots fit in one bitmap
// block of the given size.
func slotsPerBlock(blockSize int) int {
	return (blockSize - bitmapHeaderSize) * 4
}

func getSlot(buf []byte, idx int) uint8 {
	byteIdx := bitmapHeaderSize + idx/4
	shift := uint(idx%4) * 2
	return (buf[byteIdx] >> shift) & 0x3
}

func setSlot(buf []byte, idx int, v uint8) {
	byteIdx := bitmapHeaderSize + idx/4
	shift := uint(idx%4) * 2
	buf[byteIdx] = (buf[byteIdx] &^ (0x3 << shift)) | ((v & 0x3) << shift)
}
