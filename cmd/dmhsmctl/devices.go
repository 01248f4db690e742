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

package main

import (
	"fmt"
	"os"

	"github.com/akiradeveloper/dmpdata/blockcache"
)

// openSized opens path as a fixed block-size device, creating it (and
// growing it to nrBlocks*blockSize) when create is true. When nrBlocks is
// zero and create is false, the size is derived from the file's current
// length instead, so "status"/"check" don't need the caller to repeat a
// size they already committed at create time.
func openSized(path string, blockSize int, nrBlocks uint64, create bool) (blockcache.BlockDevice, error) {
	if !create && nrBlocks == 0 {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		nrBlocks = uint64(fi.Size()) / uint64(blockSize)
	}
	return blockcache.OpenFile(path, blockSize, nrBlocks, create)
}
