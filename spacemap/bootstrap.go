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

package spacemap

import (
	"sync"

	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
)

// Bootstrap is the degenerate space map described in section 9: it hands
// out blocks sequentially from a fixed range and refuses every refcount
// operation. It exists only to back the *transaction.Manager used to lay
// out a Disk space map's own bitmap and overflow-tree blocks — a real
// space map can't allocate the very blocks it will manage using itself,
// so construction proceeds in two phases: build with a Bootstrap, then
// call (*transaction.Manager).SwapSpaceMap once the real Disk exists.
type Bootstrap struct {
	mu   sync.Mutex
	next common.Block
	end  common.Block
}

// NewBootstrap hands out blocks from [begin, end).
func NewBootstrap(begin, end common.Block) *Bootstrap {
	return &Bootstrap{next: begin, end: end}
}

func (b *Bootstrap) NewBlock() (common.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next >= b.end {
		return 0, dmerr.ErrNoSpace
	}
	blk := b.next
	b.next++
	return blk, nil
}

// GetCount always reports 1: every block a Bootstrap ever hands out is
// assumed singly-owned for the duration of the layout phase it serves.
func (b *Bootstrap) GetCount(common.Block) (uint32, error) { return 1, nil }

// Inc and Dec are refused with dmerr.ErrInvalidArgument; nothing built
// during bootstrap is ever shared or freed before the real space map takes
// over.
func (b *Bootstrap) Inc(common.Block) error         { return dmerr.ErrInvalidArgument }
func (b *Bootstrap) Dec(common.Block) (bool, error) { return false, dmerr.ErrInvalidArgument }

func (b *Bootstrap) Commit() error { return nil }

// NextFree reports the first not-yet-handed-out block, the starting
// point the real Disk space map should treat as already-allocated.
func (b *Bootstrap) NextFree() common.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}
