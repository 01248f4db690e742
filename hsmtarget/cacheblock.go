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

package hsmtarget

import (
	"time"

	"github.com/akiradeveloper/dmpdata/common"
)

// cacheBlock is the in-memory object tracking one resident pool block:
// its flags, pending I/O, and refcount, mirroring the per-cache-block
// state machine of section 4.7. Forward/reverse persistence of
// (oblock, pblock, flags) lives in hsmmeta; this struct is the worker's
// scratch bookkeeping for deciding what to do next.
type cacheBlock struct {
	cblock common.DataBlock
	oblock common.LogicalBlock

	uptodate bool
	dirty    bool
	// forceDirty survives a flush already in flight: the block was
	// re-dirtied before the in-progress writeback completed, so clearing
	// Dirty on completion must not lose the new write.
	forceDirty bool
	noSpace    bool

	copyInFlight bool
	refs         int
	pending      []*Bio

	dirtySince time.Time
}

func (c *cacheBlock) idle() bool {
	return c.refs == 0 && !c.copyInFlight && len(c.pending) == 0
}
