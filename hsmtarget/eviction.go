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
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
	"github.com/akiradeveloper/dmpdata/internal/log"
)

// drainNoSpace retries every bio parked on the no-space queue. Section
// 9 flags the original random-victim pass as potentially failing to find
// an idle block even when some exist; this implementation instead scans
// pool blocks round-robin from a resume cursor, a deterministic sweep
// that's guaranteed to visit every block within one full cycle.
func (t *Target) drainNoSpace() {
	t.noSpaceMu.Lock()
	if len(t.noSpace) == 0 {
		t.noSpaceMu.Unlock()
		return
	}
	batch := t.noSpace
	t.noSpace = nil
	t.noSpaceMu.Unlock()

	if !t.evictOne() {
		// Nothing evictable right now; put the batch back for the next
		// pass rather than failing it outright.
		t.noSpaceMu.Lock()
		t.noSpace = append(batch, t.noSpace...)
		t.noSpaceMu.Unlock()
		return
	}

	for _, b := range batch {
		t.handleBio(b)
	}
}

func (t *Target) releaseNoSpace() {
	t.noSpaceMu.Lock()
	if len(t.noSpace) == 0 {
		t.noSpaceMu.Unlock()
		return
	}
	batch := t.noSpace
	t.noSpace = nil
	t.noSpaceMu.Unlock()

	for _, b := range batch {
		t.handleBio(b)
	}
}

func (t *Target) parkNoSpace(b *Bio) {
	t.noSpaceMu.Lock()
	t.noSpace = append(t.noSpace, b)
	t.noSpaceMu.Unlock()
}

// evictOne sweeps pool blocks starting at the resume cursor, looking for
// one that is idle (refcount zero, no pending I/O, no in-flight copy):
// the one it finds is unmapped so the cache policy can hand the slot to
// a new oblock. It returns false if a full cycle finds nothing evictable.
func (t *Target) evictOne() bool {
	total := t.cfg.Meta.GetDataDevSize()
	if total == 0 {
		return false
	}

	start := t.cursor
	for i := uint64(0); i < total; i++ {
		cblock := common.DataBlock((uint64(start) + i) % total)
		t.cursor = common.DataBlock((uint64(cblock) + 1) % total)

		t.blocksMu.Lock()
		cb, ok := t.blocks[cblock]
		t.blocksMu.Unlock()
		if ok && !cb.idle() {
			continue
		}
		if ok && cb.dirty {
			// Idle but still dirty: not safe to evict until flushed.
			continue
		}

		oblock, err := t.cfg.Meta.LookupReverse(t.cfg.Device, cblock, true)
		if err == dmerr.ErrNotFound {
			continue
		}
		if err != nil {
			log.Warn("reverse lookup failed during eviction sweep", "cblock", cblock, "err", err)
			continue
		}

		t.cfg.Policy.RemoveMapping(oblock)
		if err := t.cfg.Meta.Remove(t.cfg.Device, oblock); err != nil {
			log.Warn("failed to remove evicted mapping", "oblock", oblock, "err", err)
			continue
		}
		if err := t.cfg.Meta.Commit(); err != nil {
			log.Warn("commit after eviction failed", "err", err)
		}
		t.dropCacheBlock(cblock)
		return true
	}
	return false
}
