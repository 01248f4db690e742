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

import "time"

// scheduleWriteback is a no-op hook called right after a block is
// dirtied; the actual decision to launch a copy happens in scanWriteback
// on the next worker tick, driven by each block's deadline rather than
// fired eagerly here — a burst of writes to the same block should only
// cost one writeback copy, not one per write.
func (t *Target) scheduleWriteback(cb *cacheBlock) {}

// scanWriteback walks the resident set for dirty blocks whose deadline
// (≈ 3·tick, section 4.7) has elapsed and launches a copy-out for each,
// paced by the rate limiter and held back while MigrationParallelism
// copies are already in flight, so a large dirty working set doesn't
// starve foreground copy-in traffic through the same pool.
func (t *Target) scanWriteback() {
	deadline := t.cfg.WritebackDeadline
	now := time.Now()

	t.blocksMu.Lock()
	var due []*cacheBlock
	inFlight := 0
	for _, cb := range t.blocks {
		if cb.copyInFlight {
			inFlight++
		}
		if cb.dirty && !cb.copyInFlight && now.Sub(cb.dirtySince) >= deadline {
			due = append(due, cb)
		}
	}
	t.blocksMu.Unlock()

	for _, cb := range due {
		if inFlight >= t.cfg.MigrationParallelism || !t.limiter.Allow() {
			break
		}
		t.blocksMu.Lock()
		cb.copyInFlight = true
		t.blocksMu.Unlock()
		t.submitCopyOut(cb)
		inFlight++
	}
}

// flushAllDirty blocks until every currently-dirty block has been copied
// back and cleared, used by Postsuspend. Unlike scanWriteback it ignores
// the deadline and the rate limiter: suspend must make forward progress
// even under a workload that would otherwise never meet the rate cap.
func (t *Target) flushAllDirty() error {
	for {
		t.blocksMu.Lock()
		var due []*cacheBlock
		for _, cb := range t.blocks {
			if cb.dirty && !cb.copyInFlight {
				due = append(due, cb)
			}
		}
		t.blocksMu.Unlock()
		if len(due) == 0 {
			return nil
		}

		for _, cb := range due {
			t.blocksMu.Lock()
			cb.copyInFlight = true
			t.blocksMu.Unlock()
			t.submitCopyOut(cb)
		}
		time.Sleep(10 * time.Millisecond)
		t.drainEndio()
	}
}

func (t *Target) allIdle() bool {
	t.blocksMu.Lock()
	defer t.blocksMu.Unlock()
	for _, cb := range t.blocks {
		if !cb.idle() {
			return false
		}
	}
	return true
}
