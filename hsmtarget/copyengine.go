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
	"github.com/akiradeveloper/dmpdata/internal/log"
)

// getOrCreateCacheBlock returns the resident tracking object for cblock,
// creating it the first time this worker sees the pool block.
func (t *Target) getOrCreateCacheBlock(cblock common.DataBlock, oblock common.LogicalBlock) *cacheBlock {
	t.blocksMu.Lock()
	defer t.blocksMu.Unlock()
	cb, ok := t.blocks[cblock]
	if !ok {
		cb = &cacheBlock{cblock: cblock, oblock: oblock}
		t.blocks[cblock] = cb
	}
	return cb
}

func (t *Target) dropCacheBlock(cblock common.DataBlock) {
	t.blocksMu.Lock()
	defer t.blocksMu.Unlock()
	delete(t.blocks, cblock)
}

// ensureCopyIn submits an async copy-in job (slow device -> pool block)
// for cb if one isn't already running, issued through the ants worker
// pool rather than a goroutine-per-copy so migration concurrency stays
// bounded under a burst of cold references.
func (t *Target) ensureCopyIn(cb *cacheBlock) {
	t.blocksMu.Lock()
	already := cb.copyInFlight
	cb.copyInFlight = true
	t.blocksMu.Unlock()
	if already {
		return
	}

	oblock, cblock := cb.oblock, cb.cblock
	err := t.pool.Submit(func() {
		buf := make([]byte, t.cfg.BlockSize)
		readErr := t.cfg.CachedDev.ReadBlock(common.Block(oblock), buf)
		if readErr == nil {
			readErr = t.cfg.DataDev.WriteBlock(common.Block(cblock), buf)
		}
		t.postEndio(endioEvent{cb: cb, kind: endioCopyIn, err: readErr})
	})
	if err != nil {
		t.postEndio(endioEvent{cb: cb, kind: endioCopyIn, err: err})
	}
}

// submitCopyOut issues the writeback copy (pool block -> slow device)
// for a dirty cb, used by the writeback scheduler.
func (t *Target) submitCopyOut(cb *cacheBlock) {
	oblock, cblock := cb.oblock, cb.cblock
	err := t.pool.Submit(func() {
		buf := make([]byte, t.cfg.BlockSize)
		readErr := t.cfg.DataDev.ReadBlock(common.Block(cblock), buf)
		if readErr == nil {
			readErr = t.cfg.CachedDev.WriteBlock(common.Block(oblock), buf)
		}
		t.postEndio(endioEvent{cb: cb, kind: endioCopyOut, err: readErr})
	})
	if err != nil {
		t.postEndio(endioEvent{cb: cb, kind: endioCopyOut, err: err})
	}
}

func (t *Target) postEndio(e endioEvent) {
	t.endioMu.Lock()
	t.endio = append(t.endio, e)
	t.endioMu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// drainEndio runs on the worker goroutine: it's the sole place copy
// completions are turned into metadata updates and released bios, so
// concurrent copy completions never race each other's commits.
func (t *Target) drainEndio() {
	t.endioMu.Lock()
	batch := t.endio
	t.endio = nil
	t.endioMu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, e := range batch {
		switch e.kind {
		case endioCopyIn:
			t.finishCopyIn(e)
		case endioCopyOut:
			t.finishCopyOut(e)
		}
	}

	if err := t.cfg.Meta.Commit(); err != nil {
		log.Warn("commit after copy completion failed", "err", err)
	}
	t.refreshStats()
	t.releaseNoSpace()
}

func (t *Target) finishCopyIn(e endioEvent) {
	cb := e.cb
	t.blocksMu.Lock()
	cb.copyInFlight = false
	pending := cb.pending
	cb.pending = nil
	if e.err == nil {
		cb.uptodate = true
	}
	t.blocksMu.Unlock()

	if e.err != nil {
		for _, b := range pending {
			cb.refs--
			b.complete(e.err)
		}
		return
	}

	if err := t.cfg.Meta.Update(t.cfg.Device, cb.oblock, flagUptodate); err != nil {
		log.Warn("failed to persist uptodate flag", "err", err)
	}
	for _, b := range pending {
		t.completeAgainstPool(b, cb)
		cb.refs--
	}
}

func (t *Target) finishCopyOut(e endioEvent) {
	cb := e.cb
	t.blocksMu.Lock()
	cb.copyInFlight = false
	if e.err == nil {
		if cb.forceDirty {
			cb.forceDirty = false
			cb.dirtySince = time.Now()
		} else {
			cb.dirty = false
		}
	}
	t.blocksMu.Unlock()

	if e.err != nil {
		log.Warn("writeback copy failed, will retry on next scan", "oblock", cb.oblock, "err", e.err)
		return
	}
	flags := uint8(flagUptodate)
	if cb.dirty {
		flags |= flagDirty
	}
	if cb.forceDirty {
		flags |= flagForceDirty
	}
	if err := t.cfg.Meta.Update(t.cfg.Device, cb.oblock, flags); err != nil {
		log.Warn("failed to persist post-writeback flags", "err", err)
	}
}
