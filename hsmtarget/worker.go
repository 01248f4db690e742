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
	"github.com/akiradeveloper/dmpdata/policy"
)

// run is the target's single background worker (section 5): everything
// that decides cache placement, issues copies and commits metadata
// happens here, so those decisions never need their own lock.
func (t *Target) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
		case <-ticker.C:
		}

		if t.bounce.Load() {
			t.requeueIngress()
			continue
		}

		t.drainEndio()
		t.drainNoSpace()
		t.drainIngress()
		t.scanWriteback()
		t.cfg.Policy.Tick()
	}
}

// requeueIngress is what the worker does during bounce mode: nothing.
// Queued bios are neither failed nor dropped; they stay in the ingress
// queue until bounce mode ends, matching "requeues bios instead of
// processing them".
func (t *Target) requeueIngress() {
	// Bios already sit in t.ingress; simply not draining them is the
	// requeue. Nothing to do but avoid a busy spin.
}

func (t *Target) drainIngress() {
	t.ingressMu.Lock()
	batch := t.ingress
	t.ingress = nil
	t.ingressMu.Unlock()

	for _, b := range batch {
		t.handleBio(b)
	}
}

func (t *Target) handleBio(b *Bio) {
	oblock := t.blockOf(b.Sector)

	if b.Discard {
		t.handleDiscard(oblock, b)
		return
	}

	hint := policy.BioHint{Write: b.Write}
	canMigrate := !t.bounce.Load()
	res, err := t.cfg.Policy.Map(oblock, canMigrate, false, hint)
	if err != nil {
		b.complete(err)
		return
	}

	switch res.Decision {
	case policy.Hit:
		t.serveResident(b, oblock, res.CBlock)
	case policy.Miss:
		if res.NoSpace {
			t.parkNoSpace(b)
			return
		}
		t.servePassthrough(b, oblock)
	case policy.New, policy.Replace:
		t.serveMigrate(b, oblock, res)
	}
}

func (t *Target) handleDiscard(oblock common.LogicalBlock, b *Bio) {
	t.cfg.Policy.RemoveMapping(oblock)
	if err := t.cfg.Meta.Remove(t.cfg.Device, oblock); err != nil {
		// Nothing was resident; a discard of an already-absent block is
		// a no-op, not an error.
	}
	b.complete(nil)
}

// serveResident serves a bio against a cache block already marked
// resident by the policy. If the underlying cacheBlock object hasn't
// been materialised yet (e.g. right after LoadMapping at startup), or
// isn't uptodate yet, the bio is queued behind the in-flight copy-in
// instead of served immediately.
func (t *Target) serveResident(b *Bio, oblock common.LogicalBlock, cblock common.DataBlock) {
	cb := t.getOrCreateCacheBlock(cblock, oblock)
	cb.refs++

	if !cb.uptodate {
		cb.pending = append(cb.pending, b)
		t.ensureCopyIn(cb)
		return
	}
	t.completeAgainstPool(b, cb)
	cb.refs--
}

// servePassthrough bypasses the cache entirely: the policy declined to
// migrate this reference in, so the bio is served straight against the
// slow device. Every bio is modeled as covering exactly one whole cache
// block (this package's simplified Bio stands in for a real scatter-
// gather bio, which could span or sub-divide a block); a production
// bio-splitting layer is out of scope here.
func (t *Target) servePassthrough(b *Bio, oblock common.LogicalBlock) {
	buf := make([]byte, t.cfg.BlockSize)
	blk := common.Block(oblock)
	if b.Write {
		copy(buf, b.Data)
		if err := t.cfg.CachedDev.WriteBlock(blk, buf); err != nil {
			b.complete(err)
			return
		}
		b.complete(nil)
		return
	}
	if err := t.cfg.CachedDev.ReadBlock(blk, buf); err != nil {
		b.complete(err)
		return
	}
	copy(b.Data, buf)
	b.complete(nil)
}

// serveMigrate handles a New/Replace decision: a pool block is claimed
// (evicting its previous owner first on Replace), persisted via
// hsmmeta.Remap, and the bio is attached to the resulting cacheBlock the
// same way a Hit would be, except the block always starts !uptodate
// unless the write fully covers it.
func (t *Target) serveMigrate(b *Bio, oblock common.LogicalBlock, res policy.Result) {
	if res.Decision == policy.Replace {
		if err := t.cfg.Meta.Remove(t.cfg.Device, res.OldOblock); err != nil {
			log.Debug("evicted mapping had no metadata entry", "oblock", res.OldOblock, "err", err)
		}
		t.dropCacheBlock(res.CBlock)
	}

	flags := uint8(0)
	fullWrite := b.Write && uint64(b.Length) >= uint64(t.cfg.BlockSize)
	if fullWrite {
		flags = flagUptodate | flagDirty
	}
	if err := t.cfg.Meta.Remap(t.cfg.Device, oblock, res.CBlock, flags); err != nil {
		b.complete(err)
		return
	}

	cb := t.getOrCreateCacheBlock(res.CBlock, oblock)
	cb.refs++

	if fullWrite {
		cb.uptodate = true
		cb.markDirty()
		buf := make([]byte, t.cfg.BlockSize)
		copy(buf, b.Data)
		err := t.cfg.DataDev.WriteBlock(common.Block(res.CBlock), buf)
		cb.refs--
		if err != nil {
			b.complete(err)
			return
		}
		b.complete(nil)
		t.scheduleWriteback(cb)
		return
	}

	cb.pending = append(cb.pending, b)
	t.ensureCopyIn(cb)
}

func (t *Target) completeAgainstPool(b *Bio, cb *cacheBlock) {
	buf := make([]byte, t.cfg.BlockSize)
	if b.Write {
		copy(buf, b.Data)
		if err := t.cfg.DataDev.WriteBlock(common.Block(cb.cblock), buf); err != nil {
			b.complete(err)
			return
		}
		cb.markDirty()
		if err := t.cfg.Meta.Update(t.cfg.Device, cb.oblock, flagUptodate|flagDirty); err != nil {
			log.Warn("failed to persist dirty flag", "err", err)
		}
		b.complete(nil)
		t.scheduleWriteback(cb)
		return
	}

	if err := t.cfg.DataDev.ReadBlock(common.Block(cb.cblock), buf); err != nil {
		b.complete(err)
		return
	}
	copy(b.Data, buf)
	b.complete(nil)
	if b.Flush || b.FUA {
		if err := t.cfg.Meta.Commit(); err != nil {
			log.Warn("flush-forced commit failed", "err", err)
		}
	}
}

const (
	flagUptodate uint8 = 1 << 0
	flagDirty    uint8 = 1 << 1
	flagForceDirty uint8 = 1 << 2
)

func (cb *cacheBlock) markDirty() {
	if cb.dirty {
		cb.forceDirty = true
		return
	}
	cb.dirty = true
	cb.dirtySince = time.Now()
}
