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

package policy

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/akiradeveloper/dmpdata/common"
)

// entry is what the LRU tracks per resident cache block.
type entry struct {
	oblock common.LogicalBlock
	dirty  bool
	inFlight bool
}

// LRU is the default Policy implementation (section 4.6): plain
// least-recently-used replacement over the full set of cache blocks. There
// is no separate hot-set of candidates: a single migratable reference to an
// uncached oblock takes a free slot or evicts the oldest evictable block
// straight away. It's deliberately the
// simplest policy that satisfies the interface, the same role
// hashicorp/golang-lru plays for caches throughout the ecosystem — the
// sequential-IO detector (seqio.go) and any smarter multi-queue policy
// are expected to be built alongside it, not instead of it.
type LRU struct {
	mu sync.Mutex

	resident *lru.Cache[common.DataBlock, *entry]
	byOblock map[common.LogicalBlock]common.DataBlock

	free []common.DataBlock

	seq *SeqDetector
}

// NewLRU builds an LRU policy managing nrCacheBlocks resident slots,
// numbered [0, nrCacheBlocks).
func NewLRU(nrCacheBlocks int) (*LRU, error) {
	p := &LRU{
		byOblock: make(map[common.LogicalBlock]common.DataBlock, nrCacheBlocks),
		seq:      NewSeqDetector(),
	}
	c, err := lru.NewWithEvict[common.DataBlock, *entry](nrCacheBlocks, func(common.DataBlock, *entry) {})
	if err != nil {
		return nil, err
	}
	p.resident = c
	p.free = make([]common.DataBlock, nrCacheBlocks)
	for i := range p.free {
		p.free[i] = common.DataBlock(nrCacheBlocks - 1 - i)
	}
	return p, nil
}

func (p *LRU) allocFree() (common.DataBlock, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	n := len(p.free) - 1
	cb := p.free[n]
	p.free = p.free[:n]
	return cb, true
}

// Map implements Policy. While the detector classifies the stream as
// sequential, references to uncached blocks (reads and writes alike, unless
// discarded) bypass caching entirely (Miss) per the teacher's usual "don't pollute the cache with a
// streaming workload" rule, applied here to the HSM fast tier instead of
// an in-process object cache.
func (p *LRU) Map(oblock common.LogicalBlock, canMigrate, discarded bool, hint BioHint) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq.Observe(oblock, hint)

	if cb, ok := p.byOblock[oblock]; ok {
		p.resident.Get(cb) // bump recency
		return Result{Decision: Hit, CBlock: cb}, nil
	}

	if !canMigrate {
		return Result{Decision: Miss}, nil
	}
	if p.seq.IsSequential(oblock) && !discarded {
		return Result{Decision: Miss}, nil
	}

	if cb, ok := p.allocFree(); ok {
		p.byOblock[oblock] = cb
		p.resident.Add(cb, &entry{oblock: oblock})
		return Result{Decision: New, CBlock: cb}, nil
	}

	cb, ok := p.findEvictable()
	if !ok {
		return Result{Decision: Miss, NoSpace: true}, nil
	}
	e, _ := p.resident.Peek(cb)
	delete(p.byOblock, e.oblock)
	old := e.oblock
	p.resident.Remove(cb)
	p.byOblock[oblock] = cb
	p.resident.Add(cb, &entry{oblock: oblock})
	return Result{Decision: Replace, CBlock: cb, OldOblock: old}, nil
}

// findEvictable returns the oldest resident block that is not currently
// in flight for writeback, scanning past any in-flight entries rather
// than reporting NoSpace just because the single globally-oldest one
// happens to be mid-flush — the same oldest-first scan WritebackWork uses
// to pick dirty candidates.
func (p *LRU) findEvictable() (common.DataBlock, bool) {
	for _, cb := range p.resident.Keys() {
		e, ok := p.resident.Peek(cb)
		if !ok || e.inFlight {
			continue
		}
		return cb, true
	}
	return 0, false
}

func (p *LRU) LoadMapping(oblock common.LogicalBlock, cblock common.DataBlock, hint BioHint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byOblock[oblock] = cblock
	p.resident.Add(cblock, &entry{oblock: oblock})
	for i, f := range p.free {
		if f == cblock {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	return nil
}

func (p *LRU) RemoveMapping(oblock common.LogicalBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.byOblock[oblock]
	if !ok {
		return
	}
	delete(p.byOblock, oblock)
	p.resident.Remove(cb)
	p.free = append(p.free, cb)
}

func (p *LRU) ForceMapping(oblock common.LogicalBlock, cblock common.DataBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.resident.Peek(cblock); ok {
		delete(p.byOblock, e.oblock)
	} else {
		for i, f := range p.free {
			if f == cblock {
				p.free = append(p.free[:i], p.free[i+1:]...)
				break
			}
		}
	}
	p.byOblock[oblock] = cblock
	p.resident.Add(cblock, &entry{oblock: oblock})
	return nil
}

func (p *LRU) Residency(oblock common.LogicalBlock) (common.DataBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.byOblock[oblock]
	return cb, ok
}

func (p *LRU) Tick() {
	p.seq.Tick()
}

func (p *LRU) SetDirty(cblock common.DataBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.resident.Peek(cblock); ok {
		e.dirty = true
	}
}

func (p *LRU) ClearDirty(cblock common.DataBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.resident.Peek(cblock); ok {
		e.dirty = false
		e.inFlight = false
	}
}

// WritebackWork returns up to n dirty, not-already-in-flight mappings,
// oldest-accessed first, and marks them in-flight so a second concurrent
// writeback pass doesn't pick the same block.
func (p *LRU) WritebackWork(n int) []WritebackEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var work []WritebackEntry
	for _, cb := range p.resident.Keys() {
		if len(work) >= n {
			break
		}
		e, ok := p.resident.Peek(cb)
		if !ok || !e.dirty || e.inFlight {
			continue
		}
		e.inFlight = true
		work = append(work, WritebackEntry{CBlock: cb, OBlock: e.oblock})
	}
	return work
}
