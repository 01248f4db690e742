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
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/log"
)

// Target is the HSM target of section 4.7. One Target binds one origin
// device to a bounded pool of fast-device blocks through a policy and a
// metadata store; all decisions are serialized onto a single background
// worker goroutine, matching the concurrency model of section 5.
type Target struct {
	cfg        *Config
	blockShift uint // sectors per cache block = 1 << blockShift

	ingressMu sync.Mutex
	ingress   []*Bio

	endioMu sync.Mutex
	endio   []endioEvent

	noSpaceMu sync.Mutex
	noSpace   []*Bio

	blocksMu sync.Mutex
	blocks   map[common.DataBlock]*cacheBlock
	cursor   common.DataBlock

	pool    *ants.Pool
	limiter *rate.Limiter

	bounce atomic.Bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	stats stats
}

type stats struct {
	mu        sync.Mutex
	allocated uint64
	dirty     uint64
	free      uint64
}

type endioEvent struct {
	cb      *cacheBlock
	kind    endioKind
	newData bool // for copy-in: whether the freshly-read-in block must also carry a pending write
	err     error
}

type endioKind int

const (
	endioCopyIn endioKind = iota
	endioCopyOut
)

// Ctr constructs a Target from cfg, the pipeline's ctr operation.
func Ctr(cfg *Config) (*Target, error) {
	cc, err := cfg.sanitize()
	if err != nil {
		return nil, err
	}
	sectorsPerBlock := cc.BlockSize / 512
	if sectorsPerBlock == 0 || sectorsPerBlock&(sectorsPerBlock-1) != 0 {
		return nil, fmt.Errorf("hsmtarget: block size %d is not sector-aligned to a power of two", cc.BlockSize)
	}

	pool, err := ants.NewPool(cc.CopyWorkers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("hsmtarget: copy engine pool: %w", err)
	}

	t := &Target{
		cfg:        cc,
		blockShift: uint(bits.TrailingZeros(uint(sectorsPerBlock))),
		blocks:     make(map[common.DataBlock]*cacheBlock),
		pool:       pool,
		limiter:    rate.NewLimiter(rate.Limit(cc.WritebackRate), cc.MigrationParallelism),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	t.refreshStats()

	t.wg.Add(1)
	go t.run()
	log.Info("hsm target started", "block_size", cc.BlockSize, "data_blocks", cc.Meta.GetDataDevSize())
	return t, nil
}

// Dtr tears the target down: the pipeline's dtr operation.
func (t *Target) Dtr() {
	close(t.stop)
	t.wg.Wait()
	t.pool.Release()
}

func (t *Target) blockOf(sector uint64) common.LogicalBlock {
	return common.LogicalBlock(sector >> t.blockShift)
}

func (t *Target) sectorsPerBlock() uint64 {
	return uint64(1) << t.blockShift
}

// Map is the pipeline's map operation (section 4.7 step 1): it validates
// the bio, strips read-ahead and undersized discards, and hands anything
// real to the ingress queue before waking the worker.
func (t *Target) Map(b *Bio) Submitted {
	if b.ReadAhead {
		b.complete(nil)
		return Submitted{}
	}
	if b.Discard && uint64(b.Length) < uint64(t.cfg.BlockSize) {
		b.complete(fmt.Errorf("hsmtarget: discard of %d bytes is smaller than the block size", b.Length))
		return Submitted{}
	}

	t.ingressMu.Lock()
	t.ingress = append(t.ingress, b)
	t.ingressMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return Submitted{}
}

// EndIO is a completion hook for I/O issued directly against a backing
// device outside the async copy engine; the target's own paths, the
// pass-through path for a policy Miss included, complete their bios
// themselves and do not call it. It exists as its own pipeline
// operation so a caller driving real block devices asynchronously has a
// place to report completion without going through the copy-engine's
// internal endio queue.
func (t *Target) EndIO(b *Bio, err error) {
	b.complete(err)
}

// Presuspend enters bounce mode: from this point the worker leaves
// incoming bios queued instead of acting on them. It cancels nothing:
// copies already handed to the copy engine run to completion.
func (t *Target) Presuspend() {
	t.bounce.Store(true)
}

// Postsuspend flushes every dirty block, commits, and waits for every
// cache-block object to go idle, per section 4.7's suspend description.
func (t *Target) Postsuspend() {
	for {
		if err := t.flushAllDirty(); err != nil {
			log.Warn("postsuspend flush failed, retrying", "err", err)
		}
		if err := t.cfg.Meta.Commit(); err != nil {
			log.Warn("postsuspend commit failed, retrying", "err", err)
		}
		if t.allIdle() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Info("hsm target suspended")
}

// Preresume runs the crash-recovery scan of section 4.7: every pool
// block whose persisted flags still carry Dirty is requeued for flush,
// since there is no separate write-ahead log to consult.
func (t *Target) Preresume() error {
	if err := t.recoverDirtyBlocks(); err != nil {
		return err
	}
	t.bounce.Store(false)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Status reports cached counters refreshed on commit rather than a full
// metadata walk (SUPPLEMENTed from dm-hsm.c's status line behaviour).
type Status struct {
	AllocatedBlocks uint64
	DirtyBlocks     uint64
	FreeBlocks      uint64
	TotalBlocks     uint64
	BounceMode      bool
}

func (t *Target) Status() Status {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	return Status{
		AllocatedBlocks: t.stats.allocated,
		DirtyBlocks:     t.stats.dirty,
		FreeBlocks:      t.stats.free,
		TotalBlocks:     t.cfg.Meta.GetDataDevSize(),
		BounceMode:      t.bounce.Load(),
	}
}

func (t *Target) refreshStats() {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	total := t.cfg.Meta.GetDataDevSize()
	t.stats.allocated = t.cfg.Meta.GetProvisionedBlocks()
	if total > t.stats.allocated {
		t.stats.free = total - t.stats.allocated
	} else {
		t.stats.free = 0
	}

	var dirty uint64
	t.blocksMu.Lock()
	for _, cb := range t.blocks {
		if cb.dirty {
			dirty++
		}
	}
	t.blocksMu.Unlock()
	t.stats.dirty = dirty
}

// IterateDevices reports the backing devices this target reads and
// writes, the pipeline's iterate_devices operation (used by a caller
// building a composite topology over several targets).
func (t *Target) IterateDevices(fn func(dev blockcache.BlockDevice, start, length uint64)) {
	fn(t.cfg.CachedDev, 0, t.cfg.CachedDev.NrBlocks())
	fn(t.cfg.DataDev, 0, t.cfg.DataDev.NrBlocks())
}
