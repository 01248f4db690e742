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

// Package blockcache implements the fixed-size page cache over a block
// device described in section 4.1: read-lock/write-lock/try-lock
// primitives, a commit-time flush of every dirty page (FlushAndUnlock) and
// a validator hook for checksum/magic stamping per block type. There is no
// background writeback: a dirty page stays in memory until the next
// FlushAndUnlock writes it. It is the leaf dependency of the whole store —
// the space map, transaction manager and B-tree all address blocks through
// a *blockcache.Cache, never the underlying BlockDevice directly.
package blockcache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
	"github.com/akiradeveloper/dmpdata/internal/log"
)

// page is one resident block. Exactly one of the following holds at any
// instant: no lock held, N readers holding RLock, or one writer holding
// Lock — the block cache's entire concurrency contract (section 4.1).
type page struct {
	block common.Block
	data  []byte
	lock  sync.RWMutex
	dirty bool
	// readers counts outstanding RLock holders; only the reader that takes
	// it back to zero may push the page back onto the eviction list, since
	// a page with any lock held (read or write) must stay pinned.
	readers int32
	// elem links this page into the cache's LRU eviction list; nil while a
	// read or write lock is held (locked pages can't be evicted).
	elem *list.Element
}

// Cache is the block cache described in section 4.1. Clean (written-back)
// blocks are additionally mirrored into a fastcache.Cache, which is
// consulted when a block is not resident so that reloading an evicted clean
// block skips the device read, the same role fastcache plays for
// go-ethereum's disk layer clean-node cache.
type Cache struct {
	dev       BlockDevice
	blockSize int

	mu       sync.Mutex // protects pages + lru
	pages    map[common.Block]*page
	lru      *list.List
	capacity int

	clean *fastcache.Cache
}

// Handle is a locked reference to one resident page. The caller must call
// Unlock (or the Cache's Unlock method) exactly once.
type Handle struct {
	c      *Cache
	p      *page
	write  bool
	origin common.Block
}

func (h *Handle) Data() []byte     { return h.p.data }
func (h *Handle) Block() common.Block { return h.p.block }

// Create builds a Cache over dev holding at most cacheSize resident pages.
func Create(dev BlockDevice, cacheSize int) *Cache {
	return &Cache{
		dev:       dev,
		blockSize: dev.BlockSize(),
		pages:     make(map[common.Block]*page),
		lru:       list.New(),
		capacity:  cacheSize,
		clean:     fastcache.New(cacheSize * dev.BlockSize()),
	}
}

// BlockSize returns the size in bytes of every block the cache addresses.
func (c *Cache) BlockSize() int { return c.blockSize }

// Destroy releases the cache's clean-page mirror. It writes nothing back:
// dirty pages not already written by FlushAndUnlock are not flushed. The
// backing device is not closed; callers that own it should Close it
// themselves.
func (c *Cache) Destroy() {
	c.clean.Reset()
}

// Rebind redirects the cache at a new backing device of the same geometry,
// used by callers that reattach a store to a freshly opened device handle
// after, e.g., a suspend/resume cycle.
func (c *Cache) Rebind(dev BlockDevice) error {
	if dev.BlockSize() != c.blockSize {
		return fmt.Errorf("blockcache: rebind block size mismatch: %d != %d", dev.BlockSize(), c.blockSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dev = dev
	return nil
}

func (c *Cache) getOrLoad(b common.Block, v Validator, zero bool) (*page, error) {
	c.mu.Lock()
	if p, ok := c.pages[b]; ok {
		if p.elem != nil {
			c.lru.Remove(p.elem)
			p.elem = nil
		}
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	data := make([]byte, c.blockSize)
	if zero {
		// write_lock_zero: caller promises a full overwrite, skip the read.
	} else if blob, ok := c.clean.HasGet(data[:0], cleanKey(b)); ok {
		data = append(data[:0], blob...)
	} else {
		if err := c.dev.ReadBlock(b, data); err != nil {
			return nil, fmt.Errorf("blockcache: read block %d: %w", b, err)
		}
		if v != nil {
			if err := v.Check(b, data); err != nil {
				return nil, fmt.Errorf("blockcache: validate block %d: %w", b, err)
			}
		}
	}
	p := &page{block: b, data: data}

	c.mu.Lock()
	if existing, ok := c.pages[b]; ok {
		// Lost the race against a concurrent loader; use theirs.
		c.mu.Unlock()
		return existing, nil
	}
	c.pages[b] = p
	c.mu.Unlock()
	return p, nil
}

func cleanKey(b common.Block) []byte {
	var k [8]byte
	for i := 0; i < 8; i++ {
		k[i] = byte(b >> (8 * i))
	}
	return k[:]
}

// ReadLock takes a shared read lock on block b, reading it from the clean
// cache or disk if not already resident.
func (c *Cache) ReadLock(b common.Block, v Validator) (*Handle, error) {
	p, err := c.getOrLoad(b, v, false)
	if err != nil {
		return nil, err
	}
	p.lock.RLock()
	atomic.AddInt32(&p.readers, 1)
	return &Handle{c: c, p: p, write: false, origin: b}, nil
}

// ReadTryLock behaves like ReadLock but returns dmerr.ErrWouldBlock instead
// of blocking if the page is currently write-locked. Used by the
// non-blocking transaction-manager clone.
func (c *Cache) ReadTryLock(b common.Block, v Validator) (*Handle, error) {
	p, err := c.getOrLoad(b, v, false)
	if err != nil {
		return nil, err
	}
	if !p.lock.TryRLock() {
		return nil, dmerr.ErrWouldBlock
	}
	atomic.AddInt32(&p.readers, 1)
	return &Handle{c: c, p: p, write: false, origin: b}, nil
}

// WriteLock takes an exclusive write lock on block b, reading its current
// contents first.
func (c *Cache) WriteLock(b common.Block, v Validator) (*Handle, error) {
	p, err := c.getOrLoad(b, v, false)
	if err != nil {
		return nil, err
	}
	p.lock.Lock()
	c.pin(p)
	return &Handle{c: c, p: p, write: true, origin: b}, nil
}

// WriteLockZero takes an exclusive write lock on a freshly zeroed block
// without reading it from disk first — the caller promises to fully
// overwrite it, matching tm.new_block's contract.
func (c *Cache) WriteLockZero(b common.Block, v Validator) (*Handle, error) {
	p, err := c.getOrLoad(b, v, true)
	if err != nil {
		return nil, err
	}
	p.lock.Lock()
	// A page that was already resident still holds its previous contents.
	clear(p.data)
	c.pin(p)
	return &Handle{c: c, p: p, write: true, origin: b}, nil
}

func (c *Cache) pin(p *page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.elem != nil {
		c.lru.Remove(p.elem)
		p.elem = nil
	}
}

// Unlock releases h. Writes mark the page dirty; the page reaches the
// device only at the next FlushAndUnlock (eviction never writes a dirty
// page back), but the Validator's PrepareForWrite is applied immediately so
// the in-memory bytes are always self-consistent for the next reader. A read-locked page is only handed back to the eviction list
// once its last concurrent reader releases it — any reader still holding
// RLock keeps the page pinned, the same way a writer does.
func (c *Cache) Unlock(h *Handle, v Validator) {
	if h.write {
		if v != nil {
			v.PrepareForWrite(h.p.block, h.p.data)
		}
		h.p.dirty = true
		h.p.lock.Unlock()
		c.release(h.p)
	} else {
		h.p.lock.RUnlock()
		if atomic.AddInt32(&h.p.readers, -1) == 0 {
			c.release(h.p)
		}
	}
}

func (c *Cache) release(p *page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.elem == nil {
		p.elem = c.lru.PushFront(p)
	}
	c.evictLocked()
}

// evictLocked drops clean, unpinned pages over capacity. Dirty pages are
// never silently dropped — they must be written back first, mirroring the
// teacher's rule that a stale disk layer's buffer is flushed, never
// discarded.
func (c *Cache) evictLocked() {
	for len(c.pages) > c.capacity && c.lru.Len() > 0 {
		back := c.lru.Back()
		p := back.Value.(*page)
		if p.dirty {
			// Can't evict a dirty page without writing it back; stop here
			// and let the cache run over capacity until FlushAndUnlock
			// cleans its dirty pages (overshoot is acceptable, unlike
			// losing data).
			break
		}
		c.lru.Remove(back)
		delete(c.pages, p.block)
	}
}

// flushPage writes a dirty page back to the device and mirrors it into the
// clean cache.
func (c *Cache) flushPage(p *page) error {
	if err := c.dev.WriteBlock(p.block, p.data); err != nil {
		return fmt.Errorf("blockcache: write block %d: %w", p.block, err)
	}
	p.dirty = false
	c.clean.Set(cleanKey(p.block), p.data)
	return nil
}

// FlushAndUnlock writes every dirty block, then superblock (identified by
// sb), then calls Sync exactly once more so that the superblock is known to
// reach stable storage strictly after all other dirty blocks — the commit
// barrier the transaction manager relies on.
func (c *Cache) FlushAndUnlock(sb *Handle, v Validator) error {
	c.mu.Lock()
	dirty := make([]*page, 0)
	for _, p := range c.pages {
		if p.dirty && p != sb.p {
			dirty = append(dirty, p)
		}
	}
	c.mu.Unlock()

	for _, p := range dirty {
		p.lock.Lock()
		if p.dirty {
			if err := c.flushPage(p); err != nil {
				p.lock.Unlock()
				return err
			}
		}
		p.lock.Unlock()
	}
	if err := c.dev.Sync(); err != nil {
		return fmt.Errorf("blockcache: sync before superblock: %w", err)
	}

	if v != nil {
		v.PrepareForWrite(sb.p.block, sb.p.data)
	}
	if err := c.flushPage(sb.p); err != nil {
		return err
	}
	if err := c.dev.Sync(); err != nil {
		return fmt.Errorf("blockcache: sync superblock: %w", err)
	}
	sb.p.lock.Unlock()
	c.release(sb.p)
	log.Debug("flushed and unlocked superblock", "block", sb.p.block, "dirty_pages", len(dirty))
	return nil
}
