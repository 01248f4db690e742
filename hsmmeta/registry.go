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

package hsmmeta

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/akiradeveloper/dmpdata/blockcache"
)

// handle is one registry entry: the shared Metadata plus a refcount and a
// single-threaded work queue every mutation submitted through this handle
// serializes behind (section 4.5). refs counts live Opens, not completed
// singleflight.Do executions: every caller that receives this handle back
// from Open bumps refs exactly once, whether it ran the Do closure itself
// or was a waiter sharing the winner's result.
type handle struct {
	meta *Metadata
	refs int32
	work chan func()
	done chan struct{}
}

func (h *handle) run() {
	for {
		select {
		case fn := <-h.work:
			fn()
		case <-h.done:
			return
		}
	}
}

// Do runs fn on the handle's dedicated worker goroutine, so concurrent
// callers of Insert/Remove/Update/Commit against the same open handle
// never interleave.
func (h *handle) Do(fn func() error) error {
	errCh := make(chan error, 1)
	h.work <- func() { errCh <- fn() }
	return <-errCh
}

// Registry is the process-wide handle cache of section 4.5: repeated
// Opens of the same device identity return the same *Metadata with a
// bumped refcount rather than racing to build two independent,
// inconsistent views of one on-disk store.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*handle
	group   singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*handle)}
}

// Open returns the shared handle for key, opening dev the first time and
// reusing the live Metadata (with its refcount bumped) on every
// subsequent call. Concurrent first-opens of the same key collapse into
// one actual Open call via singleflight, but each concurrent caller still
// holds its own reference: refs is bumped once per caller of Open, not
// once per singleflight.Do execution, so Close is safe to call exactly
// once per Open regardless of how many callers raced the first one.
func (r *Registry) Open(key string, dev blockcache.BlockDevice, cacheSize int, dataBlockSize uint32, dataNrBlocks uint64) (*Metadata, error) {
	if h := r.lookup(key); h != nil {
		atomic.AddInt32(&h.refs, 1)
		return h.meta, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if h := r.lookup(key); h != nil {
			return h, nil
		}

		meta, err := Open(dev, cacheSize, dataBlockSize, dataNrBlocks)
		if err != nil {
			return nil, fmt.Errorf("hsmmeta: registry open %q: %w", key, err)
		}
		h := &handle{meta: meta, work: make(chan func(), 64), done: make(chan struct{})}
		go h.run()

		r.mu.Lock()
		r.entries[key] = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h := v.(*handle)
	atomic.AddInt32(&h.refs, 1)
	return h.meta, nil
}

// Work runs fn serialized against every other mutation on key's handle.
// The caller must have Open'd key first.
func (r *Registry) Work(key string, fn func() error) error {
	h := r.lookup(key)
	if h == nil {
		return fmt.Errorf("hsmmeta: registry: %q is not open", key)
	}
	return h.Do(fn)
}

// Close drops one reference to key's handle, tearing it down once the
// refcount reaches zero.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	h, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if atomic.AddInt32(&h.refs, -1) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	close(h.done)
	h.meta.Close()
}

func (r *Registry) lookup(key string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key]
}
