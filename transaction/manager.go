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

// Package transaction implements the transaction manager described in
// section 4.3: block allocation, copy-on-write shadowing with
// once-per-transaction elision, and the commit barrier that publishes a
// new superblock only after every other dirty block has reached stable
// storage.
//
// Manager satisfies btree.NodeStore structurally — it is never asserted
// against that interface here, deliberately, so this package never needs
// to import btree's sibling packages beyond btree itself, and btree never
// needs to import transaction at all.
package transaction

import (
	"fmt"
	"sync"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/btree"
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
	"github.com/akiradeveloper/dmpdata/internal/log"
)

// SpaceMap is the allocator a Manager drives block allocation and
// refcounting through. Defined locally, rather than imported from the
// spacemap package, because spacemap itself needs a *Manager to back the
// B-tree holding its own overflow refcounts — spacemap depends on
// transaction, never the other way around (section 9's bootstrap design
// note).
type SpaceMap interface {
	NewBlock() (common.Block, error)
	GetCount(b common.Block) (uint32, error)
	Inc(b common.Block) error
	Dec(b common.Block) (bool, error)
	Commit() error
}

// Manager is the transaction manager of section 4.3. One Manager
// corresponds to one open, single-writer transaction at a time; Begin
// resets its shadow bookkeeping, Commit publishes the new superblock.
type Manager struct {
	bm        *blockcache.Cache
	validator blockcache.Validator

	mu        sync.Mutex
	sm        SpaceMap
	handles   map[common.Block]*blockcache.Handle
	shadowed  map[common.Block]common.Block // orig -> this transaction's shadow

	// nonBlocking marks a read-only clone (Clone): ReadNode becomes
	// TryReadNode and NewBlock, Shadow and WriteLockSuperblock are refused,
	// matching hsmmeta's can_block=false path.
	nonBlocking bool
}

// New wires a Manager to an already-open block cache and space map. sm may
// be a bootstrap space map (see spacemap.Bootstrap) during initial
// metadata layout, later replaced with SwapSpaceMap once the real space
// map's own structures have been built using this very Manager.
func New(bm *blockcache.Cache, sm SpaceMap, validator blockcache.Validator) *Manager {
	return &Manager{
		bm:        bm,
		sm:        sm,
		validator: validator,
		handles:   make(map[common.Block]*blockcache.Handle),
		shadowed:  make(map[common.Block]common.Block),
	}
}

// SwapSpaceMap replaces the space map backing allocation, the bootstrap
// resolution step: once the real space map's bitmap and overflow B-tree
// have been laid out using the bootstrap allocator, the caller swaps the
// real space map in so that subsequent NewBlock/Shadow calls account
// refcounts in the real structure instead of handing out blocks
// sequentially forever.
func (m *Manager) SwapSpaceMap(sm SpaceMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sm = sm
}

// GetBM returns the backing block cache, for callers (hsmmeta) that need
// to address blocks outside the B-tree/space-map world, e.g. the
// superblock itself.
func (m *Manager) GetBM() *blockcache.Cache { return m.bm }

// Clone returns a non-blocking, read-only view over the same cache and
// space map, for concurrent readers that must fail fast with
// dmerr.ErrWouldBlock rather than queue behind the active writer.
func (m *Manager) Clone() *Manager {
	return &Manager{
		bm:          m.bm,
		sm:          m.sm,
		validator:   m.validator,
		handles:     make(map[common.Block]*blockcache.Handle),
		shadowed:    make(map[common.Block]common.Block),
		nonBlocking: true,
	}
}

// Begin starts a new transaction, clearing the shadow set so that the
// next Shadow call on any block allocates a fresh copy rather than
// reusing one from a prior, already-committed transaction.
func (m *Manager) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shadowed = make(map[common.Block]common.Block)
}

// PreCommit has the space map persist its own state (for spacemap.Disk:
// write its bitmap block and take a new allocation snapshot) before the
// superblock (which records the space map's root) is written.
func (m *Manager) PreCommit() error {
	return m.sm.Commit()
}

// WriteLockSuperblock locks the superblock block for writing without
// going through the NodeStore path (the superblock isn't a B-tree node),
// returning its raw bytes for the caller to encode into directly.
func (m *Manager) WriteLockSuperblock(sb common.Block) ([]byte, error) {
	if m.nonBlocking {
		return nil, dmerr.ErrInvalidArgument
	}
	h, err := m.bm.WriteLock(sb, m.validator)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.handles[sb] = h
	m.mu.Unlock()
	return h.Data(), nil
}

// Commit flushes every other dirty block, then the superblock, then
// syncs once more — the ordering guarantee from section 4.1 that makes a
// crash mid-commit leave either the old, fully-consistent superblock or
// the new, fully-consistent one on disk, never a mix.
func (m *Manager) Commit(sb common.Block) error {
	m.mu.Lock()
	h, ok := m.handles[sb]
	delete(m.handles, sb)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transaction: commit: superblock block %d is not write-locked", sb)
	}
	if err := m.bm.FlushAndUnlock(h, m.validator); err != nil {
		return fmt.Errorf("transaction: commit: %w", err)
	}
	m.mu.Lock()
	m.shadowed = make(map[common.Block]common.Block)
	m.mu.Unlock()
	log.Debug("transaction committed", "superblock", sb)
	return nil
}

// Destroy releases the manager's cache resources. It does not close the
// underlying block device.
func (m *Manager) Destroy() {
	m.bm.Destroy()
}

// --- btree.NodeStore ---
//
// Manager satisfies btree.NodeStore structurally. The handles map assumes
// at most one outstanding lock per block from this Manager at a time,
// which holds for every access pattern used here: a single active
// transaction descending one path at a time and locking each block on
// that path once (a read-only descent holds at most two at a time, a
// mutating one the whole ancestor chain).

func (m *Manager) NewBlock() (btree.Node, error) {
	if m.nonBlocking {
		return btree.Node{}, dmerr.ErrInvalidArgument
	}
	blk, err := m.sm.NewBlock()
	if err != nil {
		return btree.Node{}, err
	}
	h, err := m.bm.WriteLockZero(blk, m.validator)
	if err != nil {
		return btree.Node{}, err
	}
	m.mu.Lock()
	m.handles[blk] = h
	m.mu.Unlock()
	return btree.Node{Block: blk, Data: h.Data()}, nil
}

func (m *Manager) Shadow(orig common.Block) (btree.Node, bool, error) {
	if m.nonBlocking {
		return btree.Node{}, false, dmerr.ErrInvalidArgument
	}
	m.mu.Lock()
	if shadow, ok := m.shadowed[orig]; ok {
		m.mu.Unlock()
		h, err := m.bm.WriteLock(shadow, m.validator)
		if err != nil {
			return btree.Node{}, false, err
		}
		m.mu.Lock()
		m.handles[shadow] = h
		m.mu.Unlock()
		return btree.Node{Block: shadow, Data: h.Data()}, false, nil
	}
	m.mu.Unlock()

	origH, err := m.bm.ReadLock(orig, m.validator)
	if err != nil {
		return btree.Node{}, false, err
	}

	count, err := m.sm.GetCount(orig)
	if err != nil {
		m.bm.Unlock(origH, m.validator)
		return btree.Node{}, false, err
	}

	newBlk, err := m.sm.NewBlock()
	if err != nil {
		m.bm.Unlock(origH, m.validator)
		return btree.Node{}, false, err
	}
	newH, err := m.bm.WriteLockZero(newBlk, m.validator)
	if err != nil {
		m.bm.Unlock(origH, m.validator)
		return btree.Node{}, false, err
	}
	copy(newH.Data(), origH.Data())
	m.bm.Unlock(origH, m.validator)

	if _, err := m.sm.Dec(orig); err != nil {
		return btree.Node{}, false, err
	}

	m.mu.Lock()
	m.shadowed[orig] = newBlk
	m.handles[newBlk] = newH
	m.mu.Unlock()

	return btree.Node{Block: newBlk, Data: newH.Data()}, count > 1, nil
}

func (m *Manager) ReadNode(b common.Block) (btree.Node, error) {
	if m.nonBlocking {
		return m.TryReadNode(b)
	}
	h, err := m.bm.ReadLock(b, m.validator)
	if err != nil {
		return btree.Node{}, err
	}
	m.mu.Lock()
	m.handles[b] = h
	m.mu.Unlock()
	return btree.Node{Block: b, Data: h.Data()}, nil
}

func (m *Manager) TryReadNode(b common.Block) (btree.Node, error) {
	h, err := m.bm.ReadTryLock(b, m.validator)
	if err != nil {
		return btree.Node{}, err
	}
	m.mu.Lock()
	m.handles[b] = h
	m.mu.Unlock()
	return btree.Node{Block: b, Data: h.Data()}, nil
}

func (m *Manager) Unlock(n btree.Node) {
	m.mu.Lock()
	h, ok := m.handles[n.Block]
	delete(m.handles, n.Block)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.bm.Unlock(h, m.validator)
}

func (m *Manager) Inc(b common.Block) {
	if err := m.sm.Inc(b); err != nil {
		log.Error("transaction: inc failed", "block", b, "err", err)
	}
}

func (m *Manager) Dec(b common.Block) bool {
	freed, err := m.sm.Dec(b)
	if err != nil {
		log.Error("transaction: dec failed", "block", b, "err", err)
		return false
	}
	return freed
}
