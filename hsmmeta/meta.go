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
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/btree"
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
	"github.com/akiradeveloper/dmpdata/spacemap"
	"github.com/akiradeveloper/dmpdata/transaction"
)

var mappingValueType = btree.ValueType{
	Size:  8,
	Copy:  func([]byte) {},
	Del:   func([]byte) {},
	Equal: func(a, b []byte) bool { return string(a) == string(b) },
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeU64(v []byte) uint64 { return binary.LittleEndian.Uint64(v) }

// packMapping folds the top 4 bits of a forward-mapping leaf value into
// user flags and the low 60 bits into the pool block address (section
// 4.5's flag packing).
func packMapping(pblock common.DataBlock, flags uint8) []byte {
	v := (uint64(flags&0xf) << 60) | (uint64(pblock) & 0x0fffffffffffffff)
	return encodeU64(v)
}

func unpackMapping(v []byte) (common.DataBlock, uint8) {
	raw := decodeU64(v)
	return common.DataBlock(raw & 0x0fffffffffffffff), uint8(raw >> 60)
}

// Metadata is the HSM metadata store of section 4.5. Forward maps
// (device, logical block) -> (pool block, flags); reverse maps (device,
// pool block) -> logical block, enabling crash recovery to find every
// dirty mapping by scanning the reverse tree instead of the (much larger)
// origin device.
type Metadata struct {
	mu sync.RWMutex

	tm      *transaction.Manager
	sm      *spacemap.Disk
	forward *btree.MultiTree
	reverse *btree.MultiTree
	sb      *superblock

	roOnce sync.Once
	ro     *transaction.Manager
}

// Open opens an existing store found on dev, or creates one if the leading
// bytes of dev's first block (the superblock header and version field) are
// all zero.
func Open(dev blockcache.BlockDevice, cacheSize int, dataBlockSize uint32, dataNrBlocks uint64) (*Metadata, error) {
	bm := blockcache.Create(dev, cacheSize)

	probe, err := bm.ReadLock(common.Block(superblockBlock), blockcache.NoopValidator{})
	if err != nil {
		return nil, fmt.Errorf("hsmmeta: probe superblock: %w", err)
	}
	fresh := isZeroBlock(probe.Data())
	bm.Unlock(probe, blockcache.NoopValidator{})

	if fresh {
		return create(bm, dev, dataBlockSize, dataNrBlocks)
	}
	return reopen(bm, dev)
}

func create(bm *blockcache.Cache, dev blockcache.BlockDevice, dataBlockSize uint32, dataNrBlocks uint64) (*Metadata, error) {
	boot := spacemap.NewBootstrap(1, common.Block(dev.NrBlocks())) // block 0 reserved for the superblock
	tm := transaction.New(bm, boot, btree.NodeValidator())

	sm, err := spacemap.Create(tm, dev.NrBlocks())
	if err != nil {
		return nil, fmt.Errorf("hsmmeta: create space map: %w", err)
	}
	tm.SwapSpaceMap(sm)
	// The superblock and every block the bootstrap allocator handed out are
	// in use; committing the space map makes NewBlock's search snapshot see
	// them too.
	for b := common.Block(0); b < boot.NextFree(); b++ {
		if err := sm.SetCount(b, 1); err != nil {
			return nil, fmt.Errorf("hsmmeta: account bootstrap block %d: %w", b, err)
		}
	}
	if err := sm.Commit(); err != nil {
		return nil, fmt.Errorf("hsmmeta: commit space map: %w", err)
	}

	forward, err := btree.NewMultiTree(tm, 2, mappingValueType)
	if err != nil {
		return nil, fmt.Errorf("hsmmeta: create forward tree: %w", err)
	}
	reverse, err := btree.NewMultiTree(tm, 2, mappingValueType)
	if err != nil {
		return nil, fmt.Errorf("hsmmeta: create reverse tree: %w", err)
	}

	m := &Metadata{
		tm:      tm,
		sm:      sm,
		forward: forward,
		reverse: reverse,
		sb: &superblock{
			Version:           sbVersion,
			MetadataBlockSize: uint32(dev.BlockSize()),
			MetadataNrBlocks:  dev.NrBlocks(),
			DataBlockSize:     dataBlockSize,
			DataNrBlocks:      dataNrBlocks,
		},
	}
	if err := m.Commit(); err != nil {
		return nil, fmt.Errorf("hsmmeta: initial commit: %w", err)
	}
	return m, nil
}

func reopen(bm *blockcache.Cache, dev blockcache.BlockDevice) (*Metadata, error) {
	h, err := bm.ReadLock(common.Block(superblockBlock), superblockValidator())
	if err != nil {
		return nil, fmt.Errorf("hsmmeta: read superblock: %w", err)
	}
	sb := decodeSuperblock(h.Data())
	bm.Unlock(h, superblockValidator())

	placeholder := spacemap.NewBootstrap(0, 0)
	tm := transaction.New(bm, placeholder, btree.NodeValidator())

	sm, err := spacemap.Open(tm, sb.SMRoot)
	if err != nil {
		return nil, fmt.Errorf("hsmmeta: open space map: %w", err)
	}
	tm.SwapSpaceMap(sm)

	return &Metadata{
		tm:      tm,
		sm:      sm,
		forward: btree.OpenMultiTree(tm, sb.ForwardRoot, 2, mappingValueType),
		reverse: btree.OpenMultiTree(tm, sb.ReverseRoot, 2, mappingValueType),
		sb:      sb,
	}, nil
}

// Close releases the store's in-memory resources.
func (m *Metadata) Close() {
	m.tm.Destroy()
}

// Commit flushes the space map, stamps the forward/reverse roots and the
// provisioning pointer into the superblock, and publishes it — the
// store-wide commit point (section 4.3).
func (m *Metadata) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.tm.PreCommit(); err != nil {
		return fmt.Errorf("hsmmeta: precommit: %w", err)
	}
	m.sb.ForwardRoot = m.forward.Root()
	m.sb.ReverseRoot = m.reverse.Root()
	m.sb.SMRoot = m.sm.CopyRoot()

	buf, err := m.tm.WriteLockSuperblock(common.Block(superblockBlock))
	if err != nil {
		return fmt.Errorf("hsmmeta: lock superblock: %w", err)
	}
	encodeSuperblock(m.sb, buf)
	if err := m.tm.Commit(common.Block(superblockBlock)); err != nil {
		return fmt.Errorf("hsmmeta: commit: %w", err)
	}
	return nil
}

// Insert returns the pool block mapped to (dev, lblock), provisioning a
// fresh one from the bump-pointer if this is the first reference.
func (m *Metadata) Insert(dev common.DeviceID, lblock common.LogicalBlock) (common.DataBlock, uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, err := m.forward.Lookup(uint64(dev), uint64(lblock)); err == nil {
		pblock, flags := unpackMapping(v)
		return pblock, flags, nil
	} else if err != dmerr.ErrNotFound {
		return 0, 0, err
	}

	if m.sb.FirstFreeBlock >= m.sb.DataNrBlocks {
		return 0, 0, dmerr.ErrNoSpace
	}
	pblock := common.DataBlock(m.sb.FirstFreeBlock)
	m.sb.FirstFreeBlock++

	if err := m.forward.Insert(packMapping(pblock, 0), uint64(dev), uint64(lblock)); err != nil {
		return 0, 0, err
	}
	if err := m.reverse.Insert(encodeU64(uint64(lblock)), uint64(dev), uint64(pblock)); err != nil {
		return 0, 0, err
	}
	return pblock, 0, nil
}

// Remove deletes the (dev, lblock) mapping. The pool block is not
// reclaimed into the bump-pointer; it becomes a hole lookup_reverse will
// report as absent (section 4.5's allocation model).
func (m *Metadata) Remove(dev common.DeviceID, lblock common.LogicalBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.forward.Lookup(uint64(dev), uint64(lblock))
	if err != nil {
		return err
	}
	pblock, _ := unpackMapping(v)

	if err := m.forward.Remove(uint64(dev), uint64(lblock)); err != nil {
		return err
	}
	return m.reverse.Remove(uint64(dev), uint64(pblock))
}

// Update rewrites the flag bits of an existing mapping without touching
// its pool block.
func (m *Metadata) Update(dev common.DeviceID, lblock common.LogicalBlock, flags uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.forward.Lookup(uint64(dev), uint64(lblock))
	if err != nil {
		return err
	}
	pblock, _ := unpackMapping(v)
	return m.forward.Insert(packMapping(pblock, flags), uint64(dev), uint64(lblock))
}

// Remap installs (dev, lblock) -> (pblock, flags) at a pool block the
// caller already owns the placement decision for, instead of provisioning
// one from the bump-pointer (section 4.7's HSM target picks pblock itself,
// via the cache policy's own fixed-size slot assignment). If pblock was
// previously mapped from a different (dev, lblock), that stale forward
// entry is torn down first so the reverse tree never holds two owners for
// the same pool block.
func (m *Metadata) Remap(dev common.DeviceID, lblock common.LogicalBlock, pblock common.DataBlock, flags uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, err := m.reverse.Lookup(uint64(dev), uint64(pblock)); err == nil {
		oldLblock := common.LogicalBlock(decodeU64(v))
		if oldLblock != lblock {
			if err := m.forward.Remove(uint64(dev), uint64(oldLblock)); err != nil && err != dmerr.ErrNotFound {
				return err
			}
		}
	} else if err != dmerr.ErrNotFound {
		return err
	}

	if err := m.forward.Insert(packMapping(pblock, flags), uint64(dev), uint64(lblock)); err != nil {
		return err
	}
	if err := m.reverse.Insert(encodeU64(uint64(lblock)), uint64(dev), uint64(pblock)); err != nil {
		return err
	}
	if uint64(pblock)+1 > m.sb.FirstFreeBlock {
		m.sb.FirstFreeBlock = uint64(pblock) + 1
	}
	return nil
}

// Lookup returns the pool block and flags mapped to (dev, lblock).
// canBlock=false routes the read through the non-blocking transaction
// clone, surfacing dmerr.ErrWouldBlock instead of waiting behind the
// active writer (section 4.5's can_block contract).
func (m *Metadata) Lookup(dev common.DeviceID, lblock common.LogicalBlock, canBlock bool) (common.DataBlock, uint8, error) {
	m.mu.RLock()
	tree := m.forwardView(canBlock)
	m.mu.RUnlock()
	v, err := tree.Lookup(uint64(dev), uint64(lblock))
	if err != nil {
		return 0, 0, err
	}
	pblock, flags := unpackMapping(v)
	return pblock, flags, nil
}

// LookupReverse returns the logical block mapped to (dev, pblock).
func (m *Metadata) LookupReverse(dev common.DeviceID, pblock common.DataBlock, canBlock bool) (common.LogicalBlock, error) {
	m.mu.RLock()
	tree := m.reverseView(canBlock)
	m.mu.RUnlock()
	v, err := tree.Lookup(uint64(dev), uint64(pblock))
	if err != nil {
		return 0, err
	}
	return common.LogicalBlock(decodeU64(v)), nil
}

// Delete tears down every mapping belonging to dev, forward and reverse,
// in one subtree teardown rather than a per-entry scan.
func (m *Metadata) Delete(dev common.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.forward.RemoveAll(uint64(dev)); err != nil {
		return err
	}
	return m.reverse.RemoveAll(uint64(dev))
}

func (m *Metadata) GetDataDevSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sb.DataNrBlocks
}

func (m *Metadata) GetProvisionedBlocks() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sb.FirstFreeBlock
}

// ResizeDataDev grows or shrinks the data device's advertised size.
// Shrinking below the current provisioning bump-pointer is rejected: it
// would orphan already-issued pool blocks.
func (m *Metadata) ResizeDataDev(newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newSize < m.sb.FirstFreeBlock {
		return dmerr.ErrInvalidArgument
	}
	m.sb.DataNrBlocks = newSize
	return nil
}

func (m *Metadata) forwardView(canBlock bool) *btree.MultiTree {
	if canBlock {
		return m.forward
	}
	return btree.OpenMultiTree(m.nonBlockingManager(), m.forward.Root(), 2, mappingValueType)
}

func (m *Metadata) reverseView(canBlock bool) *btree.MultiTree {
	if canBlock {
		return m.reverse
	}
	return btree.OpenMultiTree(m.nonBlockingManager(), m.reverse.Root(), 2, mappingValueType)
}

func (m *Metadata) nonBlockingManager() *transaction.Manager {
	m.roOnce.Do(func() {
		m.ro = m.tm.Clone()
	})
	return m.ro
}
