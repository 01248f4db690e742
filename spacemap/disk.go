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

package spacemap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/akiradeveloper/dmpdata/btree"
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
	"github.com/akiradeveloper/dmpdata/transaction"
)

// maxRecursiveAllocations bounds the FIFO of Inc/Dec operations deferred
// while a space-map mutation is itself still growing the overflow B-tree
// (which allocates blocks through the very same space map). Without a
// bound, a pathological run of overflow promotions could recurse without
// limit; 32 is generous for the handful of levels an overflow tree split
// can cascade through in one call.
const maxRecursiveAllocations = 32

const rootSize = 8 + 8 + 8 + 8 // nrBlocks, nrFree, bitmapBlock, overflowRoot

var countValueType = btree.ValueType{
	Size:  4,
	Copy:  func([]byte) {},
	Del:   func([]byte) {},
	Equal: func(a, b []byte) bool { return string(a) == string(b) },
}

func encodeCount(c uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], c)
	return b[:]
}

func decodeCount(v []byte) uint32 { return binary.LittleEndian.Uint32(v) }

type opKind int

const (
	opInc opKind = iota
	opDec
)

type pendingOp struct {
	kind  opKind
	block common.Block
}

// Disk is the real, persistent space map of sections 3 and 6: a packed
// bitmap for refcounts 0..2 plus an overflow B-tree (keyed by block
// number) for anything higher. It implements transaction.SpaceMap, and a
// *transaction.Manager already wired to a Disk is what every other
// package (btree consumers, hsmmeta) actually allocates blocks through.
type Disk struct {
	mu sync.Mutex

	tm          *transaction.Manager
	bitmapBlock common.Block
	bitmap      []byte
	oldBitmap   []byte // snapshot as of the last Commit; NewBlock searches this, not the live bitmap
	searchHint  uint64

	nrBlocks uint64
	nrFree   uint64

	overflow *btree.MultiTree

	recursionCount int
	pending        []pendingOp
}

// Create lays out a brand-new Disk space map covering [0, nrBlocks) on
// top of tm. tm must already be wired to a space map capable of handing
// out the handful of blocks Create itself needs (its bitmap block and
// the overflow tree's root) — ordinarily a Bootstrap, later replaced via
// SwapSpaceMap once this Disk is built.
func Create(tm *transaction.Manager, nrBlocks uint64) (*Disk, error) {
	bm := tm.GetBM()
	blockSize := bm.BlockSize()
	if nrBlocks > uint64(slotsPerBlock(blockSize)) {
		// A production space map chains multiple bitmap blocks together;
		// this exercise-scale implementation keeps one, which is ample
		// for any device this package is tested against (see DESIGN.md).
		return nil, fmt.Errorf("spacemap: device too large for a single bitmap block (%d slots)", slotsPerBlock(blockSize))
	}

	overflow, err := btree.NewMultiTree(tm, 1, countValueType)
	if err != nil {
		return nil, err
	}

	h, err := bm.WriteLockZero(mustAlloc(tm), bitmapValidator())
	if err != nil {
		return nil, err
	}
	bitmapBlock := h.Block()
	bitmap := append([]byte(nil), h.Data()...)
	bm.Unlock(h, bitmapValidator())

	// The overflow tree's root and the bitmap block are in use from the
	// start.
	setSlot(bitmap, int(overflow.Root()), 1)
	setSlot(bitmap, int(bitmapBlock), 1)

	d := &Disk{
		tm:          tm,
		bitmapBlock: bitmapBlock,
		bitmap:      bitmap,
		oldBitmap:   append([]byte(nil), bitmap...),
		nrBlocks:    nrBlocks,
		nrFree:      nrBlocks - 2,
		overflow:    overflow,
	}
	return d, nil
}

func mustAlloc(tm *transaction.Manager) common.Block {
	n, err := tm.NewBlock()
	if err != nil {
		// Create is only ever called against a freshly-sized bootstrap
		// range; running out of space here means the caller mis-sized it.
		panic(fmt.Sprintf("spacemap: bootstrap allocation failed: %v", err))
	}
	tm.Unlock(n)
	return n.Block
}

// Open reconstructs a Disk from the bytes a prior CopyRoot produced.
func Open(tm *transaction.Manager, root []byte) (*Disk, error) {
	if len(root) != rootSize {
		return nil, dmerr.ErrInvalidArgument
	}
	nrBlocks := binary.LittleEndian.Uint64(root[0:])
	nrFree := binary.LittleEndian.Uint64(root[8:])
	bitmapBlock := common.Block(binary.LittleEndian.Uint64(root[16:]))
	overflowRoot := common.Block(binary.LittleEndian.Uint64(root[24:]))

	bm := tm.GetBM()
	h, err := bm.ReadLock(bitmapBlock, bitmapValidator())
	if err != nil {
		return nil, fmt.Errorf("spacemap: open: %w", err)
	}
	bitmap := append([]byte(nil), h.Data()...)
	bm.Unlock(h, bitmapValidator())

	return &Disk{
		tm:          tm,
		bitmapBlock: bitmapBlock,
		bitmap:      bitmap,
		oldBitmap:   append([]byte(nil), bitmap...),
		nrBlocks:    nrBlocks,
		nrFree:      nrFree,
		overflow:    btree.OpenMultiTree(tm, overflowRoot, 1, countValueType),
	}, nil
}

func (d *Disk) GetNrBlocks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nrBlocks
}

func (d *Disk) GetNrFree() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nrFree
}

// GetCount returns block b's current refcount.
func (d *Disk) GetCount(b common.Block) (uint32, error) {
	d.mu.Lock()
	slot := getSlot(d.bitmap, int(b))
	d.mu.Unlock()
	if slot < 3 {
		return uint32(slot), nil
	}
	v, err := d.overflow.Lookup(uint64(b))
	if err != nil {
		return 0, err
	}
	return decodeCount(v), nil
}

func (d *Disk) CountIsMoreThanOne(b common.Block) (bool, error) {
	c, err := d.GetCount(b)
	return c > 1, err
}

// SetCount directly sets b's refcount. It must not be called while a
// recursive allocation is still pending (section 9): doing so would let a
// caller observe a refcount mid-rebalance.
func (d *Disk) SetCount(b common.Block, count uint32) error {
	d.mu.Lock()
	nested := d.recursionCount != 0
	d.mu.Unlock()
	if nested {
		return fmt.Errorf("spacemap: SetCount called with a recursive allocation pending")
	}
	return d.guarded(opInc, b, func() error { return d.setCountReal(b, count) })
}

func (d *Disk) setCountReal(b common.Block, count uint32) error {
	d.mu.Lock()
	wasFree := getSlot(d.bitmap, int(b)) == 0
	if count <= 2 {
		setSlot(d.bitmap, int(b), uint8(count))
	} else {
		setSlot(d.bitmap, int(b), 3)
	}
	if wasFree && count > 0 {
		d.nrFree--
	} else if !wasFree && count == 0 {
		d.nrFree++
	}
	d.mu.Unlock()

	if count > 2 {
		return d.overflow.Insert(encodeCount(count), uint64(b))
	}
	return nil
}

// Inc bumps b's refcount by one.
func (d *Disk) Inc(b common.Block) error {
	return d.guarded(opInc, b, func() error { return d.incReal(b) })
}

// Dec drops b's refcount by one, reporting whether it reached zero.
func (d *Disk) Dec(b common.Block) (bool, error) {
	var freed bool
	err := d.guarded(opDec, b, func() error {
		f, err := d.decReal(b)
		freed = f
		return err
	})
	return freed, err
}

func (d *Disk) incReal(b common.Block) error {
	d.mu.Lock()
	slot := getSlot(d.bitmap, int(b))
	if slot < 2 {
		setSlot(d.bitmap, int(b), slot+1)
		d.mu.Unlock()
		return nil
	}
	if slot == 2 {
		setSlot(d.bitmap, int(b), 3)
		d.mu.Unlock()
		return d.overflow.Insert(encodeCount(3), uint64(b))
	}
	d.mu.Unlock()

	v, err := d.overflow.Lookup(uint64(b))
	if err != nil {
		return err
	}
	return d.overflow.Insert(encodeCount(decodeCount(v)+1), uint64(b))
}

func (d *Disk) decReal(b common.Block) (bool, error) {
	d.mu.Lock()
	slot := getSlot(d.bitmap, int(b))
	switch slot {
	case 0:
		d.mu.Unlock()
		return false, fmt.Errorf("spacemap: dec of already-free block %d", b)
	case 1:
		setSlot(d.bitmap, int(b), 0)
		d.nrFree++
		d.mu.Unlock()
		return true, nil
	case 2:
		setSlot(d.bitmap, int(b), 1)
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()

	v, err := d.overflow.Lookup(uint64(b))
	if err != nil {
		return false, err
	}
	count := decodeCount(v) - 1
	if count <= 2 {
		if err := d.overflow.Remove(uint64(b)); err != nil {
			return false, err
		}
		d.mu.Lock()
		setSlot(d.bitmap, int(b), uint8(count))
		d.mu.Unlock()
		return false, nil
	}
	return false, d.overflow.Insert(encodeCount(count), uint64(b))
}

// guarded defers op until the outermost Inc/Dec/SetCount call on this
// Disk unwinds, when nested — an Inc/Dec triggered by the overflow tree
// itself allocating or freeing a node while servicing the caller's own
// Inc/Dec (section 9's recursive-allocation note).
func (d *Disk) guarded(kind opKind, b common.Block, fn func() error) error {
	d.mu.Lock()
	if d.recursionCount > 0 {
		if len(d.pending) >= maxRecursiveAllocations {
			d.mu.Unlock()
			return fmt.Errorf("spacemap: recursive allocation queue full")
		}
		d.pending = append(d.pending, pendingOp{kind, b})
		d.mu.Unlock()
		return nil
	}
	d.recursionCount++
	d.mu.Unlock()

	err := fn()

	d.mu.Lock()
	d.recursionCount--
	outermost := d.recursionCount == 0
	d.mu.Unlock()

	if outermost && err == nil {
		err = d.drainPending()
	}
	return err
}

func (d *Disk) drainPending() error {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return nil
		}
		op := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		var err error
		switch op.kind {
		case opInc:
			err = d.incReal(op.block)
		case opDec:
			_, err = d.decReal(op.block)
		}
		if err != nil {
			return err
		}
	}
}

// NewBlock returns the address of a free block, searching the bitmap
// snapshot taken at the last Commit rather than the live, in-progress
// bitmap — so a block freed earlier in this same transaction is not
// handed straight back out before the free is itself durable.
func (d *Disk) NewBlock() (common.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := d.searchHint; i < d.nrBlocks; i++ {
		if getSlot(d.oldBitmap, int(i)) == 0 {
			d.searchHint = i + 1
			setSlot(d.bitmap, int(i), 1)
			d.nrFree--
			return common.Block(i), nil
		}
	}
	return 0, dmerr.ErrNoSpace
}

// Commit persists the bitmap block and snapshots it as the new
// old-bitmap search basis for the next transaction's allocations.
func (d *Disk) Commit() error {
	d.mu.Lock()
	bm := d.tm.GetBM()
	h, err := bm.WriteLock(d.bitmapBlock, bitmapValidator())
	if err != nil {
		d.mu.Unlock()
		return err
	}
	copy(h.Data()[bitmapHeaderSize:], d.bitmap[bitmapHeaderSize:])
	bm.Unlock(h, bitmapValidator())

	d.oldBitmap = append([]byte(nil), d.bitmap...)
	d.searchHint = 0
	d.mu.Unlock()
	return nil
}

// RootSize and CopyRoot implement the superblock-embeddable root
// described in section 6: a fixed-size summary hsmmeta stamps directly
// into the superblock bytes.
func (d *Disk) RootSize() int { return rootSize }

func (d *Disk) CopyRoot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, rootSize)
	binary.LittleEndian.PutUint64(buf[0:], d.nrBlocks)
	binary.LittleEndian.PutUint64(buf[8:], d.nrFree)
	binary.LittleEndian.PutUint64(buf[16:], uint64(d.bitmapBlock))
	binary.LittleEndian.PutUint64(buf[24:], uint64(d.overflow.Root()))
	return buf
}

// Destroy releases in-memory state; the backing blocks live on the
// metadata device and are reclaimed along with the rest of it.
func (d *Disk) Destroy() {}
