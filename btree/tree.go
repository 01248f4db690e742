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

package btree

import (
	"encoding/binary"

	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
)

func encodeChild(b uint64) []byte {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], b)
	return v[:]
}

func decodeChild(v []byte) uint64 {
	return binary.LittleEndian.Uint64(v)
}

// wrapNode views a just-loaded Node, inferring the correct value width
// from its own leaf/internal flag rather than trusting the caller: leaves
// store vt-shaped values, internal nodes always store 8-byte child
// pointers (childValueType).
func wrapNode(n Node, vt ValueType) *node {
	nd := newNode(n.Block, n.Data, 0)
	if nd.isLeaf() {
		nd.valueSize = vt.Size
	} else {
		nd.valueSize = childValueType.Size
	}
	return nd
}

// Empty creates a new, empty leaf root holding values of the given type.
func Empty(store NodeStore, vt ValueType) (common.Block, error) {
	n, err := store.NewBlock()
	if err != nil {
		return 0, err
	}
	nd := newNode(n.Block, n.Data, vt.Size)
	nd.initEmpty(true, vt.Size)
	store.Unlock(n)
	return n.Block, nil
}

// Lookup returns the value stored under key in the tree rooted at root, or
// dmerr.ErrNotFound.
func Lookup(store NodeStore, root common.Block, key uint64, vt ValueType) ([]byte, error) {
	spine := newROSpine(store, false)
	defer spine.release()

	blk := root
	for {
		n, err := spine.step(blk)
		if err != nil {
			return nil, err
		}
		n.valueSize = valueSizeFor(n, vt)

		if n.isLeaf() {
			idx, exact := n.search(key)
			if !exact {
				return nil, dmerr.ErrNotFound
			}
			out := make([]byte, n.valueSize)
			copy(out, n.valueAt(idx))
			return out, nil
		}
		if n.nrEntries() == 0 {
			return nil, dmerr.ErrNotFound
		}
		idx := n.childIndex(key)
		blk = common.Block(decodeChild(n.valueAt(idx)))
	}
}

func valueSizeFor(n *node, vt ValueType) int {
	if n.isLeaf() {
		return vt.Size
	}
	return childValueType.Size
}

// isChildFull reports whether the node at blk is full, without shadowing
// it — used to decide, one level up, whether to pre-split a child before
// descending into it.
func isChildFull(store NodeStore, blk common.Block, vt ValueType) (bool, error) {
	n, err := store.ReadNode(blk)
	if err != nil {
		return false, err
	}
	defer store.Unlock(n)
	nd := wrapNode(n, vt)
	return nd.full(), nil
}

// splitChild shadows the node at blk and splits it in two, returning the
// minimum key of the left half (the shadow of blk), the separator key of
// the new right half, and both halves' block addresses.
func splitChild(store NodeStore, blk common.Block, vt ValueType) (leftMin, sep uint64, left, right common.Block, err error) {
	orig, _, err := store.Shadow(blk)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	origNode := wrapNode(orig, vt)

	sibRaw, err := store.NewBlock()
	if err != nil {
		store.Unlock(orig)
		return 0, 0, 0, 0, err
	}
	sibNode := newNode(sibRaw.Block, sibRaw.Data, origNode.valueSize)

	sep = origNode.splitEven(sibNode)
	leftMin = origNode.keyAt(0)

	store.Unlock(orig)
	store.Unlock(sibRaw)
	return leftMin, sep, orig.Block, sibRaw.Block, nil
}

// Insert maps key to value in the tree rooted at root, splitting full
// nodes top-down as they're encountered so that a child is never
// descended into while full (section 4.4). It returns the new root.
func Insert(store NodeStore, root common.Block, key uint64, value []byte, vt ValueType) (common.Block, error) {
	full, err := isChildFull(store, root, vt)
	if err != nil {
		return 0, err
	}
	if !full {
		return insertInto(store, root, key, value, vt)
	}

	leftMin, sep, left, right, err := splitChild(store, root, vt)
	if err != nil {
		return 0, err
	}
	newRootRaw, err := store.NewBlock()
	if err != nil {
		return 0, err
	}
	newRoot := newNode(newRootRaw.Block, newRootRaw.Data, childValueType.Size)
	newRoot.initEmpty(false, childValueType.Size)
	newRoot.insertAt(0, leftMin, encodeChild(uint64(left)))
	newRoot.insertAt(1, sep, encodeChild(uint64(right)))
	store.Unlock(newRootRaw)

	return insertInto(store, newRootRaw.Block, key, value, vt)
}

func insertInto(store NodeStore, blk common.Block, key uint64, value []byte, vt ValueType) (common.Block, error) {
	n, incChildren, err := store.Shadow(blk)
	if err != nil {
		return 0, err
	}
	defer store.Unlock(n)
	nd := wrapNode(n, vt)

	if incChildren && !nd.isLeaf() {
		for i := 0; i < nd.nrEntries(); i++ {
			store.Inc(common.Block(decodeChild(nd.valueAt(i))))
		}
	}

	if nd.isLeaf() {
		idx, exact := nd.search(key)
		if exact {
			if vt.Del != nil {
				vt.Del(nd.valueAt(idx))
			}
			nd.setValueAt(idx, value)
		} else {
			nd.insertAt(idx, key, value)
		}
		return n.Block, nil
	}

	idx := nd.childIndex(key)
	childBlk := common.Block(decodeChild(nd.valueAt(idx)))

	full, err := isChildFull(store, childBlk, vt)
	if err != nil {
		return 0, err
	}
	if full {
		leftMin, sep, left, right, err := splitChild(store, childBlk, vt)
		if err != nil {
			return 0, err
		}
		nd.setKeyAt(idx, leftMin)
		nd.setValueAt(idx, encodeChild(uint64(left)))
		nd.insertAt(idx+1, sep, encodeChild(uint64(right)))
		if key >= sep {
			idx++
			childBlk = right
		} else {
			childBlk = left
		}
	}

	newChildBlk, err := insertInto(store, childBlk, key, value, vt)
	if err != nil {
		return 0, err
	}
	nd.setValueAt(idx, encodeChild(uint64(newChildBlk)))
	return n.Block, nil
}

// Remove deletes key from the tree rooted at root, rebalancing any node
// that falls below a third full along the descent (section 4.4), and
// returns the new root. dmerr.ErrNotFound is returned if key is absent.
func Remove(store NodeStore, root common.Block, key uint64, vt ValueType) (common.Block, error) {
	newRoot, err := removeFrom(store, root, key, vt)
	if err != nil {
		return 0, err
	}
	n, err := store.ReadNode(newRoot)
	if err != nil {
		return 0, err
	}
	nd := wrapNode(n, vt)
	if !nd.isLeaf() && nd.nrEntries() == 1 {
		onlyChild := common.Block(decodeChild(nd.valueAt(0)))
		store.Unlock(n)
		return onlyChild, nil
	}
	store.Unlock(n)
	return newRoot, nil
}

func removeFrom(store NodeStore, blk common.Block, key uint64, vt ValueType) (common.Block, error) {
	n, incChildren, err := store.Shadow(blk)
	if err != nil {
		return 0, err
	}
	defer store.Unlock(n)
	nd := wrapNode(n, vt)

	if incChildren && !nd.isLeaf() {
		for i := 0; i < nd.nrEntries(); i++ {
			store.Inc(common.Block(decodeChild(nd.valueAt(i))))
		}
	}

	if nd.isLeaf() {
		idx, exact := nd.search(key)
		if !exact {
			return 0, dmerr.ErrNotFound
		}
		if vt.Del != nil {
			vt.Del(nd.valueAt(idx))
		}
		nd.removeAt(idx)
		return n.Block, nil
	}

	idx := nd.childIndex(key)
	childBlk := common.Block(decodeChild(nd.valueAt(idx)))

	newChildBlk, err := removeFrom(store, childBlk, key, vt)
	if err != nil {
		return 0, err
	}
	nd.setValueAt(idx, encodeChild(uint64(newChildBlk)))

	if err := rebalanceChild(store, nd, idx, vt); err != nil {
		return 0, err
	}
	return n.Block, nil
}

type mutableChild struct {
	store NodeStore
	raw   Node
	n     *node
	free  bool
}

func readMutable(store NodeStore, blk common.Block, vt ValueType) (*mutableChild, error) {
	raw, _, err := store.Shadow(blk)
	if err != nil {
		return nil, err
	}
	return &mutableChild{store: store, raw: raw, n: wrapNode(raw, vt)}, nil
}

func (m *mutableChild) unlock() {
	m.store.Unlock(m.raw)
	if m.free {
		m.store.Dec(m.raw.Block)
	}
}

// rebalanceChild restores the one-third fill invariant on the child
// referenced at nd.valueAt(idx). When the child has a right sibling, it
// borrows that sibling's first entry if the sibling can spare one and
// otherwise merges the sibling into the child; only a last child (no right
// sibling) borrows from or merges into its left sibling. Every node it
// touches is shadowed and nd is repointed at the shadow.
func rebalanceChild(store NodeStore, nd *node, idx int, vt ValueType) error {
	childBlk := common.Block(decodeChild(nd.valueAt(idx)))
	child, err := readMutable(store, childBlk, vt)
	if err != nil {
		return err
	}
	defer child.unlock()
	nd.setValueAt(idx, encodeChild(uint64(child.raw.Block)))

	threshold := child.n.maxEntries() / 3
	if child.n.nrEntries() >= threshold {
		return nil
	}

	if idx+1 < nd.nrEntries() {
		rightBlk := common.Block(decodeChild(nd.valueAt(idx + 1)))
		right, err := readMutable(store, rightBlk, vt)
		if err != nil {
			return err
		}
		defer right.unlock()
		nd.setValueAt(idx+1, encodeChild(uint64(right.raw.Block)))

		if right.n.nrEntries() > threshold+1 {
			moveOneLeft(right.n, child.n)
			nd.setKeyAt(idx+1, right.n.keyAt(0))
			return nil
		}
		mergeInto(child.n, right.n)
		nd.removeAt(idx + 1)
		right.free = true
		return nil
	}

	if idx > 0 {
		leftBlk := common.Block(decodeChild(nd.valueAt(idx - 1)))
		left, err := readMutable(store, leftBlk, vt)
		if err != nil {
			return err
		}
		defer left.unlock()
		nd.setValueAt(idx-1, encodeChild(uint64(left.raw.Block)))

		if left.n.nrEntries() > threshold+1 {
			moveOneRight(left.n, child.n)
			nd.setKeyAt(idx, child.n.keyAt(0))
			return nil
		}
		mergeInto(left.n, child.n)
		nd.setValueAt(idx-1, encodeChild(uint64(left.n.blk)))
		nd.removeAt(idx)
		child.free = true
		return nil
	}
	return nil
}

func moveOneLeft(right, child *node) {
	child.insertAt(child.nrEntries(), right.keyAt(0), right.valueAt(0))
	right.removeAt(0)
}

func moveOneRight(left, child *node) {
	last := left.nrEntries() - 1
	child.insertAt(0, left.keyAt(last), left.valueAt(last))
	left.removeAt(last)
}

func mergeInto(dst, src *node) {
	for i := 0; i < src.nrEntries(); i++ {
		dst.insertAt(dst.nrEntries(), src.keyAt(i), src.valueAt(i))
	}
}

// Del tears down every node of the tree rooted at root, decrementing each
// block's refcount and only recursing into a node's children once that
// node's own refcount has actually reached zero — a subtree kept alive by
// a fast clone is left untouched (section 4.3's shadow/clone contract).
func Del(store NodeStore, root common.Block, vt ValueType) error {
	n, err := store.ReadNode(root)
	if err != nil {
		return err
	}
	nd := wrapNode(n, vt)
	leaf := nd.isLeaf()

	var children []common.Block
	if leaf {
		if vt.Del != nil {
			for i := 0; i < nd.nrEntries(); i++ {
				vt.Del(nd.valueAt(i))
			}
		}
	} else {
		children = make([]common.Block, nd.nrEntries())
		for i := range children {
			children[i] = common.Block(decodeChild(nd.valueAt(i)))
		}
	}
	store.Unlock(n)

	if !store.Dec(root) {
		return nil
	}
	for _, c := range children {
		if err := Del(store, c, vt); err != nil {
			return err
		}
	}
	return nil
}
