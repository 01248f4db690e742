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

// Package btree implements the shadowing B-tree described in section 4.4:
// a multi-level ordered map keyed by fixed-width 64-bit composite keys,
// with insert/remove/lookup/empty/del and node split and merge.
//
// The package is deliberately decoupled from blockcache: it talks to
// storage only through the NodeStore interface. Lookup honors the "at
// most two locks held" rolling-window invariant from the design note in
// section 9 via roSpine, which releases the grandparent as it steps past
// it rather than holding read locks for the whole descent. Insert and
// Remove do not: their recursive descent (insertInto/removeFrom) shadows
// and write-locks every block on the path down and only releases each one
// as its own stack frame unwinds, so the full ancestor chain along one
// mutating descent stays locked for the depth of that recursion. This is
// a simplification from the bounded mutating spine the design note also
// describes, acceptable here because tree depth is small relative to the
// number of blocks addressable per level.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/akiradeveloper/dmpdata/common"
)

const (
	// FlagLeaf and FlagInternal tag a node's header.flags field.
	FlagLeaf     uint32 = 1
	FlagInternal uint32 = 2

	// NodeMagic is the magic stamped in every node header (section 6).
	NodeMagic uint32 = 160774

	// headerSize is the encoded size of the node header:
	// csum(4) + flags(4) + nr_entries(4) + max_entries(4) + magic(4) + blocknr(8).
	headerSize = 28

	keySize = 8
)

// header offsets, matching blockcache.NodeValidator's expectations
// (checksum at 0, covering bytes [4:blockSize); magic at 16; blocknr at 20).
const (
	offCsum       = 0
	offFlags      = 4
	offNrEntries  = 8
	offMaxEntries = 12
	offMagic      = 16
	offBlocknr    = 20
)

// node is the in-memory view over one tree block's raw bytes.
type node struct {
	blk       common.Block
	buf       []byte
	valueSize int
}

func newNode(blk common.Block, buf []byte, valueSize int) *node {
	return &node{blk: blk, buf: buf, valueSize: valueSize}
}

func maxEntries(blockSize, valueSize int) int {
	return (blockSize - headerSize) / (keySize + valueSize)
}

func (n *node) isLeaf() bool { return binary.LittleEndian.Uint32(n.buf[offFlags:]) == FlagLeaf }

func (n *node) setLeaf(leaf bool) {
	f := FlagInternal
	if leaf {
		f = FlagLeaf
	}
	binary.LittleEndian.PutUint32(n.buf[offFlags:], f)
}

func (n *node) nrEntries() int {
	return int(binary.LittleEndian.Uint32(n.buf[offNrEntries:]))
}

func (n *node) setNrEntries(v int) {
	binary.LittleEndian.PutUint32(n.buf[offNrEntries:], uint32(v))
}

func (n *node) maxEntries() int {
	return int(binary.LittleEndian.Uint32(n.buf[offMaxEntries:]))
}

func (n *node) setMaxEntries(v int) {
	binary.LittleEndian.PutUint32(n.buf[offMaxEntries:], uint32(v))
}

func (n *node) initEmpty(leaf bool, valueSize int) {
	n.setLeaf(leaf)
	n.setNrEntries(0)
	n.setMaxEntries(maxEntries(len(n.buf), valueSize))
	binary.LittleEndian.PutUint32(n.buf[offMagic:], NodeMagic)
}

func (n *node) keysOffset() int { return headerSize }

func (n *node) valuesOffset() int {
	return headerSize + n.maxEntries()*keySize
}

func (n *node) keyAt(i int) uint64 {
	off := n.keysOffset() + i*keySize
	return binary.LittleEndian.Uint64(n.buf[off:])
}

func (n *node) setKeyAt(i int, k uint64) {
	off := n.keysOffset() + i*keySize
	binary.LittleEndian.PutUint64(n.buf[off:], k)
}

func (n *node) valueAt(i int) []byte {
	off := n.valuesOffset() + i*n.valueSize
	return n.buf[off : off+n.valueSize]
}

func (n *node) setValueAt(i int, v []byte) {
	copy(n.valueAt(i), v)
}

// search returns the index of the first key >= target (lower bound), and
// whether that key equals target exactly.
func (n *node) search(target uint64) (int, bool) {
	lo, hi := 0, n.nrEntries()
	for lo < hi {
		mid := (lo + hi) / 2
		k := n.keyAt(mid)
		if k == target {
			return mid, true
		}
		if k < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// childIndex returns the index of the child subtree covering target in an
// internal node: the last key that is <= target, or 0 if target is smaller
// than every key (section 4.4: "choose the child whose key range covers
// the target key").
func (n *node) childIndex(target uint64) int {
	idx, exact := n.search(target)
	if exact {
		return idx
	}
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// insertAt shifts keys/values right and inserts (k, v) at index i.
func (n *node) insertAt(i int, k uint64, v []byte) {
	count := n.nrEntries()
	for j := count; j > i; j-- {
		n.setKeyAt(j, n.keyAt(j-1))
		n.setValueAt(j, n.valueAt(j-1))
	}
	n.setKeyAt(i, k)
	n.setValueAt(i, v)
	n.setNrEntries(count + 1)
}

// removeAt deletes the entry at index i, shifting the remainder left.
func (n *node) removeAt(i int) {
	count := n.nrEntries()
	for j := i; j < count-1; j++ {
		n.setKeyAt(j, n.keyAt(j+1))
		n.setValueAt(j, n.valueAt(j+1))
	}
	n.setNrEntries(count - 1)
}

func (n *node) full() bool { return n.nrEntries() >= n.maxEntries() }

// splitEven moves the upper half of n's entries into sibling (initialized
// fresh, same leaf-ness), leaving n holding the lower half. It returns the
// separator key — sibling's first key — to be promoted into the parent.
func (n *node) splitEven(sibling *node) uint64 {
	sibling.initEmpty(n.isLeaf(), n.valueSize)
	count := n.nrEntries()
	mid := count / 2
	for i := mid; i < count; i++ {
		sibling.insertAt(i-mid, n.keyAt(i), n.valueAt(i))
	}
	n.setNrEntries(mid)
	return sibling.keyAt(0)
}

func (n *node) String() string {
	kind := "internal"
	if n.isLeaf() {
		kind = "leaf"
	}
	return fmt.Sprintf("node{block=%d kind=%s entries=%d/%d}", n.blk, kind, n.nrEntries(), n.maxEntries())
}
