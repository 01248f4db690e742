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

import "github.com/akiradeveloper/dmpdata/common"

// Node is a locked, addressable block belonging to a tree. It is returned
// write-locked by NewBlock/Shadow and read-locked by ReadNode/TryReadNode;
// the caller releases it exactly once via Unlock.
type Node struct {
	Block common.Block
	Data  []byte
}

// NodeStore is the storage capability a Tree is built on: everything a
// transaction manager (section 4.3) already exposes. A *transaction.Manager
// satisfies this interface structurally; btree never imports the
// transaction package, keeping the spine's locking discipline independent
// of any specific cache or transaction implementation.
type NodeStore interface {
	// NewBlock returns a freshly allocated, zeroed, write-locked node.
	NewBlock() (Node, error)

	// Shadow returns a write-locked copy-on-write node for orig, per the
	// shadow semantics in section 4.3: if orig was already shadowed this
	// transaction, the same node is returned unchanged and incChildren is
	// false; otherwise a new block is allocated, orig's contents copied
	// in, orig's refcount decremented, and incChildren reports whether
	// orig's pre-decrement refcount was greater than one (so the caller
	// must bump every child's refcount).
	Shadow(orig common.Block) (n Node, incChildren bool, err error)

	// ReadNode takes a read lock on b.
	ReadNode(b common.Block) (Node, error)

	// TryReadNode is the non-blocking variant: it returns dmerr.ErrWouldBlock
	// instead of blocking, for spines built over a non-blocking
	// transaction-manager clone.
	TryReadNode(b common.Block) (Node, error)

	// Unlock releases whichever lock is currently held on n.Block.
	Unlock(n Node)

	// Inc adjusts a block's reference count up by one; used by
	// inc_children when fanning out a shadow over an internal node's
	// children.
	Inc(b common.Block)

	// Dec adjusts a block's reference count down by one and reports
	// whether that was the last reference (refcount reached zero), so
	// Del knows whether to recurse into the block's children or leave
	// them alone because another owner (a fast clone) still needs them.
	Dec(b common.Block) (freed bool)
}

// ValueType is the B-tree's only polymorphism point (section 4.4,
// section 9): a fixed record of callbacks invoked on refcount adjustments
// and deletes, rather than a generic interface, because the concrete value
// widths actually used are few and fixed (a u64 mapping, a u32 refcount, an
// index_entry, or a child-tree root).
type ValueType struct {
	Size  int
	Copy  func(v []byte)
	Del   func(v []byte)
	Equal func(a, b []byte) bool
}

// childValueType is used for internal nodes, whose values are always
// 64-bit child block addresses; copy/del are no-ops (child refcounts are
// managed explicitly by incChildren / node deletion, not value callbacks).
var childValueType = ValueType{
	Size: 8,
	Copy: func([]byte) {},
	Del:  func([]byte) {},
	Equal: func(a, b []byte) bool {
		return string(a) == string(b)
	},
}
