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
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
)

// MultiTree is the levels=N composite-key tree of section 4.4: a tree of
// trees, where every level but the last stores, as its "value", the block
// address of the next level's subtree root. An insert or lookup with N
// keys walks level by level, and an insert threads the (possibly new)
// subtree root back up into its parent level exactly like any other
// value update.
type MultiTree struct {
	store  NodeStore
	root   common.Block
	levels int
	vt     ValueType
}

// NewMultiTree creates a fresh, empty levels-deep tree.
func NewMultiTree(store NodeStore, levels int, vt ValueType) (*MultiTree, error) {
	leafVT := vt
	if levels > 1 {
		leafVT = childValueType
	}
	root, err := Empty(store, leafVT)
	if err != nil {
		return nil, err
	}
	return &MultiTree{store: store, root: root, levels: levels, vt: vt}, nil
}

// OpenMultiTree wraps an existing on-disk root, as recovered from a
// superblock, without creating anything.
func OpenMultiTree(store NodeStore, root common.Block, levels int, vt ValueType) *MultiTree {
	return &MultiTree{store: store, root: root, levels: levels, vt: vt}
}

func (t *MultiTree) Root() common.Block { return t.root }

// Lookup walks keys[0..] down through each level's tree and returns the
// bottom level's value.
func (t *MultiTree) Lookup(keys ...uint64) ([]byte, error) {
	if len(keys) != t.levels {
		return nil, dmerr.ErrInvalidArgument
	}
	root := t.root
	for i, k := range keys {
		vt := childValueType
		if i == len(keys)-1 {
			vt = t.vt
		}
		v, err := Lookup(t.store, root, k, vt)
		if err != nil {
			return nil, err
		}
		if i == len(keys)-1 {
			return v, nil
		}
		root = common.Block(decodeChild(v))
	}
	return nil, dmerr.ErrNotFound
}

// Insert maps keys to value, creating any intermediate subtree levels
// that don't exist yet.
func (t *MultiTree) Insert(value []byte, keys ...uint64) error {
	if len(keys) != t.levels {
		return dmerr.ErrInvalidArgument
	}
	newRoot, err := insertLevels(t.store, t.root, keys, value, t.vt)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// Remove deletes the entry at keys. Empty intermediate subtrees left
// behind are not collapsed; an absent leaf key at any level surfaces as
// dmerr.ErrNotFound.
func (t *MultiTree) Remove(keys ...uint64) error {
	if len(keys) != t.levels {
		return dmerr.ErrInvalidArgument
	}
	newRoot, err := removeLevels(t.store, t.root, keys, t.vt)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// RemoveAll deletes every entry filed under outerKey in one step, tearing
// down that key's entire subtree rather than visiting each leaf
// individually — only valid on a tree with at least two levels. A
// missing outerKey is not an error; there was nothing to remove.
func (t *MultiTree) RemoveAll(outerKey uint64) error {
	if t.levels < 2 {
		return dmerr.ErrInvalidArgument
	}
	sub, err := Lookup(t.store, t.root, outerKey, childValueType)
	if err == dmerr.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	subRoot := common.Block(decodeChild(sub))

	subVT := t.vt
	if t.levels > 2 {
		subVT = childValueType
	}
	if err := Del(t.store, subRoot, subVT); err != nil {
		return err
	}

	newRoot, err := Remove(t.store, t.root, outerKey, childValueType)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

func insertLevels(store NodeStore, root common.Block, keys []uint64, value []byte, vt ValueType) (common.Block, error) {
	if len(keys) == 1 {
		return Insert(store, root, keys[0], value, vt)
	}

	var subRoot common.Block
	existing, err := Lookup(store, root, keys[0], childValueType)
	switch {
	case err == dmerr.ErrNotFound:
		leafVT := vt
		if len(keys) > 2 {
			leafVT = childValueType
		}
		subRoot, err = Empty(store, leafVT)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		subRoot = common.Block(decodeChild(existing))
	}

	newSubRoot, err := insertLevels(store, subRoot, keys[1:], value, vt)
	if err != nil {
		return 0, err
	}
	return Insert(store, root, keys[0], encodeChild(uint64(newSubRoot)), childValueType)
}

func removeLevels(store NodeStore, root common.Block, keys []uint64, vt ValueType) (common.Block, error) {
	if len(keys) == 1 {
		return Remove(store, root, keys[0], vt)
	}
	existing, err := Lookup(store, root, keys[0], childValueType)
	if err != nil {
		return 0, err
	}
	subRoot := common.Block(decodeChild(existing))

	newSubRoot, err := removeLevels(store, subRoot, keys[1:], vt)
	if err != nil {
		return 0, err
	}
	return Insert(store, root, keys[0], encodeChild(uint64(newSubRoot)), childValueType)
}
