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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/common"
)

// fakeStore is a minimal in-memory NodeStore, good enough to exercise the
// spine/split/merge logic without a real transaction manager or block
// cache. Every block is its own copy; Shadow always "allocates" a new
// block number the first time a given origin is shadowed within a test,
// and returns the same mapping on subsequent shadows of the same origin —
// mirroring the once-per-transaction shadow rule (section 4.3) closely
// enough for these tests, which never span more than one logical
// transaction.
type fakeStore struct {
	blockSize int
	next      common.Block
	data      map[common.Block][]byte
	refcount  map[common.Block]int
	shadowed  map[common.Block]common.Block
}

func newFakeStore(blockSize int) *fakeStore {
	return &fakeStore{
		blockSize: blockSize,
		data:      make(map[common.Block][]byte),
		refcount:  make(map[common.Block]int),
		shadowed:  make(map[common.Block]common.Block),
	}
}

func (s *fakeStore) NewBlock() (Node, error) {
	s.next++
	b := s.next
	buf := make([]byte, s.blockSize)
	s.data[b] = buf
	s.refcount[b] = 1
	return Node{Block: b, Data: buf}, nil
}

func (s *fakeStore) Shadow(orig common.Block) (Node, bool, error) {
	if shadow, ok := s.shadowed[orig]; ok {
		return Node{Block: shadow, Data: s.data[shadow]}, false, nil
	}
	n, err := s.NewBlock()
	if err != nil {
		return Node{}, false, err
	}
	copy(n.Data, s.data[orig])
	incChildren := s.refcount[orig] > 1
	s.refcount[orig]--
	s.shadowed[orig] = n.Block
	return n, incChildren, nil
}

func (s *fakeStore) ReadNode(b common.Block) (Node, error) {
	return Node{Block: b, Data: s.data[b]}, nil
}

func (s *fakeStore) TryReadNode(b common.Block) (Node, error) {
	return s.ReadNode(b)
}

func (s *fakeStore) Unlock(Node) {}

func (s *fakeStore) Inc(b common.Block) { s.refcount[b]++ }

func (s *fakeStore) Dec(b common.Block) bool {
	s.refcount[b]--
	return s.refcount[b] <= 0
}

func u64Value(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

var u64ValueType = ValueType{
	Size:  8,
	Copy:  func([]byte) {},
	Del:   func([]byte) {},
	Equal: func(a, b []byte) bool { return string(a) == string(b) },
}

func TestInsertLookupRoundTrip(t *testing.T) {
	store := newFakeStore(256)
	root, err := Empty(store, u64ValueType)
	require.NoError(t, err)

	const n = 200
	for i := uint64(0); i < n; i++ {
		root, err = Insert(store, root, i, u64Value(i*7), u64ValueType)
		require.NoError(t, err)
	}

	for i := uint64(0); i < n; i++ {
		v, err := Lookup(store, root, i, u64ValueType)
		require.NoError(t, err)
		require.Equal(t, i*7, binary.LittleEndian.Uint64(v))
	}

	_, err = Lookup(store, root, n+1, u64ValueType)
	require.Error(t, err)
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	store := newFakeStore(256)
	root, err := Empty(store, u64ValueType)
	require.NoError(t, err)

	root, err = Insert(store, root, 5, u64Value(1), u64ValueType)
	require.NoError(t, err)
	root, err = Insert(store, root, 5, u64Value(2), u64ValueType)
	require.NoError(t, err)

	v, err := Lookup(store, root, 5, u64ValueType)
	require.NoError(t, err)
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(v))
}

func TestRemoveThenNotFound(t *testing.T) {
	store := newFakeStore(256)
	root, err := Empty(store, u64ValueType)
	require.NoError(t, err)

	const n = 100
	for i := uint64(0); i < n; i++ {
		root, err = Insert(store, root, i, u64Value(i), u64ValueType)
		require.NoError(t, err)
	}

	for i := uint64(0); i < n; i += 2 {
		root, err = Remove(store, root, i, u64ValueType)
		require.NoError(t, err)
	}

	for i := uint64(0); i < n; i++ {
		v, err := Lookup(store, root, i, u64ValueType)
		if i%2 == 0 {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
			require.Equal(t, i, binary.LittleEndian.Uint64(v))
		}
	}
}

func TestMultiTreeCompositeKeys(t *testing.T) {
	store := newFakeStore(256)
	mt, err := NewMultiTree(store, 2, u64ValueType)
	require.NoError(t, err)

	require.NoError(t, mt.Insert(u64Value(42), 1, 10))
	require.NoError(t, mt.Insert(u64Value(43), 1, 11))
	require.NoError(t, mt.Insert(u64Value(99), 2, 10))

	v, err := mt.Lookup(1, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(v))

	v, err = mt.Lookup(2, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(99), binary.LittleEndian.Uint64(v))

	_, err = mt.Lookup(1, 999)
	require.Error(t, err)

	require.NoError(t, mt.Remove(1, 10))
	_, err = mt.Lookup(1, 10)
	require.Error(t, err)
}
