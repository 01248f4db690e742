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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/btree"
	"github.com/akiradeveloper/dmpdata/transaction"
)

func newTestManager(t *testing.T, nrBlocks uint64) *transaction.Manager {
	t.Helper()
	dev := blockcache.NewMemDevice(4096, nrBlocks)
	bm := blockcache.Create(dev, 64)
	boot := NewBootstrap(0, 16)
	return transaction.New(bm, boot, btree.NodeValidator())
}

func TestDiskAllocateIncDec(t *testing.T) {
	tm := newTestManager(t, 4096)
	sm, err := Create(tm, 4096)
	require.NoError(t, err)

	tm.SwapSpaceMap(sm)
	require.NoError(t, sm.Commit())

	b, err := sm.NewBlock()
	require.NoError(t, err)

	count, err := sm.GetCount(b)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	require.NoError(t, sm.Inc(b))
	count, err = sm.GetCount(b)
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	freed, err := sm.Dec(b)
	require.NoError(t, err)
	require.False(t, freed)

	freed, err = sm.Dec(b)
	require.NoError(t, err)
	require.True(t, freed)
}

func TestDiskOverflowPromotion(t *testing.T) {
	tm := newTestManager(t, 4096)
	sm, err := Create(tm, 4096)
	require.NoError(t, err)
	tm.SwapSpaceMap(sm)
	require.NoError(t, sm.Commit())

	b, err := sm.NewBlock()
	require.NoError(t, err)

	// Push the refcount past the 2-bit inline range (0..2) into overflow.
	for i := 0; i < 10; i++ {
		require.NoError(t, sm.Inc(b))
	}
	count, err := sm.GetCount(b)
	require.NoError(t, err)
	require.Equal(t, uint32(11), count)

	for i := 0; i < 9; i++ {
		_, err := sm.Dec(b)
		require.NoError(t, err)
	}
	count, err = sm.GetCount(b)
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)
}

func TestDiskRootRoundTrip(t *testing.T) {
	tm := newTestManager(t, 4096)
	sm, err := Create(tm, 4096)
	require.NoError(t, err)
	tm.SwapSpaceMap(sm)
	require.NoError(t, sm.Commit())

	_, err = sm.NewBlock()
	require.NoError(t, err)

	root := sm.CopyRoot()
	require.Len(t, root, sm.RootSize())

	reopened, err := Open(tm, root)
	require.NoError(t, err)
	require.Equal(t, sm.GetNrBlocks(), reopened.GetNrBlocks())
	require.Equal(t, sm.GetNrFree(), reopened.GetNrFree())
}
