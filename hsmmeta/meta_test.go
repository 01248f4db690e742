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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
)

func TestInsertLookupCommitReopen(t *testing.T) {
	dev := blockcache.NewMemDevice(4096, 4096)

	m, err := Open(dev, 64, 4096, 100000)
	require.NoError(t, err)

	pblock, flags, err := m.Insert(1, 10)
	require.NoError(t, err)
	require.Equal(t, uint8(0), flags)

	got, gotFlags, err := m.Lookup(1, 10, true)
	require.NoError(t, err)
	require.Equal(t, pblock, got)
	require.Equal(t, uint8(0), gotFlags)

	require.NoError(t, m.Update(1, 10, 1))
	_, flags, err = m.Lookup(1, 10, true)
	require.NoError(t, err)
	require.Equal(t, uint8(1), flags)

	lblock, err := m.LookupReverse(1, pblock, true)
	require.NoError(t, err)
	require.Equal(t, common.LogicalBlock(10), lblock)

	require.NoError(t, m.Commit())
	m.Close()

	reopened, err := Open(dev, 64, 4096, 100000)
	require.NoError(t, err)
	got, flags, err = reopened.Lookup(1, 10, true)
	require.NoError(t, err)
	require.Equal(t, pblock, got)
	require.Equal(t, uint8(1), flags)
}

func TestRemoveLeavesHole(t *testing.T) {
	dev := blockcache.NewMemDevice(4096, 4096)
	m, err := Open(dev, 64, 4096, 100000)
	require.NoError(t, err)

	pblock, _, err := m.Insert(1, 5)
	require.NoError(t, err)

	require.NoError(t, m.Remove(1, 5))

	_, _, err = m.Lookup(1, 5, true)
	require.ErrorIs(t, err, dmerr.ErrNotFound)

	_, err = m.LookupReverse(1, pblock, true)
	require.ErrorIs(t, err, dmerr.ErrNotFound)

	next, _, err := m.Insert(1, 6)
	require.NoError(t, err)
	require.NotEqual(t, pblock, next, "remove must not reclaim the hole into the bump-pointer")
}

func TestDeleteDevice(t *testing.T) {
	dev := blockcache.NewMemDevice(4096, 4096)
	m, err := Open(dev, 64, 4096, 100000)
	require.NoError(t, err)

	_, _, err = m.Insert(2, 1)
	require.NoError(t, err)
	_, _, err = m.Insert(2, 2)
	require.NoError(t, err)

	require.NoError(t, m.Delete(2))

	_, _, err = m.Lookup(2, 1, true)
	require.ErrorIs(t, err, dmerr.ErrNotFound)
	_, _, err = m.Lookup(2, 2, true)
	require.ErrorIs(t, err, dmerr.ErrNotFound)
}

func TestRemapEvictsStaleOwner(t *testing.T) {
	dev := blockcache.NewMemDevice(4096, 4096)
	m, err := Open(dev, 64, 4096, 100000)
	require.NoError(t, err)

	require.NoError(t, m.Remap(1, 5, 0, 0))
	got, _, err := m.Lookup(1, 5, true)
	require.NoError(t, err)
	require.Equal(t, common.DataBlock(0), got)

	require.NoError(t, m.Remap(1, 6, 0, 1))
	_, _, err = m.Lookup(1, 5, true)
	require.ErrorIs(t, err, dmerr.ErrNotFound, "remapping pool block 0 to lblock 6 must evict lblock 5's stale owner")

	got, flags, err := m.Lookup(1, 6, true)
	require.NoError(t, err)
	require.Equal(t, common.DataBlock(0), got)
	require.Equal(t, uint8(1), flags)

	lblock, err := m.LookupReverse(1, 0, true)
	require.NoError(t, err)
	require.Equal(t, common.LogicalBlock(6), lblock)
}

func TestResizeRejectsShrinkBelowProvisioned(t *testing.T) {
	dev := blockcache.NewMemDevice(4096, 4096)
	m, err := Open(dev, 64, 4096, 100000)
	require.NoError(t, err)

	_, _, err = m.Insert(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.GetProvisionedBlocks())

	require.Error(t, m.ResizeDataDev(0))
	require.NoError(t, m.ResizeDataDev(200000))
}
