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

package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/common"
)

func TestLRUMapNewThenHit(t *testing.T) {
	p, err := NewLRU(2)
	require.NoError(t, err)

	res, err := p.Map(10, true, false, BioHint{})
	require.NoError(t, err)
	require.Equal(t, New, res.Decision)

	res2, err := p.Map(10, true, false, BioHint{})
	require.NoError(t, err)
	require.Equal(t, Hit, res2.Decision)
	require.Equal(t, res.CBlock, res2.CBlock)
}

func TestLRUReplaceEvictsOldest(t *testing.T) {
	p, err := NewLRU(1)
	require.NoError(t, err)

	res, err := p.Map(1, true, false, BioHint{})
	require.NoError(t, err)
	require.Equal(t, New, res.Decision)

	res2, err := p.Map(2, true, false, BioHint{})
	require.NoError(t, err)
	require.Equal(t, Replace, res2.Decision)
	require.Equal(t, common.LogicalBlock(1), res2.OldOblock)
	require.Equal(t, res.CBlock, res2.CBlock)

	_, ok := p.Residency(1)
	require.False(t, ok)
	cb, ok := p.Residency(2)
	require.True(t, ok)
	require.Equal(t, res2.CBlock, cb)
}

func TestLRUWritebackWorkOnlyDirtyNotInFlight(t *testing.T) {
	p, err := NewLRU(3)
	require.NoError(t, err)

	for _, ob := range []common.LogicalBlock{1, 2, 3} {
		_, err := p.Map(ob, true, false, BioHint{})
		require.NoError(t, err)
	}

	cb1, _ := p.Residency(1)
	cb2, _ := p.Residency(2)
	p.SetDirty(cb1)
	p.SetDirty(cb2)

	work := p.WritebackWork(10)
	require.Len(t, work, 2)

	work2 := p.WritebackWork(10)
	require.Empty(t, work2, "in-flight entries must not be handed out twice")

	p.ClearDirty(cb1)
	work3 := p.WritebackWork(10)
	require.Empty(t, work3, "clearing dirty also clears in-flight; block is no longer dirty")
}

func TestLRUReplaceSkipsInFlightOldestForNextEvictable(t *testing.T) {
	p, err := NewLRU(2)
	require.NoError(t, err)

	for _, ob := range []common.LogicalBlock{1, 2} {
		_, err := p.Map(ob, true, false, BioHint{})
		require.NoError(t, err)
	}

	cb1, _ := p.Residency(1)
	p.SetDirty(cb1)
	work := p.WritebackWork(1)
	require.Len(t, work, 1)
	require.Equal(t, cb1, work[0].CBlock, "oblock 1 is the oldest resident entry and the only dirty one")

	// Oblock 1's cache block is now in flight for writeback. A third miss
	// must still find oblock 2's block evictable rather than reporting
	// NoSpace just because the globally-oldest entry is busy.
	res, err := p.Map(3, true, false, BioHint{})
	require.NoError(t, err)
	require.Equal(t, Replace, res.Decision)
	require.Equal(t, common.LogicalBlock(2), res.OldOblock)
	require.False(t, res.NoSpace)
}

func TestLRUForceMappingOverwrites(t *testing.T) {
	p, err := NewLRU(2)
	require.NoError(t, err)

	res, err := p.Map(1, true, false, BioHint{})
	require.NoError(t, err)

	require.NoError(t, p.ForceMapping(2, res.CBlock))
	_, ok := p.Residency(1)
	require.False(t, ok)
	cb, ok := p.Residency(2)
	require.True(t, ok)
	require.Equal(t, res.CBlock, cb)
}

func TestLRUCannotMigrateReturnsMiss(t *testing.T) {
	p, err := NewLRU(2)
	require.NoError(t, err)

	res, err := p.Map(1, false, false, BioHint{})
	require.NoError(t, err)
	require.Equal(t, Miss, res.Decision)
}
