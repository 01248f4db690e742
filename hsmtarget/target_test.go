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

package hsmtarget

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/hsmmeta"
	"github.com/akiradeveloper/dmpdata/policy"
)

const testBlockSize = 4096

func newTestTarget(t *testing.T) (*Target, blockcache.BlockDevice, blockcache.BlockDevice) {
	t.Helper()
	cached := blockcache.NewMemDevice(testBlockSize, 64)
	data := blockcache.NewMemDevice(testBlockSize, 4)
	metaDev := blockcache.NewMemDevice(testBlockSize, 256)

	meta, err := hsmmeta.Open(metaDev, 64, testBlockSize, 4)
	require.NoError(t, err)

	pol, err := policy.NewLRU(4)
	require.NoError(t, err)

	target, err := Ctr(&Config{
		CachedDev:             cached,
		DataDev:               data,
		Meta:                  meta,
		Device:                1,
		Policy:                pol,
		BlockSize:             testBlockSize,
		CopyWorkers:           2,
		MigrationParallelism:  2,
		WritebackDeadline:     20 * time.Millisecond,
		WritebackRate:         1000,
	})
	require.NoError(t, err)
	return target, cached, data
}

func block(fill byte) []byte {
	b := make([]byte, testBlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	target, _, _ := newTestTarget(t)
	defer target.Dtr()

	want := block('A')
	wb := NewBio(0, testBlockSize, want, true)
	target.Map(wb)
	require.NoError(t, wb.Wait())

	got := make([]byte, testBlockSize)
	rb := NewBio(0, testBlockSize, got, false)
	target.Map(rb)
	require.NoError(t, rb.Wait())
	require.True(t, bytes.Equal(want, got))
}

func TestWritebackFlushesDirtyBlockToOrigin(t *testing.T) {
	target, cached, _ := newTestTarget(t)
	defer target.Dtr()

	want := block('B')
	wb := NewBio(0, testBlockSize, want, true)
	target.Map(wb)
	require.NoError(t, wb.Wait())

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		buf := make([]byte, testBlockSize)
		require.NoError(t, cached.ReadBlock(0, buf))
		if bytes.Equal(buf, want) {
			got = buf
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, bytes.Equal(want, got), "dirty block must reach the origin device via writeback")

	st := target.Status()
	require.Equal(t, uint64(0), st.DirtyBlocks, "writeback must clear the dirty counter")
}

func TestReadAheadIsDroppedSilently(t *testing.T) {
	target, _, _ := newTestTarget(t)
	defer target.Dtr()

	b := NewBio(0, testBlockSize, make([]byte, testBlockSize), false)
	b.ReadAhead = true
	target.Map(b)
	require.NoError(t, b.Wait())
}

func TestUndersizedDiscardIsRejected(t *testing.T) {
	target, _, _ := newTestTarget(t)
	defer target.Dtr()

	b := NewBio(0, testBlockSize/2, nil, false)
	b.Discard = true
	target.Map(b)
	require.Error(t, b.Wait())
}

func TestDiscardRemovesMapping(t *testing.T) {
	target, _, _ := newTestTarget(t)
	defer target.Dtr()

	wb := NewBio(0, testBlockSize, block('C'), true)
	target.Map(wb)
	require.NoError(t, wb.Wait())

	db := NewBio(0, testBlockSize, nil, false)
	db.Discard = true
	target.Map(db)
	require.NoError(t, db.Wait())

	got := make([]byte, testBlockSize)
	rb := NewBio(0, testBlockSize, got, false)
	target.Map(rb)
	require.NoError(t, rb.Wait())
	require.False(t, bytes.Equal(got, block('C')), "discard must drop the prior mapping rather than serve stale cached data")
}

func TestPresuspendPostsuspendPreresume(t *testing.T) {
	target, _, _ := newTestTarget(t)
	defer target.Dtr()

	wb := NewBio(0, testBlockSize, block('D'), true)
	target.Map(wb)
	require.NoError(t, wb.Wait())

	target.Presuspend()
	target.Postsuspend()
	require.True(t, target.Status().BounceMode)

	require.NoError(t, target.Preresume())
	require.False(t, target.Status().BounceMode)
}
