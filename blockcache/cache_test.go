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

package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/common"
)

func TestWriteLockThenReadLockSeesData(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	c := Create(dev, 8)
	defer c.Destroy()

	h, err := c.WriteLockZero(common.Block(3), NoopValidator{})
	require.NoError(t, err)
	copy(h.Data(), []byte("hello"))
	c.Unlock(h, NoopValidator{})

	rh, err := c.ReadLock(common.Block(3), NoopValidator{})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), rh.Data()[:5])
	c.Unlock(rh, NoopValidator{})
}

func TestReadTryLockFailsWhileWriteLocked(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	c := Create(dev, 8)
	defer c.Destroy()

	wh, err := c.WriteLockZero(common.Block(1), NoopValidator{})
	require.NoError(t, err)

	_, err = c.ReadTryLock(common.Block(1), NoopValidator{})
	require.Error(t, err)

	c.Unlock(wh, NoopValidator{})
}

func TestNodeValidatorRejectsTamperedBlock(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	v := NodeValidator{Magic: 0xdeadbeef, MagicOffset: 4, BlocknrOffset: 8}

	c1 := Create(dev, 8)
	h, err := c1.WriteLockZero(common.Block(2), v)
	require.NoError(t, err)
	copy(h.Data()[16:], []byte("payload"))
	require.NoError(t, c1.FlushAndUnlock(h, v))
	c1.Destroy()

	raw := make([]byte, 4096)
	require.NoError(t, dev.ReadBlock(common.Block(2), raw))
	raw[20] ^= 0xff
	require.NoError(t, dev.WriteBlock(common.Block(2), raw))

	// A fresh cache over the same (now-tampered) device has no resident
	// copy to serve from, so ReadLock must actually reload from dev and
	// run the validator.
	c2 := Create(dev, 8)
	defer c2.Destroy()
	_, err = c2.ReadLock(common.Block(2), v)
	require.Error(t, err, "a flipped payload byte must fail the CRC32C check on reload")
}

func TestEvictionNeverDropsDirtyPages(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	c := Create(dev, 2)
	defer c.Destroy()

	for i := common.Block(0); i < 8; i++ {
		h, err := c.WriteLockZero(i, NoopValidator{})
		require.NoError(t, err)
		copy(h.Data(), []byte{byte(i) + 1})
		c.Unlock(h, NoopValidator{})
	}

	require.Equal(t, 8, len(c.pages), "a cache made entirely of dirty pages must overshoot capacity rather than evict unwritten data")

	rh, err := c.ReadLock(common.Block(3), NoopValidator{})
	require.NoError(t, err)
	require.Equal(t, byte(4), rh.Data()[0])
	c.Unlock(rh, NoopValidator{})
}

func TestEvictionDropsCleanPagesOverCapacity(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	c := Create(dev, 2)
	defer c.Destroy()

	sb, err := c.WriteLockZero(common.Block(0), NoopValidator{})
	require.NoError(t, err)

	for i := common.Block(1); i <= 3; i++ {
		h, err := c.WriteLockZero(i, NoopValidator{})
		require.NoError(t, err)
		c.Unlock(h, NoopValidator{})
	}
	require.Equal(t, 4, len(c.pages), "nothing is evicted until a page is cleaned and released")

	require.NoError(t, c.FlushAndUnlock(sb, NoopValidator{}))
	require.Len(t, c.pages, 2, "flushing and releasing the superblock must trim the now-clean pages back to capacity")
}

func TestReadOnlyAccessIsEvictable(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	c := Create(dev, 2)
	defer c.Destroy()

	for i := common.Block(0); i < 10; i++ {
		h, err := c.ReadLock(i, NoopValidator{})
		require.NoError(t, err)
		c.Unlock(h, NoopValidator{})
	}

	require.LessOrEqual(t, len(c.pages), 2, "a read-heavy workload touching more distinct blocks than capacity must not grow the cache unbounded")
}

func TestConcurrentReadersKeepAPagePinnedUntilTheLastUnlocks(t *testing.T) {
	dev := NewMemDevice(4096, 16)
	c := Create(dev, 2)
	defer c.Destroy()

	h1, err := c.ReadLock(common.Block(0), NoopValidator{})
	require.NoError(t, err)
	h2, err := c.ReadLock(common.Block(0), NoopValidator{})
	require.NoError(t, err)

	c.Unlock(h1, NoopValidator{})
	// One of two readers has released; block 0 must still be pinned (not
	// pushed onto the eviction list) while h2 is outstanding.
	p := c.pages[common.Block(0)]
	require.Nil(t, p.elem, "a page with an outstanding reader must not be evictable")

	c.Unlock(h2, NoopValidator{})
	require.NotNil(t, c.pages[common.Block(0)].elem, "the last reader to unlock must push the page back onto the eviction list")
}
