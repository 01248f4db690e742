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
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/common"
)

// registryKey mints a fresh, collision-free device identity the way a
// real caller would derive one from a device's on-disk UUID, instead of
// reusing a small integer that happens not to collide in a test.
func registryKey() string {
	return uuid.NewString()
}

func TestRegistryOpenReturnsSharedHandle(t *testing.T) {
	r := NewRegistry()
	key := registryKey()
	dev := blockcache.NewMemDevice(4096, 4096)

	m1, err := r.Open(key, dev, 64, 4096, 100000)
	require.NoError(t, err)
	m2, err := r.Open(key, dev, 64, 4096, 100000)
	require.NoError(t, err)
	require.Same(t, m1, m2, "repeated Open of the same identity must return the same handle")

	r.Close(key)
	r.Close(key)
}

func TestRegistryOpenDistinctKeysAreIndependent(t *testing.T) {
	r := NewRegistry()
	devA := blockcache.NewMemDevice(4096, 4096)
	devB := blockcache.NewMemDevice(4096, 4096)

	mA, err := r.Open(registryKey(), devA, 64, 4096, 100000)
	require.NoError(t, err)
	mB, err := r.Open(registryKey(), devB, 64, 4096, 100000)
	require.NoError(t, err)
	require.NotSame(t, mA, mB)

	_, _, err = mA.Insert(1, 10)
	require.NoError(t, err)
	_, _, err = mB.Lookup(1, 10, true)
	require.Error(t, err, "distinct device identities must not see each other's mappings")
}

func TestRegistryConcurrentFirstOpenEachHoldsAReference(t *testing.T) {
	r := NewRegistry()
	key := registryKey()
	dev := blockcache.NewMemDevice(4096, 4096)

	const n = 16
	var wg sync.WaitGroup
	metas := make([]*Metadata, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			metas[i], errs[i] = r.Open(key, dev, 64, 4096, 100000)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, metas[0], metas[i], "every concurrent first-Open of the same key must share one handle")
	}

	// Each of the n racing Opens above holds its own reference, so the
	// first n-1 Closes must leave the handle alive and usable.
	for i := 0; i < n-1; i++ {
		r.Close(key)
	}
	_, _, err := metas[0].Insert(1, 7)
	require.NoError(t, err, "handle must still be open while any of the n references is outstanding")

	r.Close(key)
}

func TestRegistryWorkSerializesConcurrentMutations(t *testing.T) {
	r := NewRegistry()
	key := registryKey()
	dev := blockcache.NewMemDevice(4096, 4096)

	m, err := r.Open(key, dev, 64, 4096, 100000)
	require.NoError(t, err)
	defer r.Close(key)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Work(key, func() error {
				_, _, err := m.Insert(1, common.LogicalBlock(i))
				return err
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint64(n), m.GetProvisionedBlocks())
}
