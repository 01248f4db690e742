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

// Package hsmtarget implements the HSM target of section 4.7: the bio
// pipeline that maps logical blocks of a slow "cached" device onto a
// bounded pool of blocks on a fast data device, backed by the metadata
// store in hsmmeta and a pluggable placement policy from the policy
// package.
package hsmtarget

import (
	"fmt"
	"time"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/hsmmeta"
	"github.com/akiradeveloper/dmpdata/policy"
)

// Config is the target's construction argument, ctr's {cached_dev,
// data_dev, meta_dev, block_size} (section 4.7), expanded with the
// handful of scheduling knobs the target's worker needs.
type Config struct {
	// CachedDev is the slow, fully-provisioned origin device.
	CachedDev blockcache.BlockDevice
	// DataDev is the fast device the pool blocks live on. Its size in
	// BlockSize units bounds the policy's cache_size.
	DataDev blockcache.BlockDevice
	// Meta is an already-open metadata store (hsmmeta.Registry.Open or
	// hsmmeta.Open); the target does not own its lifecycle.
	Meta *hsmmeta.Metadata
	// Device identifies this target's origin device within Meta, which
	// may be shared by more than one target.
	Device common.DeviceID
	// Policy decides hit/miss/new/replace; NewLRU from the policy
	// package if the caller has no preference.
	Policy policy.Policy
	// BlockSize is the cache block size in bytes; both CachedDev and
	// DataDev are addressed in units of it.
	BlockSize int

	// CopyWorkers bounds the async copy engine's concurrency.
	CopyWorkers int
	// WritebackDeadline is how long a dirty block may sit before a
	// flush is scheduled for it (section 4.7: "≈ 3·tick").
	WritebackDeadline time.Duration
	// WritebackRate caps how many writeback copies are launched per
	// second, so a flush burst doesn't starve foreground I/O.
	WritebackRate float64
	// MigrationParallelism caps in-flight copy jobs as writeback sees
	// them: no copy-out is launched while this many copy-ins/copy-outs
	// are in flight. Copy-ins themselves are not held back by it. It is
	// also the writeback rate limiter's burst size.
	MigrationParallelism int
}

// Defaults mirrors the Config/sanitize pattern found in mainline
// go-ethereum's triedb/pathdb/database.go (Config.sanitize / var
// Defaults), not a file the Ezkerrox-bsc teacher itself carries.
var Defaults = &Config{
	BlockSize:            4096,
	CopyWorkers:          8,
	WritebackDeadline:    3 * time.Second,
	WritebackRate:        64,
	MigrationParallelism: 4,
}

func (c *Config) sanitize() (*Config, error) {
	cc := *c
	if cc.BlockSize <= 0 || cc.BlockSize&(cc.BlockSize-1) != 0 {
		return nil, fmt.Errorf("hsmtarget: block size %d is not a power of two", cc.BlockSize)
	}
	if cc.CachedDev == nil || cc.DataDev == nil || cc.Meta == nil || cc.Policy == nil {
		return nil, fmt.Errorf("hsmtarget: CachedDev, DataDev, Meta and Policy are required")
	}
	if cc.CopyWorkers <= 0 {
		cc.CopyWorkers = Defaults.CopyWorkers
	}
	if cc.WritebackDeadline <= 0 {
		cc.WritebackDeadline = Defaults.WritebackDeadline
	}
	if cc.WritebackRate <= 0 {
		cc.WritebackRate = Defaults.WritebackRate
	}
	if cc.MigrationParallelism <= 0 {
		cc.MigrationParallelism = Defaults.MigrationParallelism
	}
	return &cc, nil
}
