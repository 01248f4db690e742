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

// Package common holds the handful of block-address types shared across
// every layer of the store, from the raw block cache up through the HSM
// target, so a stray int doesn't get passed where a different address
// space was meant.
package common

// Block is a raw block-cache address: an index into whatever device a
// blockcache.Cache has been built on, metadata or data, counted in that
// device's own block size.
type Block uint64

// DataBlock is a physical (pool) block address, an index into the fast
// data device managed by the space map and addressed by the HSM
// metadata's forward/reverse mappings.
type DataBlock uint64

// LogicalBlock is a logical (origin) block address, an index into the
// slow, fully-provisioned cached/origin device: the user-visible block.
type LogicalBlock uint64

// DeviceID identifies one of the independent logical namespaces held
// inside a single metadata store; every mapping is keyed by (DeviceID,
// block) rather than by block alone, so more than one origin device can
// share one store.
type DeviceID uint64
