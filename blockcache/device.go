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
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/akiradeveloper/dmpdata/common"
)

// BlockDevice is the minimal block-addressed backing store a Cache can be
// built on: fixed-size blocks read and written at blocknr*blockSize byte
// offsets, plus a durability barrier. File-backed and in-memory
// implementations are provided below; tests normally use the in-memory one.
type BlockDevice interface {
	ReadBlock(b common.Block, buf []byte) error
	WriteBlock(b common.Block, buf []byte) error
	// Sync forces all previously issued WriteBlock calls to stable storage.
	Sync() error
	NrBlocks() uint64
	BlockSize() int
	Close() error
}

// fileDevice is a BlockDevice backed by a regular file or block device node.
// Opening it takes an advisory exclusive flock on a sibling lock file,
// which is how this repository enforces the "one writer at a time per
// store" non-goal at the process level (spec.md section 1): a second
// fileDevice.Open against the same path fails fast instead of silently
// racing a live writer.
type fileDevice struct {
	f         *os.File
	lock      *flock.Flock
	blockSize int
	nrBlocks  uint64

	mu sync.Mutex
}

// OpenFile opens path as a fixed block-size device. nrBlocks is the number
// of blockSize blocks the device is sized to hold; it is the caller's
// responsibility to have sized the underlying file accordingly (create
// truncates/extends it).
func OpenFile(path string, blockSize int, nrBlocks uint64, create bool) (BlockDevice, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("blockcache: block size %d is not a power of two", blockSize)
	}
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("blockcache: acquiring device lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("blockcache: device %s already held by another writer", path)
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	size := int64(blockSize) * int64(nrBlocks)
	if create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			lk.Unlock()
			return nil, err
		}
	}
	return &fileDevice{f: f, lock: lk, blockSize: blockSize, nrBlocks: nrBlocks}, nil
}

func (d *fileDevice) ReadBlock(b common.Block, buf []byte) error {
	if len(buf) != d.blockSize {
		return fmt.Errorf("blockcache: buffer size %d != block size %d", len(buf), d.blockSize)
	}
	off := int64(b) * int64(d.blockSize)
	_, err := d.f.ReadAt(buf, off)
	return err
}

func (d *fileDevice) WriteBlock(b common.Block, buf []byte) error {
	if len(buf) != d.blockSize {
		return fmt.Errorf("blockcache: buffer size %d != block size %d", len(buf), d.blockSize)
	}
	off := int64(b) * int64(d.blockSize)
	_, err := d.f.WriteAt(buf, off)
	return err
}

// Sync implements the commit barrier using fdatasync rather than fsync: we
// only need data and the blocks needed to retrieve it flushed, not inode
// metadata such as mtimes.
func (d *fileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Fdatasync(int(d.f.Fd()))
}

func (d *fileDevice) NrBlocks() uint64 { return d.nrBlocks }
func (d *fileDevice) BlockSize() int   { return d.blockSize }

func (d *fileDevice) Close() error {
	err := d.f.Close()
	d.lock.Unlock()
	return err
}

// MemDevice is an in-memory BlockDevice used by tests and by callers that
// want to exercise the cache/space-map/B-tree stack without touching disk.
type MemDevice struct {
	mu        sync.Mutex
	blocks    [][]byte
	blockSize int
}

func NewMemDevice(blockSize int, nrBlocks uint64) *MemDevice {
	blocks := make([][]byte, nrBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemDevice{blocks: blocks, blockSize: blockSize}
}

func (d *MemDevice) ReadBlock(b common.Block, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(b) >= len(d.blocks) {
		return fmt.Errorf("blockcache: block %d out of range", b)
	}
	copy(buf, d.blocks[b])
	return nil
}

func (d *MemDevice) WriteBlock(b common.Block, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(b) >= len(d.blocks) {
		return fmt.Errorf("blockcache: block %d out of range", b)
	}
	copy(d.blocks[b], buf)
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) NrBlocks() uint64 { return uint64(len(d.blocks)) }
func (d *MemDevice) BlockSize() int   { return d.blockSize }
func (d *MemDevice) Close() error     { return nil }
