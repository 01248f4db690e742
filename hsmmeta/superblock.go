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

// Package hsmmeta implements the HSM metadata store of section 4.5: the
// superblock, the forward (device, logical block) -> (pool block, flags)
// mapping and the reverse (device, pool block) -> logical block mapping,
// both built as btree.MultiTree instances over a shared
// *transaction.Manager, plus the provisioning bump-pointer and the
// process-wide handle cache callers open/close metadata devices through.
package hsmmeta

import (
	"encoding/binary"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/common"
)

const (
	superblockMagic uint32 = 0x484d534d // "HSMM"
	superblockBlock         = common.Block(0)

	sbHeaderSize = 16 // csum(4) + magic(4) + blocknr(8), superblockValidator's layout
	smRootSize   = 32 // matches spacemap.Disk.RootSize()

	sbVersion        = 1
	sbPayloadSize    = 8*8 + smRootSize
	sbOffVersion     = 0
	sbOffMetaBlkSize = 8
	sbOffMetaNrBlks  = 16
	sbOffDataBlkSize = 24
	sbOffDataNrBlks  = 32
	sbOffFirstFree   = 40
	sbOffForwardRoot = 48
	sbOffReverseRoot = 56
	sbOffSMRoot      = 64
)

// superblockValidator stamps/checks the superblock block the same way any
// other self-describing block is (section 4.1): checksum over everything
// past the first 4 bytes, a magic, and a self-address — here the
// self-address is always zero, since the superblock always lives at
// block 0.
func superblockValidator() blockcache.Validator {
	return blockcache.NodeValidator{Magic: superblockMagic, MagicOffset: 4, BlocknrOffset: 8}
}

// superblock mirrors section 3's layout:
// {magic, version, metadata_block_size, metadata_nr_blocks, data_block_size,
//  data_nr_blocks, first_free_block, forward_root, reverse_root, sm_root...}
type superblock struct {
	Version           uint32
	MetadataBlockSize uint32
	MetadataNrBlocks  uint64
	DataBlockSize     uint32
	DataNrBlocks      uint64
	FirstFreeBlock    uint64
	ForwardRoot       common.Block
	ReverseRoot       common.Block
	SMRoot            []byte
}

func encodeSuperblock(sb *superblock, buf []byte) {
	p := buf[sbHeaderSize:]
	binary.LittleEndian.PutUint64(p[sbOffVersion:], uint64(sb.Version))
	binary.LittleEndian.PutUint64(p[sbOffMetaBlkSize:], uint64(sb.MetadataBlockSize))
	binary.LittleEndian.PutUint64(p[sbOffMetaNrBlks:], sb.MetadataNrBlocks)
	binary.LittleEndian.PutUint64(p[sbOffDataBlkSize:], uint64(sb.DataBlockSize))
	binary.LittleEndian.PutUint64(p[sbOffDataNrBlks:], sb.DataNrBlocks)
	binary.LittleEndian.PutUint64(p[sbOffFirstFree:], sb.FirstFreeBlock)
	binary.LittleEndian.PutUint64(p[sbOffForwardRoot:], uint64(sb.ForwardRoot))
	binary.LittleEndian.PutUint64(p[sbOffReverseRoot:], uint64(sb.ReverseRoot))
	copy(p[sbOffSMRoot:sbOffSMRoot+smRootSize], sb.SMRoot)
}

func decodeSuperblock(buf []byte) *superblock {
	p := buf[sbHeaderSize:]
	sb := &superblock{
		Version:           uint32(binary.LittleEndian.Uint64(p[sbOffVersion:])),
		MetadataBlockSize: uint32(binary.LittleEndian.Uint64(p[sbOffMetaBlkSize:])),
		MetadataNrBlocks:  binary.LittleEndian.Uint64(p[sbOffMetaNrBlks:]),
		DataBlockSize:     uint32(binary.LittleEndian.Uint64(p[sbOffDataBlkSize:])),
		DataNrBlocks:      binary.LittleEndian.Uint64(p[sbOffDataNrBlks:]),
		FirstFreeBlock:    binary.LittleEndian.Uint64(p[sbOffFirstFree:]),
		ForwardRoot:       common.Block(binary.LittleEndian.Uint64(p[sbOffForwardRoot:])),
		ReverseRoot:       common.Block(binary.LittleEndian.Uint64(p[sbOffReverseRoot:])),
	}
	sb.SMRoot = append([]byte(nil), p[sbOffSMRoot:sbOffSMRoot+smRootSize]...)
	return sb
}

func isZeroBlock(buf []byte) bool {
	for _, b := range buf[:sbHeaderSize+8] {
		if b != 0 {
			return false
		}
	}
	return true
}
