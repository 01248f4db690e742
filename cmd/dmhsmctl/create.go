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

package main

import (
	"github.com/urfave/cli/v2"

	"github.com/akiradeveloper/dmpdata/blockcache"
	"github.com/akiradeveloper/dmpdata/hsmmeta"
	"github.com/akiradeveloper/dmpdata/internal/log"
)

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "initialize a fresh HSM metadata store on meta-dev, sized for data-dev",
	Flags: []cli.Flag{
		metaDevFlag,
		dataDevFlag,
		blockSizeFlag,
		cacheSizeFlag,
		dataBlocksFlag,
		&cli.Uint64Flag{
			Name:  "meta-blocks",
			Usage: "number of block-size blocks to allocate for the metadata device itself",
			Value: 4096,
		},
	},
	Action: runCreate,
}

func runCreate(c *cli.Context) error {
	metaPath := c.String(metaDevFlag.Name)
	dataPath := c.String(dataDevFlag.Name)
	if dataPath == "" {
		return fatalf("create requires --data-dev")
	}
	blockSize := c.Int(blockSizeFlag.Name)

	dataBlocks := uint64(c.Int(dataBlocksFlag.Name))
	dataDev, err := openSized(dataPath, blockSize, dataBlocks, dataBlocks != 0)
	if err != nil {
		return fatalf("open data device: %v", err)
	}
	defer dataDev.Close()
	if dataBlocks == 0 {
		dataBlocks = dataDev.NrBlocks()
	}

	metaDev, err := blockcache.OpenFile(metaPath, blockSize, c.Uint64("meta-blocks"), true)
	if err != nil {
		return fatalf("open metadata device: %v", err)
	}
	defer metaDev.Close()

	meta, err := hsmmeta.Open(metaDev, c.Int(cacheSizeFlag.Name), uint32(blockSize), dataBlocks)
	if err != nil {
		return fatalf("create metadata store: %v", err)
	}
	defer meta.Close()

	if err := meta.Commit(); err != nil {
		return fatalf("commit fresh superblock: %v", err)
	}

	log.Info("hsm metadata store created", "meta_dev", metaPath, "data_dev", dataPath,
		"block_size", blockSize, "data_blocks", dataBlocks)
	return nil
}
