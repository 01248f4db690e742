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
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/akiradeveloper/dmpdata/hsmmeta"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "report pool usage from an existing metadata store, offline",
	Flags: []cli.Flag{
		metaDevFlag,
		blockSizeFlag,
		cacheSizeFlag,
		dataBlocksFlag,
	},
	Action: runStatus,
}

func runStatus(c *cli.Context) error {
	metaPath := c.String(metaDevFlag.Name)
	blockSize := c.Int(blockSizeFlag.Name)

	metaDev, err := openSized(metaPath, blockSize, 0, false)
	if err != nil {
		return fatalf("open metadata device: %v", err)
	}
	defer metaDev.Close()

	meta, err := hsmmeta.Open(metaDev, c.Int(cacheSizeFlag.Name), uint32(blockSize), uint64(c.Int(dataBlocksFlag.Name)))
	if err != nil {
		return fatalf("open metadata store: %v", err)
	}
	defer meta.Close()

	total := meta.GetDataDevSize()
	used := meta.GetProvisionedBlocks()
	var pct float64
	if total > 0 {
		pct = 100 * float64(used) / float64(total)
	}
	fmt.Printf("pool blocks: %d/%d used (%.1f%%)\n", used, total, pct)
	return nil
}
