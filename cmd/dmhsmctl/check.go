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

	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/hsmmeta"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
)

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "walk the reverse map of one device and verify every entry has a matching forward mapping",
	Flags: []cli.Flag{
		metaDevFlag,
		blockSizeFlag,
		cacheSizeFlag,
		dataBlocksFlag,
		&cli.Uint64Flag{
			Name:  "device",
			Usage: "device id to check",
		},
	},
	Action: runCheck,
}

func runCheck(c *cli.Context) error {
	metaPath := c.String(metaDevFlag.Name)
	blockSize := c.Int(blockSizeFlag.Name)
	dev := common.DeviceID(c.Uint64("device"))

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
	var checked, broken int
	for i := uint64(0); i < total; i++ {
		pblock := common.DataBlock(i)
		lblock, err := meta.LookupReverse(dev, pblock, true)
		if err == dmerr.ErrNotFound {
			continue
		}
		if err != nil {
			return fatalf("lookup reverse block %d: %v", i, err)
		}
		checked++

		fwd, _, err := meta.Lookup(dev, lblock, true)
		if err != nil {
			broken++
			fmt.Printf("inconsistent: pool block %d -> logical %d, but forward lookup failed: %v\n", i, lblock, err)
			continue
		}
		if fwd != pblock {
			broken++
			fmt.Printf("inconsistent: pool block %d -> logical %d -> pool block %d (expected %d)\n", i, lblock, fwd, i)
		}
	}

	fmt.Printf("checked %d resident mappings, %d inconsistent\n", checked, broken)
	if broken > 0 {
		return cli.Exit("check found inconsistencies", 1)
	}
	return nil
}
