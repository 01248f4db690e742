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

// dmhsmctl administers an HSM metadata store offline: it creates a fresh
// store on a metadata device, reports the usage a running target would
// show in its status line, and walks the on-disk mapping for internal
// consistency the way a thin-provisioning-tools style check tool would.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/akiradeveloper/dmpdata/internal/log"
)

var (
	metaDevFlag = &cli.StringFlag{
		Name:     "meta-dev",
		Usage:    "path to the metadata device or file",
		Required: true,
	}
	dataDevFlag = &cli.StringFlag{
		Name:  "data-dev",
		Usage: "path to the fast data device or file (required by create)",
	}
	blockSizeFlag = &cli.IntFlag{
		Name:  "block-size",
		Usage: "cache block size in bytes",
		Value: 4096,
	}
	cacheSizeFlag = &cli.IntFlag{
		Name:  "cache-size",
		Usage: "expected number of resident cache blocks (sizes the B-tree node cache, not the pool itself)",
		Value: 1024,
	}
	dataBlocksFlag = &cli.IntFlag{
		Name:  "data-blocks",
		Usage: "number of block-size pool blocks on the data device; 0 derives it from the data device's size",
	}
)

func main() {
	app := &cli.App{
		Name:  "dmhsmctl",
		Usage: "create, inspect and check an HSM metadata store",
		Commands: []*cli.Command{
			createCommand,
			statusCommand,
			checkCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) error {
	log.Error(fmt.Sprintf(format, args...))
	return cli.Exit("", 1)
}
