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

package hsmtarget

import (
	"time"

	"github.com/akiradeveloper/dmpdata/common"
	"github.com/akiradeveloper/dmpdata/internal/dmerr"
	"github.com/akiradeveloper/dmpdata/internal/log"
	"github.com/akiradeveloper/dmpdata/policy"
)

func policyHintFor(flags uint8) policy.BioHint {
	return policy.BioHint{}
}

// recoverDirtyBlocks implements section 4.7's crash recovery: it walks
// every pool block in the reverse map and re-queues a flush for any
// whose persisted flags still carry Dirty. There is no separate
// write-ahead log; the last committed metadata state is the sole source
// of truth for what survived a crash.
func (t *Target) recoverDirtyBlocks() error {
	total := t.cfg.Meta.GetDataDevSize()
	var recovered int
	for i := uint64(0); i < total; i++ {
		cblock := common.DataBlock(i)
		oblock, err := t.cfg.Meta.LookupReverse(t.cfg.Device, cblock, true)
		if err == dmerr.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}

		_, flags, err := t.cfg.Meta.Lookup(t.cfg.Device, oblock, true)
		if err == dmerr.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if flags&flagDirty == 0 {
			continue
		}

		if err := t.cfg.Policy.LoadMapping(oblock, cblock, policyHintFor(flags)); err != nil {
			log.Warn("failed to reload mapping during recovery", "oblock", oblock, "err", err)
			continue
		}
		cb := t.getOrCreateCacheBlock(cblock, oblock)
		cb.uptodate = true
		cb.dirty = true
		cb.dirtySince = time.Now()
		t.cfg.Policy.SetDirty(cblock)
		recovered++
	}
	log.Info("crash recovery scan complete", "recovered_dirty_blocks", recovered, "scanned", total)
	return nil
}
