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

// Package policy defines the cache policy interface consumed by the HSM
// target (section 4.6): the decision of which origin blocks are resident
// in the fast device, and which resident block to evict to make room for
// a new one. hsmtarget never hard-codes a policy; it's handed one at
// construction, the same plugin-style boundary the teacher draws around
// consensus engines.
package policy

import "github.com/akiradeveloper/dmpdata/common"

// Decision is the outcome of Map.
type Decision int

const (
	// Hit means oblock is already resident at the returned cache block.
	Hit Decision = iota
	// Miss means oblock is not resident and the policy declines to
	// migrate it in right now (e.g. it's not hot enough yet).
	Miss
	// New means oblock should be migrated into the returned, previously
	// unused cache block.
	New
	// Replace means oblock should be migrated into the returned cache
	// block, evicting OldOblock first.
	Replace
)

// Result is returned by Map.
type Result struct {
	Decision  Decision
	CBlock    common.DataBlock
	OldOblock common.LogicalBlock
	// NoSpace distinguishes a Miss caused by "every slot is busy and
	// nothing can be evicted right now" from a Miss that is the
	// policy's own choice not to migrate (e.g. a sequential stream).
	// A caller enforcing backpressure should park the reference and
	// retry once NoSpace clears rather than treat it as a normal miss.
	NoSpace bool
}

// BioHint carries the per-request signal a policy may use to bias its
// decision — e.g. a sequential-I/O detector's verdict (section 9's
// resolved Open Question on inclusive vs. exclusive windows).
type BioHint struct {
	Sequential bool
	Write      bool
}

// Policy is the abstract cache policy interface of section 4.6: Map must
// be non-blocking and allocate nothing, so it's safe to call from the
// bio-mapping hot path.
type Policy interface {
	// Map decides what to do about a reference to oblock. canMigrate
	// tells the policy whether now is an acceptable time to start a new
	// migration (suppressed e.g. during heavy writeback pressure);
	// discarded flags a block the target knows is provisioned but
	// logically empty.
	Map(oblock common.LogicalBlock, canMigrate, discarded bool, hint BioHint) (Result, error)

	// LoadMapping seeds a mapping recovered from metadata (e.g. at
	// startup) without going through the normal Map decision path.
	LoadMapping(oblock common.LogicalBlock, cblock common.DataBlock, hint BioHint) error

	// RemoveMapping drops a mapping the target has decided to evict or
	// invalidate out-of-band.
	RemoveMapping(oblock common.LogicalBlock)

	// ForceMapping overwrites whatever oblock mapped to (if anything)
	// with cblock, used when the target must pin a specific placement.
	ForceMapping(oblock common.LogicalBlock, cblock common.DataBlock) error

	// Residency reports whether oblock is currently resident, and where.
	Residency(oblock common.LogicalBlock) (common.DataBlock, bool)

	// Tick advances the policy's internal logical clock by one step, so
	// that a burst of references to the same block within one tick
	// counts as a single hit rather than inflating its heat.
	Tick()

	// WritebackWork returns, and marks as "in flight", up to n dirty
	// mappings the target should flush back to the origin device next.
	WritebackWork(n int) []WritebackEntry

	// SetDirty and ClearDirty adjust a resident block's dirty bit; a
	// clean block is never selected by WritebackWork.
	SetDirty(cblock common.DataBlock)
	ClearDirty(cblock common.DataBlock)
}

// WritebackEntry pairs a resident cache block with the origin block it
// must be copied out to.
type WritebackEntry struct {
	CBlock common.DataBlock
	OBlock common.LogicalBlock
}
