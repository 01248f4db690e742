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

package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akiradeveloper/dmpdata/common"
)

func TestSeqDetectorFlipsToSequentialAfterThreshold(t *testing.T) {
	d := NewSeqDetector()
	d.SetThreshold(4)

	require.False(t, d.IsSequential(0))
	for i := common.LogicalBlock(0); i < 5; i++ {
		d.Observe(i, BioHint{})
	}
	require.True(t, d.IsSequential(0))
}

func TestSeqDetectorGapResetsCount(t *testing.T) {
	d := NewSeqDetector()
	d.SetThreshold(4)

	d.Observe(0, BioHint{})
	d.Observe(1, BioHint{})
	d.Observe(2, BioHint{})
	// Not contiguous: skips ahead instead of extending by exactly one.
	d.Observe(100, BioHint{})
	d.Observe(1, BioHint{})
	d.Observe(2, BioHint{})
	d.Observe(3, BioHint{})
	require.False(t, d.IsSequential(0), "a single gap must reset the run before it reaches threshold")
}

func TestSeqDetectorDropsBackToRandom(t *testing.T) {
	d := NewSeqDetector()
	d.SetThreshold(2)

	d.Observe(0, BioHint{})
	d.Observe(1, BioHint{})
	d.Observe(2, BioHint{})
	require.True(t, d.IsSequential(0))

	// 4 random (non-contiguous) samples flip it back.
	d.Observe(50, BioHint{})
	d.Observe(60, BioHint{})
	d.Observe(70, BioHint{})
	d.Observe(80, BioHint{})
	require.False(t, d.IsSequential(0))
}
