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
)

func TestIsPolicyStackString(t *testing.T) {
	require.True(t, IsPolicyStackString("mq+cleaner"))
	require.False(t, IsPolicyStackString("mq"))
	require.False(t, IsPolicyStackString("mq+"), "trailing delimiter is a single policy name, not a stack")
}

func TestCanonicalStackNameDropsHintlessShims(t *testing.T) {
	segs := []Segment{
		{Name: "tracer", HintSize: 0, HasChild: true},
		{Name: "mq", HintSize: 4, HasChild: false},
	}
	name, size := CanonicalStackName(segs)
	require.Equal(t, "mq", name)
	require.Equal(t, 4, size)
}

func TestCanonicalStackNameKeepsHintedShims(t *testing.T) {
	segs := []Segment{
		{Name: "cleaner", HintSize: 2, HasChild: true},
		{Name: "mq", HintSize: 4, HasChild: false},
	}
	name, size := CanonicalStackName(segs)
	require.Equal(t, "cleanermq", name)
	require.Equal(t, 6, size)
}
