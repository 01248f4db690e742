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

import "strings"

// stackDelim separates the shim names in a policy stack string, e.g.
// "cleaner+mq" wraps a "cleaner" shim around the base "mq" policy.
const stackDelim = '+'

// Segment describes one policy in a stack for the purposes of composing
// the stack's canonical, on-disk name: a base policy or a shim wrapping
// the rest of the stack.
type Segment struct {
	Name     string
	HintSize int
	// HasChild is true for every segment but the last (the base policy
	// at the bottom of the stack).
	HasChild bool
}

// IsPolicyStackString reports whether s names a stack of more than one
// policy rather than a single policy: it must contain the delimiter
// somewhere other than as its final character, matching the original
// kernel driver's disambiguation between a bare policy name that happens
// to end in '+' and an actual multi-segment stack.
func IsPolicyStackString(s string) bool {
	i := strings.IndexByte(s, stackDelim)
	return i >= 0 && i != len(s)-1
}

// SplitPolicyStackString splits a '+'-delimited policy stack string into
// its ordered segment names, outermost shim first and base policy last.
func SplitPolicyStackString(s string) []string {
	return strings.Split(s, string(stackDelim))
}

// CanonicalStackName composes the name used to identify a policy stack in
// persisted metadata. Shims that carry no hint data of their own are
// dropped from the name (and from the hint-size total) whenever they are
// not the bottom of the stack, so a debug/tracing shim with no state of
// its own can be added or removed above a real policy without the
// on-disk metadata looking like it belongs to a different policy.
func CanonicalStackName(segs []Segment) (name string, totalHintSize int) {
	var b strings.Builder
	for _, s := range segs {
		if s.HintSize == 0 && s.HasChild {
			continue
		}
		b.WriteString(s.Name)
		totalHintSize += s.HintSize
	}
	return b.String(), totalHintSize
}
