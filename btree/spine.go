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

package btree

import "github.com/akiradeveloper/dmpdata/common"

// roSpine holds read locks during a read-only descent. At most two blocks
// are held at once (current + parent); stepping releases the grandparent.
// This is a fixed-capacity window, not a lifetime tied to recursion depth,
// per the design note in section 9.
type roSpine struct {
	store   NodeStore
	nodes   []Node
	nonBlk  bool
}

func newROSpine(store NodeStore, nonBlocking bool) *roSpine {
	return &roSpine{store: store, nonBlk: nonBlocking}
}

func (s *roSpine) step(b common.Block) (*node, error) {
	var n Node
	var err error
	if s.nonBlk {
		n, err = s.store.TryReadNode(b)
	} else {
		n, err = s.store.ReadNode(b)
	}
	if err != nil {
		return nil, err
	}
	if len(s.nodes) == 2 {
		s.store.Unlock(s.nodes[0])
		s.nodes = s.nodes[1:]
	}
	s.nodes = append(s.nodes, n)
	return newNode(n.Block, n.Data, 0), nil
}

func (s *roSpine) release() {
	for _, n := range s.nodes {
		s.store.Unlock(n)
	}
	s.nodes = nil
}
