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

// Bio is a single block-level I/O request submitted to the target, a
// deliberately small stand-in for the kernel's struct bio: a sector
// range, a data buffer and a completion channel.
type Bio struct {
	// Sector is the request's starting sector, relative to the target's
	// own mapped range; the target applies no base offset to it.
	Sector uint64
	// Length is the request length in bytes.
	Length uint32
	Data   []byte

	Write     bool
	Flush     bool
	FUA       bool
	Discard   bool
	ReadAhead bool

	done chan error
}

// NewBio builds a request ready for Target.Map. The caller retrieves the
// outcome with Wait.
func NewBio(sector uint64, length uint32, data []byte, write bool) *Bio {
	return &Bio{Sector: sector, Length: length, Data: data, Write: write, done: make(chan error, 1)}
}

// Wait blocks until the bio has been completed by the target (either
// served, rejected at Map time, or completed by EndIO) and returns its
// final status.
func (b *Bio) Wait() error {
	return <-b.done
}

func (b *Bio) complete(err error) {
	b.done <- err
}

// Submitted is Map's return value: it only promises the bio has been
// accepted into the pipeline (or already completed synchronously), not
// that the I/O itself is finished — the caller must still Wait.
type Submitted struct{}
