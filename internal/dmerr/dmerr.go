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

// Package dmerr carries the error kinds from the error handling design
// (section 7 of the specification this repository implements): NoSpace,
// WouldBlock, NotFound, IoError, ChecksumMismatch, SelfAddressMismatch,
// InvalidSuperblock, InvalidArgument and OutOfMemory. Where a package
// reports one of these kinds it returns the sentinel, directly or wrapped
// with fmt.Errorf("...: %w", ...), so callers can recover the kind with
// errors.Is; other failures (a dec of a free block, a full recursive
// allocation queue, a rebind size mismatch) are plain fmt.Errorf errors
// that match none of them.
package dmerr

import "errors"

var (
	// ErrNoSpace is returned by a space-map allocation that found no clear
	// bit in its search range. Normal backpressure signal from an HSM
	// insert; propagates as a hard failure from a transaction-manager
	// shadow.
	ErrNoSpace = errors.New("dmpdata: no space")

	// ErrWouldBlock is returned by the non-blocking lock path (read_try_lock,
	// the non-blocking transaction-manager clone) instead of sleeping.
	ErrWouldBlock = errors.New("dmpdata: would block")

	// ErrNotFound is returned by a lookup that found no matching key.
	ErrNotFound = errors.New("dmpdata: not found")

	// ErrIO wraps an underlying block-device I/O failure.
	ErrIO = errors.New("dmpdata: io error")

	// ErrChecksumMismatch is returned by a validator's check() when the
	// stored CRC32C does not match the computed one.
	ErrChecksumMismatch = errors.New("dmpdata: checksum mismatch")

	// ErrSelfAddressMismatch is returned by a validator's check() when the
	// block's stamped blocknr does not match the address it was read from.
	ErrSelfAddressMismatch = errors.New("dmpdata: self-address mismatch")

	// ErrInvalidSuperblock is returned when the superblock magic/version
	// does not match what this implementation understands.
	ErrInvalidSuperblock = errors.New("dmpdata: invalid superblock")

	// ErrInvalidArgument flags a caller mistake (e.g. a non power-of-two
	// block size) distinct from a runtime/storage failure.
	ErrInvalidArgument = errors.New("dmpdata: invalid argument")

	// ErrOutOfMemory is returned when an in-memory allocation (e.g. growing
	// the uncommitted-ops ring) would exceed its configured bound.
	ErrOutOfMemory = errors.New("dmpdata: out of memory")
)
