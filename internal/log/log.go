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

// Package log is the structured, leveled logging facade used across the
// repository. It is a thin wrapper over log/slog so every package can call
// log.Info/Warn/Debug/Crit with alternating key-value pairs instead of
// constructing slog.Attr values by hand, mirroring the facade the teacher
// codebase builds on top of its own internal logger.
package log

import (
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetDefault replaces the handler used by the package-level helpers. Tests
// use this to silence or capture log output.
func SetDefault(l *slog.Logger) {
	root = l
}

func Trace(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// Crit logs at error level and then terminates the process. It is reserved
// for invariants that, once violated, make it unsafe for the current
// transaction to continue (a failed superblock write, a corrupt space map
// root) — the same usage the teacher reserves log.Crit for.
func Crit(msg string, ctx ...any) {
	root.Error(msg, ctx...)
	os.Exit(1)
}

// New returns a derived logger carrying a fixed set of attributes, used to
// tag all log lines from one transaction or one cache-block object.
func New(ctx ...any) *slog.Logger {
	return root.With(ctx...)
}
