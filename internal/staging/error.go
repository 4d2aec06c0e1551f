// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package staging

import (
	"errors"
)

var (
	// ErrPackagingUnsupported is returned if no packaging tool is available
	// for the host platform.
	ErrPackagingUnsupported = errors.New("packaging unsupported on this platform")

	// ErrUnknownPackager is returned by [NewPackager] for an unknown kind.
	ErrUnknownPackager = errors.New("unknown packager")

	// ErrNameConflict is returned if two different host files would end up
	// with the same name in the staging area.
	ErrNameConflict = errors.New("file name conflict")
)

// Error wraps any failure while staging files for the guest.
type Error struct {
	Op  string
	Err error
}

// Error implements the [error] interface.
func (e *Error) Error() string {
	return "staging " + e.Op + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*Error) Is(other error) bool {
	_, ok := other.(*Error)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *Error) Unwrap() error {
	return e.Err
}
