// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"errors"
)

var (
	// ErrNoCommand is returned if a request has no command.
	ErrNoCommand = errors.New("no command given")

	// ErrStdinArity is returned if stdin redirection is requested for a
	// command that does not consist of exactly a binary and an input file.
	ErrStdinArity = errors.New("stdin mode requires exactly a binary and an input file")

	// ErrInvalidEnvName is returned for environment variable names that can
	// not be used in a shell assignment.
	ErrInvalidEnvName = errors.New("invalid environment variable name")

	// ErrNoRecordingPath is returned if a request has no recording path.
	ErrNoRecordingPath = errors.New("no recording path given")

	// ErrFreshBootCommand is returned if a command is given for a fresh boot
	// recording. There is no console to run it.
	ErrFreshBootCommand = errors.New("fresh boot recordings can not run a command")
)

// RequestError indicates an invalid [Request]. It is returned before any
// emulator is started.
type RequestError struct {
	Err error
}

// Error implements the [error] interface.
func (e *RequestError) Error() string {
	return "invalid request: " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*RequestError) Is(other error) bool {
	_, ok := other.(*RequestError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *RequestError) Unwrap() error {
	return e.Err
}
