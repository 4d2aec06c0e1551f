// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"errors"
)

var (
	// ErrLaunchTimeout is returned if the control sockets did not appear or
	// the initial prompts did not arrive within the startup timeout.
	ErrLaunchTimeout = errors.New("launch timed out")

	// ErrEmulatorExited is returned if the emulator process terminated while
	// the session was still being set up.
	ErrEmulatorExited = errors.New("emulator exited prematurely")

	// ErrProcessShutdownStall is returned if the emulator did not exit within
	// the grace period and had to be terminated.
	ErrProcessShutdownStall = errors.New("emulator did not exit in time")

	// ErrInvalidState is returned if an operation is not allowed in the
	// current [State] of the [Session].
	ErrInvalidState = errors.New("invalid session state")

	// ErrNoConsole is returned for console operations on a session without
	// console, which is the case when booting fresh.
	ErrNoConsole = errors.New("session has no console")

	// ErrUnquotablePath is returned for paths that can not be passed as
	// double quoted monitor command argument.
	ErrUnquotablePath = errors.New("path contains quote or line break")

	// ErrArgumentCollision is returned if two [Argument]s are considered equal.
	ErrArgumentCollision = errors.New("colliding args")
)

// ConfigError indicates an invalid [SessionConfig]. It is always returned
// before any process is spawned.
type ConfigError struct {
	msg string
	err error
}

// Error implements the [error] interface.
func (e *ConfigError) Error() string {
	if e.err == nil {
		return "config error: " + e.msg
	}

	return "config error: " + e.msg + ": " + e.err.Error()
}

// Is implements the [errors.Is] interface.
func (*ConfigError) Is(other error) bool {
	_, ok := other.(*ConfigError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ConfigError) Unwrap() error {
	return e.err
}

// SessionError wraps any error occurred during a [Session] operation.
type SessionError struct {
	Op    string
	State State
	Err   error
}

// Error implements the [error] interface.
func (e *SessionError) Error() string {
	return "qemu " + e.Op + " (" + e.State.String() + "): " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*SessionError) Is(other error) bool {
	_, ok := other.(*SessionError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *SessionError) Unwrap() error {
	return e.Err
}
