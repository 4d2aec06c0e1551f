// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package expect

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrTimeout is returned if an expected pattern did not show up in time.
	ErrTimeout = errors.New("timed out")

	// ErrClosed is returned for operations on a closed [Channel].
	ErrClosed = errors.New("channel closed")
)

// TimeoutError is returned by [Channel.Expect] if the pattern did not appear
// within the given timeout.
//
// It carries everything that was buffered so far, which usually tells what
// the other side was doing instead.
type TimeoutError struct {
	Channel  string
	Pattern  string
	Timeout  time.Duration
	Buffered string
}

// Error implements the [error] interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("channel %s: expect %s: %v after %s",
		e.Channel, strconv.Quote(e.Pattern), ErrTimeout, e.Timeout)
}

// Is implements the [errors.Is] interface.
func (*TimeoutError) Is(other error) bool {
	if other == ErrTimeout { //nolint:errorlint,err113
		return true
	}

	_, ok := other.(*TimeoutError)

	return ok
}

// Error wraps I/O errors of a [Channel].
type Error struct {
	Channel string
	Op      string
	Err     error
}

// Error implements the [error] interface.
func (e *Error) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Op, e.Err)
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
