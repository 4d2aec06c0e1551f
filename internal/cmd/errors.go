// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCommand is returned if neither arguments nor --cmd are given.
	ErrNoCommand = errors.New("no guest command given")

	// ErrNoReplayBase is returned for fresh boot recordings without
	// --replay-base.
	ErrNoReplayBase = errors.New("fresh boot recordings require --replay-base")

	// ErrDuplicateRun is returned if batch runs would share a replay
	// directory or, when run in parallel, a disk image.
	ErrDuplicateRun = errors.New("runs share resources")

	// ErrUnknownLogLevel is returned for invalid --log-level values.
	ErrUnknownLogLevel = errors.New("unknown log level")
)

// UsageError wraps errors caused by invalid command line usage or
// configuration.
type UsageError struct {
	err error
	msg string
}

func (e *UsageError) Error() string {
	if e.err == nil {
		return e.msg
	}

	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *UsageError) Is(other error) bool {
	_, ok := other.(*UsageError)
	return ok
}

func (e *UsageError) Unwrap() error {
	return e.err
}
