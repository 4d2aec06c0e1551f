// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import "slices"

// State is the lifecycle state of a [Session].
type State int

// Session states. A session moves strictly forward, except between
// [StateReady] and [StateRecording].
const (
	StateCreated State = iota
	StateLaunching
	StateReady
	StateRecording
	StateClosing
	StateClosed
	StateErrored
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateLaunching: "launching",
	StateReady:     "ready",
	StateRecording: "recording",
	StateClosing:   "closing",
	StateClosed:    "closed",
	StateErrored:   "errored",
}

// String implements [fmt.Stringer].
func (s State) String() string {
	name, exists := stateNames[s]
	if !exists {
		return "unknown"
	}

	return name
}

// in returns true if s is one of the given states.
func (s State) in(states ...State) bool {
	return slices.Contains(states, s)
}

// operational returns true if channel operations are allowed.
func (s State) operational() bool {
	return s.in(StateReady, StateRecording)
}
