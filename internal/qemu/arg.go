// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"slices"
	"strings"
)

// Argument is an emulator argument with or without value.
//
// Its name might be marked unique. A unique argument must not show up twice
// in a single emulator command line, regardless of its value.
type Argument struct {
	name          string
	value         string
	nonUniqueName bool
}

// String implements [fmt.Stringer].
func (a Argument) String() string {
	s := "-" + a.name
	if a.value != "" {
		s += " " + a.value
	}

	return s
}

// Name returns the name of the [Argument].
func (a Argument) Name() string {
	return a.name
}

// Value returns the value of the [Argument].
func (a Argument) Value() string {
	return a.value
}

// UniqueName returns if the name of the [Argument] must be unique.
func (a Argument) UniqueName() bool {
	return !a.nonUniqueName
}

// Collides reports whether both [Argument]s can not be used together.
//
// Arguments with different names never collide. With the same name, they
// collide if any of them is unique or if the values are equal as well.
func (a Argument) Collides(other Argument) bool {
	if a.name != other.name {
		return false
	}

	if !a.nonUniqueName || !other.nonUniqueName {
		return true
	}

	return a.value == other.value
}

// UniqueArg returns a new [Argument] with the given name that is marked as
// unique. Multiple values are joined with ",".
func UniqueArg(name string, value ...string) Argument {
	return Argument{
		name:  name,
		value: strings.Join(value, ","),
	}
}

// RepeatableArg returns a new [Argument] with the given name that may be used
// multiple times with different values.
func RepeatableArg(name string, value ...string) Argument {
	return Argument{
		name:          name,
		value:         strings.Join(value, ","),
		nonUniqueName: true,
	}
}

// ParseArguments converts a plain argument list, like "-M versatilepb -kernel
// /path", into [Argument]s.
//
// Each element starting with "-" starts a new argument. An element following
// it that does not start with "-" is used as its value. All resulting
// arguments are repeatable, so only collisions with the essential session
// arguments or exact duplicates are detected by [BuildArgumentStrings].
func ParseArguments(list []string) ([]Argument, error) {
	args := make([]Argument, 0, len(list))

	for idx := 0; idx < len(list); idx++ {
		name, isName := strings.CutPrefix(list[idx], "-")
		if !isName || name == "" {
			return nil, &ConfigError{
				msg: fmt.Sprintf("extra argument %q: expected name", list[idx]),
			}
		}

		arg := RepeatableArg(name)

		if next := idx + 1; next < len(list) && !strings.HasPrefix(list[next], "-") {
			arg.value = list[next]
			idx = next
		}

		args = append(args, arg)
	}

	return args, nil
}

// BuildArgumentStrings compiles the [Argument]s into a slice of strings that
// can be used with [exec.Command].
//
// It returns an error wrapping [ErrArgumentCollision] if any two arguments
// collide.
func BuildArgumentStrings(args []Argument) ([]string, error) {
	argStrings := make([]string, 0, len(args)*2)

	for idx, arg := range args {
		if i := slices.IndexFunc(args[:idx], arg.Collides); i != -1 {
			return nil, fmt.Errorf(
				"%w: %s, %s",
				ErrArgumentCollision,
				args[i].String(),
				arg.String(),
			)
		}

		argStrings = append(argStrings, "-"+arg.name)

		if arg.value != "" {
			argStrings = append(argStrings, arg.value)
		}
	}

	return argStrings, nil
}
