// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"slices"

	"github.com/stretchr/testify/assert"
)

// CommandLineAssertionFunc returns an [assert.ComparisonAssertionFunc] that
// asserts the value following the argument with the given name in a command
// line as returned by [SessionConfig.CommandLine].
func CommandLineAssertionFunc(
	name string,
	assertion assert.ComparisonAssertionFunc,
) assert.ComparisonAssertionFunc {
	return func(t assert.TestingT, arg1, arg2 any, arg3 ...any) bool {
		cmdline, ok := arg1.([]string)
		if !assert.True(t, ok, "first argument should be []string") {
			return false
		}

		idx := slices.Index(cmdline, "-"+name)
		if idx == -1 || idx+1 >= len(cmdline) {
			return assert.Fail(t, "Argument not found", name)
		}

		return assertion(t, cmdline[idx+1], arg2, arg3...)
	}
}
