// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package expect provides a minimal send/expect primitive for line oriented
// text protocols, like the QEMU human monitor or a guest's serial shell.
//
// A [Channel] wraps a connected stream. Output is accumulated in a buffer and
// consumed up to and including the first occurrence of an expected pattern.
// There is no terminal emulation: all interactions are strictly request, then
// wait for prompt.
package expect
