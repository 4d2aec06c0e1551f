// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package record creates execution recordings of guest commands.
//
// The [Orchestrator] stages the command's input files in the guest, types the
// command into the guest console without executing it, starts the recording,
// releases the command and ends the recording once the guest prompt returns.
// Typing the command before the recording starts keeps the keystrokes out of
// the recording.
package record
