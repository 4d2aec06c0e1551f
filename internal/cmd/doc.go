// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the CLI command entry point for vmrecord. It handles
// flag parsing, configuration, logging setup and the mapping of errors to
// exit codes.
package cmd
