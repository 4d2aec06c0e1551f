// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const defaultLogLevel = "info"

func newLogger(writer io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(
		writer,
		&slog.HandlerOptions{
			Level: level,
		},
	))
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, &UsageError{
			msg: "log level",
			err: fmt.Errorf("%w: %s", ErrUnknownLogLevel, s),
		}
	}
}
