// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aibor/vmrecord/internal/arch"
	"github.com/aibor/vmrecord/internal/qemu"
	"github.com/aibor/vmrecord/internal/record"
)

// Exit codes of [Run].
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// IO provides input and output details for the command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func isUsageError(err error) bool {
	return errors.Is(err, &UsageError{}) ||
		errors.Is(err, &qemu.ConfigError{}) ||
		errors.Is(err, &record.RequestError{}) ||
		errors.Is(err, arch.ErrUnknown) ||
		errors.Is(err, arch.ErrIncomplete)
}

func handleRunError(logger *slog.Logger, err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		logger.Warn("Interrupted", slog.Any("error", err))
		return ExitInterrupted
	case isUsageError(err):
		logger.Error(err.Error())
		return ExitUsage
	default:
		logger.Error(err.Error())
		return ExitFailure
	}
}

// Run is the main entry point for the CLI command. Relative paths are
// resolved against the current working directory, which is also where the
// replays directory is created.
func Run(ctx context.Context, args []string, cfg IO) int {
	workDir, err := os.Getwd()
	if err != nil {
		slog.Error("Get working directory", slog.Any("error", err))
		return ExitFailure
	}

	return run(ctx, args, cfg, workDir)
}

func run(ctx context.Context, args []string, cfg IO, workDir string) int {
	a := newApp(cfg, workDir)

	root := newRootCommand(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)

	// Cancellation kills the emulator, which usually surfaces as a channel
	// read error first.
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		err = fmt.Errorf("%w: %w", context.Canceled, err)
	}

	return handleRunError(a.logger, err)
}
