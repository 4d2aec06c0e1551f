// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Command vmrecord records program executions inside an emulated guest.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aibor/vmrecord/internal/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
	)

	exitCode := cmd.Run(ctx, os.Args[1:], cmd.IO{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})

	cancel()
	os.Exit(exitCode)
}
