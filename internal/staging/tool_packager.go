// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
)

// ToolPackager creates images with the platform's packaging tool:
// genisoimage on Linux and hdiutil on macOS.
//
// Rock Ridge and Joliet extensions are used, so file names are kept as is.
type ToolPackager struct {
	// GOOS selects the tool. Defaults to [runtime.GOOS].
	GOOS string

	// Output of the tool. Defaults to [io.Discard].
	Output io.Writer

	Logger *slog.Logger
}

func (p *ToolPackager) goos() string {
	if p.GOOS == "" {
		return runtime.GOOS
	}

	return p.GOOS
}

// Command returns the command line that packages dir into image.
func (p *ToolPackager) Command(dir, image string) ([]string, error) {
	switch p.goos() {
	case "linux":
		return []string{
			"genisoimage", "-RJ", "-max-iso9660-filenames", "-o", image, dir,
		}, nil
	case "darwin":
		return []string{
			"hdiutil", "makehybrid", "-hfs", "-joliet", "-iso", "-o", image, dir,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrPackagingUnsupported, p.goos())
	}
}

// Available returns true if the tool for the platform can be found in PATH.
func (p *ToolPackager) Available() bool {
	cmdline, err := p.Command("", "")
	if err != nil {
		return false
	}

	_, err = exec.LookPath(cmdline[0])

	return err == nil
}

// Package implements [Packager].
func (p *ToolPackager) Package(ctx context.Context, dir, image string) error {
	cmdline, err := p.Command(dir, image)
	if err != nil {
		return &Error{Op: "package", Err: err}
	}

	path, err := exec.LookPath(cmdline[0])
	if err != nil {
		return &Error{
			Op:  "package",
			Err: fmt.Errorf("%w: %w", ErrPackagingUnsupported, err),
		}
	}

	output := p.Output
	if output == nil {
		output = io.Discard
	}

	cmd := exec.CommandContext(ctx, path, cmdline[1:]...)
	cmd.Stdout = output
	cmd.Stderr = output

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("Packaging image", slog.String("command", cmd.String()))

	err = cmd.Run()
	if err != nil {
		return &Error{Op: "package", Err: fmt.Errorf("%s: %w", cmdline[0], err)}
	}

	return nil
}

// GuestName implements [Packager]. Names are kept by the tools.
func (*ToolPackager) GuestName(rel string) string {
	return rel
}
