// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package staging

import (
	"context"
	"fmt"
	"log/slog"
)

// Packager kinds accepted by [NewPackager].
const (
	PackagerAuto    = "auto"
	PackagerTool    = "tool"
	PackagerBuiltin = "builtin"
)

// Packager creates an ISO image from a directory.
type Packager interface {
	// Package writes the content of dir into a new image at the given path.
	Package(ctx context.Context, dir, image string) error

	// GuestName returns the path a file with the given path relative to the
	// packaged directory has relative to the mount point in the guest.
	GuestName(rel string) string
}

// NewPackager returns the [Packager] of the given kind.
//
// [PackagerAuto] selects the [ToolPackager] if its tool is available on the
// host and falls back to the [ISO9660Packager] otherwise.
func NewPackager(kind string, logger *slog.Logger) (Packager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tool := &ToolPackager{Logger: logger}

	switch kind {
	case PackagerTool:
		return tool, nil
	case PackagerBuiltin:
		return &ISO9660Packager{}, nil
	case PackagerAuto, "":
		if tool.Available() {
			return tool, nil
		}

		logger.Debug("No packaging tool found, using builtin ISO writer")

		return &ISO9660Packager{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackager, kind)
	}
}
