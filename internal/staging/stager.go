// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package staging

import (
	"context"
	"log/slog"
	"time"

	"github.com/kballard/go-shellquote"
)

const (
	// DefaultGuestDevice is the block device the removable media shows up
	// as in the guest.
	DefaultGuestDevice = "/dev/cdrom"

	// DefaultConsoleTimeout bounds each staging command in the guest.
	DefaultConsoleTimeout = 30 * time.Second

	// SetupScriptName is the script in the area that is run in the guest
	// before the recorded command, if present.
	SetupScriptName = "setup.sh"

	mountRetryDelay = "0.3"
)

// Session is the part of an emulator session the [Stager] needs.
type Session interface {
	RunMonitor(cmd string) (string, error)
	RunConsole(cmd string, timeout time.Duration) (string, error)
}

// Stager makes the content of an [Area] available in a running guest.
type Stager struct {
	// Device is the emulator's name of the removable media drive, like
	// "ide1-cd0".
	Device string

	// GuestDevice is the guest's block device of the drive. Defaults to
	// [DefaultGuestDevice].
	GuestDevice string

	// ConsoleTimeout bounds each command run in the guest. The mount loop is
	// unbounded in the guest, so this also bounds how long the mount is
	// retried. Defaults to [DefaultConsoleTimeout].
	ConsoleTimeout time.Duration

	Logger *slog.Logger

	inserted string
}

func (s *Stager) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}

	return s.Logger
}

func (s *Stager) timeout() time.Duration {
	if s.ConsoleTimeout <= 0 {
		return DefaultConsoleTimeout
	}

	return s.ConsoleTimeout
}

func (s *Stager) guestDevice() string {
	if s.GuestDevice == "" {
		return DefaultGuestDevice
	}

	return s.GuestDevice
}

// Stage packages the area, inserts the image and mounts it in the guest at
// the area's path. Nothing happens if the area is empty.
//
// The image is packaged and inserted only once per [Stager]. Repeated calls
// only mount it again.
func (s *Stager) Stage(ctx context.Context, session Session, area *Area) error {
	empty, err := area.Empty()
	if err != nil {
		return err
	}

	if empty {
		s.logger().Debug("Staging area empty, nothing to stage",
			slog.String("dir", area.Dir()))

		return nil
	}

	image := area.ImagePath()

	if s.inserted != image {
		s.logger().Info("Creating image", slog.String("path", image))

		err := area.Packager().Package(ctx, area.Dir(), image)
		if err != nil {
			return err
		}

		s.logger().Info("Inserting image", slog.String("device", s.Device))

		_, err = session.RunMonitor(ChangeCommand(s.Device, image))
		if err != nil {
			return &Error{Op: "insert image", Err: err}
		}

		s.inserted = image
	}

	for _, cmd := range MountCommands(s.guestDevice(), area.Dir()) {
		_, err := session.RunConsole(cmd, s.timeout())
		if err != nil {
			return &Error{Op: "mount image", Err: err}
		}
	}

	return nil
}

// Setup runs the setup script of the area in the guest. A missing or failing
// script is ignored by the guest shell.
func (s *Stager) Setup(session Session, area *Area) error {
	_, err := session.RunConsole(SetupCommand(area.Dir()), s.timeout())
	if err != nil {
		return &Error{Op: "setup", Err: err}
	}

	return nil
}

// ChangeCommand returns the monitor command that inserts image into device.
func ChangeCommand(device, image string) string {
	return "change " + device + ` "` + image + `"`
}

// MountCommands returns the guest commands that mount the guest device at
// dir. The mount is retried until it succeeds, since the guest might
// auto-mount the media somewhere else first.
func MountCommands(guestDevice, dir string) []string {
	quotedDir := shellquote.Join(dir)
	quotedDevice := shellquote.Join(guestDevice)

	return []string{
		"mkdir -p " + quotedDir,
		"while ! mount " + quotedDevice + " " + quotedDir + "; " +
			"do sleep " + mountRetryDelay + "; umount " + quotedDevice + "; done",
	}
}

// SetupCommand returns the guest command that runs the setup script in dir.
func SetupCommand(dir string) string {
	return shellquote.Join(dir) + "/" + SetupScriptName + " &> /dev/null || true"
}
