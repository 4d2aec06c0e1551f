// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

const (
	// MonitorPrompt is printed by the monitor whenever it is ready to accept
	// the next command.
	MonitorPrompt = "(qemu)"

	// MonitorSocketName is the name of the monitor socket in the socket
	// directory.
	MonitorSocketName = "monitor"

	// ConsoleSocketName is the name of the serial console socket in the
	// socket directory.
	ConsoleSocketName = "serial"

	// DefaultSnapshot is the snapshot sessions resume from if none is given.
	DefaultSnapshot = "root"

	DefaultStartupTimeout = time.Minute
	DefaultMonitorTimeout = time.Minute
	DefaultShutdownGrace  = 3 * time.Second

	pollInterval = 100 * time.Millisecond
)

// Tracer is a tool the emulator is run with to record its own execution.
type Tracer int

const (
	// TracerNone runs the emulator directly.
	TracerNone Tracer = iota
	// TracerRR runs the emulator with "rr record".
	TracerRR
	// TracerPerf runs the emulator with "perf record".
	TracerPerf
)

// SessionConfig defines the parameters for a [Session].
type SessionConfig struct {
	// Path to the emulator binary.
	Executable string

	// Path to the guest disk image.
	Image string

	// Snapshot to resume the guest from. Ignored if FreshBoot is set.
	Snapshot string

	// Start the machine paused without loading a snapshot. There is no
	// console channel in this mode.
	FreshBoot bool

	// ExtraArgs are passed to the emulator after the essential arguments.
	// They must not collide with them.
	ExtraArgs []Argument

	// Run the emulator under "rr record". Mutually exclusive with Perf.
	RR bool

	// Run the emulator under "perf record". Mutually exclusive with RR.
	Perf bool

	// Prompt is the guest's shell prompt. It signals that the guest is ready
	// for the next command.
	Prompt string

	// SocketDir is the directory the control sockets are created in. If
	// empty, a private temporary directory is created and removed when the
	// session is closed.
	SocketDir string

	// Env is added to the environment of the emulator process.
	Env []string

	// StartupTimeout bounds the launch up to both prompts being received.
	StartupTimeout time.Duration

	// MonitorTimeout bounds each monitor command.
	MonitorTimeout time.Duration

	// ShutdownGrace is the time the emulator gets to exit before it is
	// terminated.
	ShutdownGrace time.Duration

	// Stdout and Stderr of the emulator process. Default to [io.Discard].
	Stdout io.Writer
	Stderr io.Writer

	// Transcript receives all data read from the control channels.
	Transcript io.Writer

	Logger *slog.Logger
}

// Tracer returns the [Tracer] requested by the config.
func (c *SessionConfig) Tracer() Tracer {
	switch {
	case c.RR:
		return TracerRR
	case c.Perf:
		return TracerPerf
	default:
		return TracerNone
	}
}

// Validate checks the config for mistakes that can be detected without
// spawning the emulator.
func (c *SessionConfig) Validate() error {
	if c.RR && c.Perf {
		return &ConfigError{msg: "rr and perf tracing are mutually exclusive"}
	}

	if c.Executable == "" {
		return &ConfigError{msg: "no emulator executable given"}
	}

	if c.Image == "" {
		return &ConfigError{msg: "no disk image given"}
	}

	if !c.FreshBoot && c.Prompt == "" {
		return &ConfigError{msg: "no guest prompt given"}
	}

	return nil
}

func (c *SessionConfig) snapshot() string {
	if c.Snapshot == "" {
		return DefaultSnapshot
	}

	return c.Snapshot
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}

func socketArg(name, path string) Argument {
	return UniqueArg(name, "unix:"+path, "server", "nowait")
}

// arguments compiles the argument list for the emulator with the sockets in
// the given directory.
func (c *SessionConfig) arguments(socketDir string) []Argument {
	args := []Argument{
		socketArg("monitor", filepath.Join(socketDir, MonitorSocketName)),
	}

	if c.FreshBoot {
		// Stay paused until told otherwise via the monitor.
		args = append(args, UniqueArg("S"))
	} else {
		args = append(args,
			socketArg("serial", filepath.Join(socketDir, ConsoleSocketName)),
			UniqueArg("loadvm", c.snapshot()),
		)
	}

	args = append(args, UniqueArg("display", "none"))
	args = append(args, c.ExtraArgs...)

	return args
}

// CommandLine returns the complete command line the emulator is spawned with,
// including the tracer prefix.
func (c *SessionConfig) CommandLine(socketDir string) ([]string, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	args, err := BuildArgumentStrings(c.arguments(socketDir))
	if err != nil {
		return nil, &ConfigError{msg: "emulator arguments", err: err}
	}

	var cmdline []string

	switch c.Tracer() {
	case TracerRR:
		cmdline = append(cmdline, "rr", "record")
	case TracerPerf:
		cmdline = append(cmdline, "perf", "record")
	case TracerNone:
	}

	cmdline = append(cmdline, c.Executable, c.Image)
	cmdline = append(cmdline, args...)

	return cmdline, nil
}

// MonitorQuotable reports whether s can be used as double quoted argument of
// a monitor command. The monitor has no escape sequences for quotes, and a
// line break ends the command.
func MonitorQuotable(s string) bool {
	return !strings.ContainsAny(s, "\"\r\n")
}
