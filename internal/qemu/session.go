// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aibor/vmrecord/internal/expect"
)

// Session is a running emulator with connected control channels.
//
// Create it with [Start] and release it with [Session.Close] or
// [Session.Abort]. [WithSession] takes care of both.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error

	socketDir       string
	removeSocketDir bool

	monitor *expect.Channel
	console *expect.Channel

	state         State
	recordingDone bool
}

// Start spawns the emulator and waits until both control channels are
// connected and the respective prompts have been received.
//
// The config is validated before anything is spawned. If the launch fails
// after the emulator has been spawned, the process is terminated before
// Start returns, so nothing is leaked.
//
// Cancelling the context terminates the emulator. This unblocks any pending
// channel operation.
func Start(ctx context.Context, cfg SessionConfig) (*Session, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session := &Session{
		cfg:       cfg,
		logger:    logger,
		socketDir: cfg.SocketDir,
		exited:    make(chan struct{}),
		state:     StateCreated,
	}

	if session.socketDir == "" {
		session.socketDir, err = os.MkdirTemp("", "vmrecord-")
		if err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}

		session.removeSocketDir = true
	}

	cmdline, err := cfg.CommandLine(session.socketDir)
	if err != nil {
		session.cleanSocketDir()
		return nil, err
	}

	err = session.launch(ctx, cmdline)
	if err != nil {
		session.state = StateErrored
		_ = session.teardown(false)

		return nil, &SessionError{Op: "launch", State: StateLaunching, Err: err}
	}

	session.state = StateReady

	return session, nil
}

func (s *Session) launch(ctx context.Context, cmdline []string) error {
	s.state = StateLaunching

	grace := durationOr(s.cfg.ShutdownGrace, DefaultShutdownGrace)

	//nolint:gosec
	s.cmd = exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	s.cmd.Env = append(os.Environ(), s.cfg.Env...)
	s.cmd.Stdout = writerOrDiscard(s.cfg.Stdout)
	s.cmd.Stderr = writerOrDiscard(s.cfg.Stderr)
	s.cmd.Cancel = func() error {
		return s.cmd.Process.Signal(unix.SIGTERM)
	}
	s.cmd.WaitDelay = grace

	s.logger.Info("Starting emulator",
		slog.String("command", s.cmd.String()))

	err := s.cmd.Start()
	if err != nil {
		close(s.exited)
		return fmt.Errorf("start: %w", err)
	}

	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.exited)
	}()

	deadline := time.Now().Add(
		durationOr(s.cfg.StartupTimeout, DefaultStartupTimeout),
	)

	monitorPath := filepath.Join(s.socketDir, MonitorSocketName)
	consolePath := filepath.Join(s.socketDir, ConsoleSocketName)

	s.monitor, err = s.connect(ctx, deadline, "monitor", monitorPath)
	if err != nil {
		return err
	}

	if !s.cfg.FreshBoot {
		s.console, err = s.connect(ctx, deadline, "console", consolePath)
		if err != nil {
			return err
		}
	}

	return s.handshake(deadline)
}

// connect waits for the socket at path to show up and connects to it.
//
// Connection refusals are retried, as the emulator might not be listening yet
// right after the socket file has been created.
func (s *Session) connect(
	ctx context.Context,
	deadline time.Time,
	name string,
	path string,
) (*expect.Channel, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		if isSocket(path) {
			channel, err := expect.Dial(name, path)
			if err == nil {
				channel.Logger = s.logger
				channel.Transcript = s.cfg.Transcript

				s.logger.Debug("Connected channel",
					slog.String("channel", name),
					slog.String("path", path))

				return channel, nil
			}

			if !errors.Is(err, unix.ECONNREFUSED) {
				return nil, err
			}
		}

		select {
		case <-ticker.C:
		case <-s.exited:
			return nil, s.exitError()
		case <-timer.C:
			return nil, fmt.Errorf("%w: socket %s did not appear",
				ErrLaunchTimeout, name)
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for socket %s: %w", name, ctx.Err())
		}
	}
}

func (s *Session) handshake(deadline time.Time) error {
	_, err := s.monitor.Expect(MonitorPrompt, time.Until(deadline))
	if err != nil {
		return launchError(err)
	}

	if s.console == nil {
		return nil
	}

	err = s.console.SendLine("")
	if err != nil {
		return err
	}

	_, err = s.console.Expect(s.cfg.Prompt, time.Until(deadline))
	if err != nil {
		return launchError(err)
	}

	return nil
}

func launchError(err error) error {
	if errors.Is(err, expect.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrLaunchTimeout, err)
	}

	return err
}

func (s *Session) exitError() error {
	if s.waitErr != nil {
		return fmt.Errorf("%w: %w", ErrEmulatorExited, s.waitErr)
	}

	return ErrEmulatorExited
}

// isSocket returns true if a unix socket exists at the given path.
func isSocket(path string) bool {
	var stat unix.Stat_t

	err := unix.Stat(path, &stat)
	if err != nil {
		return false
	}

	return stat.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}

	return w
}

// State returns the current [State] of the session.
func (s *Session) State() State {
	return s.state
}

// FreshBoot returns true if the session has been started without snapshot and
// so has no console.
func (s *Session) FreshBoot() bool {
	return s.cfg.FreshBoot
}

// Pid returns the process ID of the emulator.
func (s *Session) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}

	return s.cmd.Process.Pid
}

// Exited returns true if the emulator process has terminated.
func (s *Session) Exited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

func (s *Session) fail(op string, err error) error {
	// A timed out or broken channel can not be resumed safely.
	s.state = StateErrored

	return &SessionError{Op: op, State: s.state, Err: err}
}

func (s *Session) requireOperational(op string) error {
	if !s.state.operational() {
		return &SessionError{Op: op, State: s.state, Err: ErrInvalidState}
	}

	return nil
}

func (s *Session) requireConsole(op string) error {
	err := s.requireOperational(op)
	if err != nil {
		return err
	}

	if s.console == nil {
		return &SessionError{Op: op, State: s.state, Err: ErrNoConsole}
	}

	return nil
}

// RunMonitor sends the command to the monitor and waits for the monitor
// prompt. It returns the monitor output.
func (s *Session) RunMonitor(cmd string) (string, error) {
	err := s.requireOperational("monitor")
	if err != nil {
		return "", err
	}

	s.logger.Debug("Monitor command", slog.String("command", cmd))

	err = s.monitor.SendLine(cmd)
	if err != nil {
		return "", s.fail("monitor", err)
	}

	timeout := durationOr(s.cfg.MonitorTimeout, DefaultMonitorTimeout)

	out, err := s.monitor.Expect(MonitorPrompt, timeout)
	if err != nil {
		return "", s.fail("monitor", err)
	}

	return out, nil
}

// TypeConsole types the command into the guest console without terminating
// the line. The command is not executed until a line terminator is sent, for
// example by [Session.RunConsole].
func (s *Session) TypeConsole(cmd string) error {
	err := s.requireConsole("type console")
	if err != nil {
		return err
	}

	s.logger.Debug("Console type", slog.String("command", cmd))

	err = s.console.Send(cmd)
	if err != nil {
		return s.fail("type console", err)
	}

	return nil
}

// RunConsole types the command, if not empty, into the guest console, submits
// the line and waits for the guest prompt to show up again within timeout.
//
// With an empty command, only the line terminator is sent, which executes
// whatever has been typed before with [Session.TypeConsole].
func (s *Session) RunConsole(cmd string, timeout time.Duration) (string, error) {
	err := s.requireConsole("console")
	if err != nil {
		return "", err
	}

	if cmd != "" {
		err := s.TypeConsole(cmd)
		if err != nil {
			return "", err
		}
	}

	err = s.console.SendLine("")
	if err != nil {
		return "", s.fail("console", err)
	}

	out, err := s.console.Expect(s.cfg.Prompt, timeout)
	if err != nil {
		return "", s.fail("console", err)
	}

	return out, nil
}

// BeginRecord starts recording into the file at the given path.
func (s *Session) BeginRecord(path string) error {
	if s.state != StateReady {
		return &SessionError{Op: "begin record", State: s.state, Err: ErrInvalidState}
	}

	if !MonitorQuotable(path) {
		return &SessionError{Op: "begin record", State: s.state, Err: ErrUnquotablePath}
	}

	_, err := s.RunMonitor(`begin_record "` + path + `"`)
	if err != nil {
		return err
	}

	s.state = StateRecording

	return nil
}

// EndRecord ends a recording started with [Session.BeginRecord].
func (s *Session) EndRecord() error {
	if s.state != StateRecording {
		return &SessionError{Op: "end record", State: s.state, Err: ErrInvalidState}
	}

	_, err := s.RunMonitor("end_record")
	if err != nil {
		return err
	}

	s.state = StateReady
	s.recordingDone = true

	return nil
}

// RecordingDone returns true once a recording has been ended successfully.
func (s *Session) RecordingDone() bool {
	return s.recordingDone
}

// Close shuts the emulator down gracefully.
//
// It sends the quit command, closes the channels and waits for the emulator to
// exit. If it does not exit within the grace period, it is terminated and
// [ErrProcessShutdownStall] is returned. Close may be called in any state.
func (s *Session) Close() error {
	return s.teardown(true)
}

// Abort tears the session down without graceful shutdown. It is meant for
// unhandled faults. The cause and any unconsumed channel output are logged.
func (s *Session) Abort(cause error) error {
	attrs := []any{slog.Any("cause", cause)}

	if s.monitor != nil {
		attrs = append(attrs, slog.String("monitor", s.monitor.Buffered()))
	}

	if s.console != nil {
		attrs = append(attrs, slog.String("console", s.console.Buffered()))
	}

	s.logger.Error("Aborting emulator session", attrs...)

	return s.teardown(false)
}

func (s *Session) teardown(graceful bool) error {
	if s.state == StateClosed {
		return nil
	}

	s.state = StateClosing

	var errs []error

	if graceful && s.monitor != nil && !s.Exited() {
		err := s.monitor.SendLine("quit")
		if err != nil {
			s.logger.Warn("Failed to send quit", slog.Any("error", err))
		}
	}

	for _, channel := range []*expect.Channel{s.monitor, s.console} {
		if channel == nil {
			continue
		}

		err := channel.Close()
		if err != nil {
			s.logger.Debug("Failed to close channel", slog.Any("error", err))
		}
	}

	if s.cmd != nil && s.cmd.Process != nil {
		errs = append(errs, s.waitExit())
	}

	s.cleanSocketDir()

	s.state = StateClosed

	return errors.Join(errs...)
}

// waitExit waits for the emulator to exit. Each time the grace period
// expires, it escalates to SIGTERM and then SIGKILL.
func (s *Session) waitExit() error {
	grace := durationOr(s.cfg.ShutdownGrace, DefaultShutdownGrace)

	if s.waitFor(grace) {
		s.logExit()
		return nil
	}

	for _, sig := range []os.Signal{unix.SIGTERM, os.Kill} {
		s.logger.Warn("Emulator stalled, sending signal",
			slog.String("signal", sig.String()))

		err := s.cmd.Process.Signal(sig)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("Failed to signal emulator", slog.Any("error", err))
		}

		if s.waitFor(grace) {
			return ErrProcessShutdownStall
		}
	}

	<-s.exited

	return ErrProcessShutdownStall
}

func (s *Session) waitFor(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Session) logExit() {
	if s.waitErr != nil {
		s.logger.Debug("Emulator exited", slog.Any("status", s.waitErr))
		return
	}

	s.logger.Debug("Emulator exited")
}

func (s *Session) cleanSocketDir() {
	if !s.removeSocketDir {
		return
	}

	err := os.RemoveAll(s.socketDir)
	if err != nil {
		s.logger.Warn("Failed to remove socket dir",
			slog.String("path", s.socketDir),
			slog.Any("error", err))
	}

	s.removeSocketDir = false
}

// WithSession starts a [Session], passes it to fn and releases it afterwards.
//
// If fn returns, regardless of any error, the session is closed gracefully.
// If fn panics, the session is aborted and the panic is propagated.
//
// A shutdown stall is not reported if fn succeeded and a recording has been
// completed in the session, since the recording is complete at that point.
func WithSession(
	ctx context.Context,
	cfg SessionConfig,
	fn func(*Session) error,
) (err error) {
	session, err := Start(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = session.Abort(fmt.Errorf("panic: %v", r))
			panic(r)
		}

		closeErr := session.Close()
		if err == nil && session.RecordingDone() &&
			errors.Is(closeErr, ErrProcessShutdownStall) {
			session.logger.Warn("Emulator had to be terminated after recording",
				slog.Any("error", closeErr))

			closeErr = nil
		}

		if closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close session: %w", closeErr))
		}
	}()

	return fn(session)
}
