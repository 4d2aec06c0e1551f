// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package qemutest provides a fake emulator for tests.
//
// The test binary itself acts as emulator. Call [RunIfRequested] at the start
// of TestMain and use [Config] to get a [qemu.SessionConfig] that spawns the
// test binary in the desired [Mode].
//
// The fake serves the monitor and console sockets given on its command line.
// The monitor answers every line with the monitor prompt and exits on "quit".
// The console echoes every line followed by [Prompt], except for the line
// "hang", which is not answered at all. Received lines are written to a log
// file.
package qemutest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/aibor/vmrecord/internal/qemu"
)

const (
	modeEnv = "VMRECORD_FAKE_EMULATOR"
	logEnv  = "VMRECORD_FAKE_LOG"
	raceEnv = "GORACE=atexit_sleep_ms=0"

	// Prompt is the guest prompt of the fake.
	Prompt = "root@fake:~#"

	// HangCommand is never answered by the fake console.
	HangCommand = "hang"
)

// Mode is the behavior of the fake emulator.
type Mode string

const (
	// ModeOK serves sessions normally.
	ModeOK Mode = "ok"
	// ModeNoSocket never creates any socket.
	ModeNoSocket Mode = "nosocket"
	// ModeExit exits right away with a non-zero exit code.
	ModeExit Mode = "exit"
	// ModeStall ignores quit and SIGTERM.
	ModeStall Mode = "stall"
)

// RunIfRequested runs the fake emulator and exits if the process has been
// spawned as one. Otherwise it returns right away.
func RunIfRequested() {
	if mode := os.Getenv(modeEnv); mode != "" {
		os.Exit(run(Mode(mode)))
	}
}

// Log is the log of received lines written by the fake emulator.
type Log struct {
	Path string
}

// Lines returns all lines of the log.
func (l *Log) Lines(t testing.TB) []string {
	t.Helper()

	data, err := os.ReadFile(l.Path)
	require.NoError(t, err)

	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// Args returns the command line arguments the fake has been called with.
func (l *Log) Args(t testing.TB) string {
	t.Helper()

	return l.value(t, "args: ")
}

// Pid returns the process ID of the fake.
func (l *Log) Pid(t testing.TB) int {
	t.Helper()

	pid, err := strconv.Atoi(l.value(t, "pid: "))
	require.NoError(t, err)

	return pid
}

// Received returns the lines the fake received as "monitor: <line>" and
// "console: <line>".
func (l *Log) Received(t testing.TB) []string {
	t.Helper()

	var received []string

	for _, line := range l.Lines(t) {
		if strings.HasPrefix(line, "monitor: ") || strings.HasPrefix(line, "console: ") {
			received = append(received, line)
		}
	}

	return received
}

func (l *Log) value(t testing.TB, prefix string) string {
	t.Helper()

	for _, line := range l.Lines(t) {
		if value, found := strings.CutPrefix(line, prefix); found {
			return value
		}
	}

	require.FailNow(t, "not logged", prefix)

	return ""
}

// Config returns a [qemu.SessionConfig] that spawns the test binary as fake
// emulator in the given mode, and the [Log] the fake writes to.
//
// Timeouts are short, so failures show quickly.
func Config(t testing.TB, mode Mode) (qemu.SessionConfig, *Log) {
	t.Helper()

	executable, err := os.Executable()
	require.NoError(t, err)

	log := &Log{Path: filepath.Join(t.TempDir(), "fake.log")}

	cfg := qemu.SessionConfig{
		Executable: executable,
		Image:      "disk.qcow2",
		Prompt:     Prompt,
		Env: []string{
			modeEnv + "=" + string(mode),
			logEnv + "=" + log.Path,
			// Race instrumented binaries sleep on exit by default, which
			// exceeds the short shutdown grace period.
			raceEnv,
		},
		StartupTimeout: 5 * time.Second,
		MonitorTimeout: 2 * time.Second,
		ShutdownGrace:  200 * time.Millisecond,
		Logger:         slog.New(slog.DiscardHandler),
	}

	return cfg, log
}

type emulator struct {
	mode     Mode
	log      io.Writer
	logMu    sync.Mutex
	quit     chan struct{}
	quitOnce sync.Once
}

func socketPath(value string) string {
	path, _ := strings.CutPrefix(value, "unix:")
	path, _, _ = strings.Cut(path, ",")

	return path
}

func run(mode Mode) int {
	fake := &emulator{
		mode: mode,
		log:  io.Discard,
		quit: make(chan struct{}),
	}

	if path := os.Getenv(logEnv); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 10
		}
		defer file.Close()

		fake.log = file
	}

	fake.logf("pid: %d", os.Getpid())
	fake.logf("args: %s", strings.Join(os.Args[1:], " "))

	var monitorPath, consolePath string

	for idx := 1; idx < len(os.Args)-1; idx++ {
		switch os.Args[idx] {
		case "-monitor":
			monitorPath = socketPath(os.Args[idx+1])
		case "-serial":
			consolePath = socketPath(os.Args[idx+1])
		}
	}

	switch mode {
	case ModeExit:
		return 3
	case ModeNoSocket:
		time.Sleep(time.Minute)
		return 0
	case ModeStall:
		signal.Ignore(unix.SIGTERM)
	case ModeOK:
	}

	err := fake.serve(monitorPath, fake.handleMonitor)
	if err != nil {
		return 11
	}

	if consolePath != "" {
		err := fake.serve(consolePath, fake.handleConsole)
		if err != nil {
			return 12
		}
	}

	select {
	case <-fake.quit:
		return 0
	case <-time.After(time.Minute):
		return 13
	}
}

func (f *emulator) logf(format string, args ...any) {
	f.logMu.Lock()
	defer f.logMu.Unlock()

	_, _ = fmt.Fprintf(f.log, format+"\n", args...)
}

func (f *emulator) serve(path string, handle func(net.Conn)) error {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}

	go func() {
		defer listener.Close()

		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		handle(conn)
	}()

	return nil
}

func (f *emulator) handleMonitor(conn net.Conn) {
	_, _ = io.WriteString(conn,
		"QEMU 2.9.1 monitor - type 'help' for more information\r\n(qemu) ")

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		f.logf("monitor: %s", line)

		if line == "quit" && f.mode != ModeStall {
			f.quitOnce.Do(func() { close(f.quit) })
			return
		}

		_, _ = io.WriteString(conn, line+"\r\n(qemu) ")
	}
}

func (f *emulator) handleConsole(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		f.logf("console: %s", line)

		if line == HangCommand {
			continue
		}

		_, _ = io.WriteString(conn, line+"\r\n"+Prompt+" ")
	}
}
