// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aibor/vmrecord/internal/arch"
	"github.com/aibor/vmrecord/internal/qemu"
	"github.com/aibor/vmrecord/internal/qemu/qemutest"
	"github.com/aibor/vmrecord/internal/record"
)

func TestMain(m *testing.M) {
	qemutest.RunIfRequested()

	homedir.DisableCache = true

	goleak.VerifyTestMain(m)
}

func TestHandleRunError(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		expectedExitCode int
		expectedOutput   string
	}{
		{
			name: "no error",
		},
		{
			name:             "usage error",
			err:              &UsageError{msg: "record", err: ErrNoCommand},
			expectedExitCode: ExitUsage,
			expectedOutput:   "record: no guest command given",
		},
		{
			name:             "qemu config error",
			err:              fmt.Errorf("run: %w", &qemu.ConfigError{}),
			expectedExitCode: ExitUsage,
		},
		{
			name:             "request error",
			err:              &record.RequestError{Err: record.ErrStdinArity},
			expectedExitCode: ExitUsage,
		},
		{
			name:             "unknown arch",
			err:              fmt.Errorf("%w: mips", arch.ErrUnknown),
			expectedExitCode: ExitUsage,
		},
		{
			name:             "interrupted",
			err:              fmt.Errorf("wait: %w", context.Canceled),
			expectedExitCode: ExitInterrupted,
		},
		{
			name:             "session error",
			err:              &qemu.SessionError{Op: "console", Err: qemu.ErrLaunchTimeout},
			expectedExitCode: ExitFailure,
			expectedOutput:   "launch timed out",
		},
		{
			name:             "joined with usage error",
			err:              errors.Join(assert.AnError, &UsageError{msg: "x"}),
			expectedExitCode: ExitUsage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer

			var levelVar slog.LevelVar

			exitCode := handleRunError(newLogger(&stderr, &levelVar), tt.err)
			assert.Equal(t, tt.expectedExitCode, exitCode)
			assert.Contains(t, stderr.String(), tt.expectedOutput)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "", expected: slog.LevelInfo},
		{input: "INFO", expected: slog.LevelInfo},
		{input: "warning", expected: slog.LevelWarn},
		{input: "warn", expected: slog.LevelWarn},
		{input: " error ", expected: slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLogLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}

	_, err := parseLogLevel("loud")
	require.ErrorIs(t, err, ErrUnknownLogLevel)
	require.ErrorIs(t, err, &UsageError{}) //nolint:testifylint
}

// testEnv runs the CLI against the fake emulator.
type testEnv struct {
	workDir  string
	cacheDir string
	image    string
	log      *qemutest.Log
	args     []string
}

func newTestEnv(t *testing.T, mode qemutest.Mode) *testEnv {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PANDA_BUILD", "")
	t.Setenv("VMRECORD_BUILD_DIR", "")

	cfg, log := qemutest.Config(t, mode)

	// The fake is configured via environment, which the emulator inherits.
	for _, env := range cfg.Env {
		key, value, _ := strings.Cut(env, "=")
		t.Setenv(key, value)
	}

	catalog := filepath.Join(home, "catalog.yaml")
	catalogData := fmt.Sprintf("i386:\n  binary: %q\n  prompt: %q\n",
		cfg.Executable, qemutest.Prompt)
	require.NoError(t, os.WriteFile(catalog, []byte(catalogData), 0o644))

	cacheDir := filepath.Join(home, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	image := filepath.Join(cacheDir, "wheezy_panda2.qcow2")
	require.NoError(t, os.WriteFile(image, []byte("qcow"), 0o644))

	return &testEnv{
		workDir:  t.TempDir(),
		cacheDir: cacheDir,
		image:    image,
		log:      log,
		args: []string{
			"--log-level", "error",
			"--catalog", catalog,
			"--cache-dir", cacheDir,
			"--image-url", "http://127.0.0.1:1/",
			"--packager", "builtin",
			"--startup-timeout", "5s",
			"--console-timeout", "2s",
			"--guest-timeout", "2s",
			"--shutdown-grace", "200ms",
		},
	}
}

func (e *testEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	exitCode := run(t.Context(), append(e.args, args...), IO{
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	}, e.workDir)

	return exitCode, stdout.String(), stderr.String()
}

func TestRunRecord(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	exitCode, stdout, stderr := env.run(t, "record", "--env", "LANG=C",
		"--", "guest:/bin/echo", "hi")
	require.Equal(t, ExitOK, exitCode, stderr)

	replayDir := filepath.Join(env.workDir, "replays", "echo")
	stagingDir := filepath.Join(replayDir, "cdrom")
	recording := filepath.Join(replayDir, "echo")

	assert.Equal(t, recording+"\n", stdout)
	assert.FileExists(t, filepath.Join(replayDir, SessionLogName))

	assert.Equal(t, []string{
		"console: ",
		"console: " + stagingDir + "/setup.sh &> /dev/null || true",
		`monitor: begin_record "` + recording + `"`,
		"console: LANG='C' /bin/echo hi",
		"monitor: end_record",
		"monitor: quit",
	}, env.log.Received(t))

	args := env.log.Args(t)
	assert.Contains(t, args, env.image+" -monitor unix:")
	assert.Contains(t, args, " -loadvm root -display none")
}

func TestRunRecordStaged(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	input := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(input, []byte("data"), 0o644))

	exitCode, stdout, stderr := env.run(t, "record", "--stdin", "--snapshot", "booted",
		"--", "guest:/bin/cat", input)
	require.Equal(t, ExitOK, exitCode, stderr)

	replayDir := filepath.Join(env.workDir, "replays", "cat")
	stagingDir := filepath.Join(replayDir, "cdrom")

	assert.Equal(t, filepath.Join(replayDir, "cat")+"\n", stdout)
	assert.FileExists(t, filepath.Join(stagingDir, "input"))
	assert.FileExists(t, stagingDir+".iso")
	assert.Contains(t, env.log.Received(t),
		"console: /bin/cat < "+stagingDir+"/input")
	assert.Contains(t, env.log.Args(t), " -loadvm booted ")
}

func TestRunRecordCmdString(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	exitCode, stdout, stderr := env.run(t, "record", "--replay-base", "listing",
		"--cmd", "guest:/bin/ls -la '/tmp/a b'")
	require.Equal(t, ExitOK, exitCode, stderr)

	assert.Equal(t, filepath.Join(env.workDir, "replays", "listing", "listing")+"\n", stdout)
	assert.Contains(t, env.log.Received(t), "console: /bin/ls -la '/tmp/a b'")
}

func TestRunRecordReplayPath(t *testing.T) {
	tests := []struct {
		name       string
		replayBase func(workDir string) string
		expected   func(workDir string) string
	}{
		{
			name:       "absolute",
			replayBase: func(workDir string) string { return filepath.Join(workDir, "out", "run") },
			expected:   func(workDir string) string { return filepath.Join(workDir, "out", "run") },
		},
		{
			name:       "relative",
			replayBase: func(string) string { return "rel/run" },
			expected:   func(workDir string) string { return filepath.Join(workDir, "rel", "run") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, qemutest.ModeOK)
			recording := tt.expected(env.workDir)

			exitCode, stdout, stderr := env.run(t, "record",
				"--replay-base", tt.replayBase(env.workDir),
				"--", "guest:/bin/echo", "hi")
			require.Equal(t, ExitOK, exitCode, stderr)

			assert.Equal(t, recording+"\n", stdout)
			assert.DirExists(t, filepath.Dir(recording))
			assert.FileExists(t, filepath.Join(env.workDir, "replays", "echo", SessionLogName),
				"replay directory is still named after the command")
			assert.Contains(t, env.log.Received(t), `monitor: begin_record "`+recording+`"`)
		})
	}
}

func TestRunRecordGuestTimeout(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	exitCode, stdout, stderr := env.run(t, "--guest-timeout", "300ms",
		"record", "--", "guest:"+qemutest.HangCommand)
	assert.Equal(t, ExitFailure, exitCode)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "timed out")

	received := env.log.Received(t)
	assert.NotContains(t, received, "monitor: end_record")
	assert.Equal(t, "monitor: quit", received[len(received)-1])
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		output string
	}{
		{
			name:   "no command",
			args:   []string{"record"},
			output: "no guest command given",
		},
		{
			name:   "unknown arch",
			args:   []string{"record", "--arch", "mips", "--", "/bin/true"},
			output: "unknown architecture",
		},
		{
			name:   "unknown flag",
			args:   []string{"record", "--frobnicate", "--", "/bin/true"},
			output: "unknown flag",
		},
		{
			name:   "log level",
			args:   []string{"--log-level", "loud", "record", "/bin/true"},
			output: "unknown log level",
		},
		{
			name:   "stdin arity",
			args:   []string{"record", "--stdin", "--", "/bin/cat"},
			output: "invalid request",
		},
		{
			name:   "invalid env",
			args:   []string{"record", "--env", "1X=y", "--", "/bin/true"},
			output: "invalid request",
		},
		{
			name:   "invalid env json",
			args:   []string{"record", "--env-json", "[1]", "--", "/bin/true"},
			output: "invalid request",
		},
		{
			name:   "cmd and args",
			args:   []string{"record", "--cmd", "/bin/true", "--", "/bin/false"},
			output: "mutually exclusive",
		},
		{
			name:   "fresh boot without replay base",
			args:   []string{"record", "--fresh-boot"},
			output: "require --replay-base",
		},
		{
			name:   "fresh boot with command",
			args:   []string{"record", "--fresh-boot", "--replay-base", "boot", "--", "/bin/true"},
			output: "invalid request",
		},
		{
			name:   "quote in replay path",
			args:   []string{"record", "--replay-base", `out/"run`, "--", "/bin/true"},
			output: "path contains quote",
		},
		{
			name:   "rr and perf",
			args:   []string{"record", "--rr", "--perf", "--", "/bin/true"},
			output: "mutually exclusive",
		},
		{
			name:   "colliding emulator args",
			args:   []string{"record", "--qemu-args", "-display sdl", "--", "/bin/true"},
			output: "colliding args",
		},
		{
			name:   "unknown packager",
			args:   []string{"--packager", "zip", "record", "--", "/bin/true"},
			output: "unknown packager",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, qemutest.ModeOK)

			exitCode, stdout, stderr := env.run(t, tt.args...)
			assert.Equal(t, ExitUsage, exitCode)
			assert.Empty(t, stdout)
			assert.Contains(t, stderr, tt.output)
			assert.NoFileExists(t, env.log.Path, "emulator must not be spawned")
		})
	}
}

func TestRunEmulatorFailure(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeExit)

	exitCode, _, stderr := env.run(t, "record", "--", "guest:/bin/true")
	assert.Equal(t, ExitFailure, exitCode)
	assert.Contains(t, stderr, "emulator exited prematurely")
}

func TestRunArchList(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	exitCode, stdout, stderr := env.run(t, "arch", "list")
	require.Equal(t, ExitOK, exitCode, stderr)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 5)
	assert.Regexp(t, `^NAME\s+EXECUTABLE\s+IMAGE\s+CACHED$`, lines[0])
	assert.Regexp(t, `^arm\s+qemu-system-arm\s+arm_wheezy.qcow\s+no$`, lines[1])
	assert.Regexp(t, `^i386\s+\S+\s+wheezy_panda2.qcow2\s+yes$`, lines[2])
	assert.Regexp(t, `^ppc\s+`, lines[3])
	assert.Regexp(t, `^x86_64\s+`, lines[4])
}

func TestRunArchListBuildDir(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)
	t.Setenv("PANDA_BUILD", "/opt/panda/build")

	exitCode, stdout, stderr := env.run(t, "arch", "list")
	require.Equal(t, ExitOK, exitCode, stderr)
	assert.Contains(t, stdout, "/opt/panda/build/x86_64-softmmu/qemu-system-x86_64")
}

func TestRunBatch(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	batch := filepath.Join(t.TempDir(), "runs.yaml")
	require.NoError(t, os.WriteFile(batch, []byte(`runs:
  - command: ["guest:/bin/echo", "first"]
    replay_base: first
  - cmd: "guest:/bin/echo second"
    env: ["A=b"]
    replay_base: second
`), 0o644))

	exitCode, stdout, stderr := env.run(t, "--jobs", "1", "batch", batch)
	require.Equal(t, ExitOK, exitCode, stderr)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)

	for idx, name := range []string{"first", "second"} {
		id, path, found := strings.Cut(lines[idx], " ")
		require.True(t, found)
		assert.Len(t, id, 36)
		assert.Equal(t, filepath.Join(env.workDir, "replays", name, name), path)
	}

	received := env.log.Received(t)
	assert.Contains(t, received, "console: /bin/echo first")
	assert.Contains(t, received, "console: A='b' /bin/echo second")
}

func TestRunBatchErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		data   string
		output string
	}{
		{
			name:   "no runs",
			data:   "runs: []\n",
			output: "no runs",
		},
		{
			name:   "invalid yaml",
			data:   "runs: {\n",
			output: "batch file",
		},
		{
			name: "shared replay dir",
			data: `runs:
  - command: ["guest:/bin/echo", "a"]
  - command: ["guest:/usr/bin/echo", "b"]
`,
			output: "runs share resources",
		},
		{
			name: "shared image in parallel",
			args: []string{"--jobs", "2"},
			data: `runs:
  - command: ["guest:/bin/echo", "a"]
  - command: ["guest:/bin/true"]
`,
			output: "runs share resources",
		},
		{
			name: "invalid run",
			data: `runs:
  - command: ["guest:/bin/echo", "a"]
  - arch: mips
    command: ["guest:/bin/true"]
`,
			output: "run 1: unknown architecture",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, qemutest.ModeOK)

			batch := filepath.Join(t.TempDir(), "runs.yaml")
			require.NoError(t, os.WriteFile(batch, []byte(tt.data), 0o644))

			args := append(tt.args, "batch", batch)

			exitCode, _, stderr := env.run(t, args...)
			assert.Equal(t, ExitUsage, exitCode)
			assert.Contains(t, stderr, tt.output)
			assert.NoFileExists(t, env.log.Path, "emulator must not be spawned")
		})
	}
}

func TestRunInterrupted(t *testing.T) {
	env := newTestEnv(t, qemutest.ModeOK)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var stdout, stderr bytes.Buffer

	exitCode := run(ctx, append(env.args, "record", "--", "guest:/bin/true"), IO{
		Stdout: &stdout,
		Stderr: &stderr,
	}, env.workDir)
	assert.Equal(t, ExitInterrupted, exitCode)
	assert.Empty(t, stdout.String())
}
