// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/aibor/vmrecord/internal/qemu"
	"github.com/aibor/vmrecord/internal/staging"
)

// DefaultGuestTimeout bounds the execution of the recorded command.
const DefaultGuestTimeout = 20 * time.Minute

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvVar is an environment variable set for the recorded command.
type EnvVar struct {
	Name  string
	Value string
}

// String returns the shell assignment of the variable. The value is always
// single quoted.
func (e EnvVar) String() string {
	return e.Name + "='" + strings.ReplaceAll(e.Value, "'", `'\''`) + "'"
}

// ParseEnvVar parses a "NAME=VALUE" string.
func ParseEnvVar(s string) (EnvVar, error) {
	name, value, found := strings.Cut(s, "=")
	if !found {
		return EnvVar{}, &RequestError{
			Err: fmt.Errorf("%w: %q has no value", ErrInvalidEnvName, s),
		}
	}

	env := EnvVar{Name: name, Value: value}

	err := env.validate()
	if err != nil {
		return EnvVar{}, err
	}

	return env, nil
}

// ParseEnvJSON parses a JSON object of string values into [EnvVar]s. The order
// of the object's members is kept.
func ParseEnvJSON(data string) ([]EnvVar, error) {
	dec := json.NewDecoder(strings.NewReader(data))

	token, err := dec.Token()
	if err != nil {
		return nil, envJSONError(err)
	}

	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, envJSONError(errors.New("not an object"))
	}

	var env []EnvVar

	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return nil, envJSONError(err)
		}

		name, _ := token.(string)

		var value string

		err = dec.Decode(&value)
		if err != nil {
			return nil, envJSONError(fmt.Errorf("value of %s: %w", name, err))
		}

		envVar := EnvVar{Name: name, Value: value}

		err = envVar.validate()
		if err != nil {
			return nil, err
		}

		env = append(env, envVar)
	}

	_, err = dec.Token()
	if err != nil {
		return nil, envJSONError(err)
	}

	// Reject trailing garbage.
	_, err = dec.Token()
	if !errors.Is(err, io.EOF) {
		return nil, envJSONError(errors.New("trailing data"))
	}

	return env, nil
}

func envJSONError(err error) error {
	return &RequestError{Err: fmt.Errorf("parse env json: %w", err)}
}

func (e EnvVar) validate() error {
	if !envNamePattern.MatchString(e.Name) {
		return &RequestError{Err: fmt.Errorf("%w: %q", ErrInvalidEnvName, e.Name)}
	}

	return nil
}

// Request describes a single recording.
type Request struct {
	// Command tokens to run in the guest. The first one is the binary.
	Command []string

	// Env is set for the command, in order.
	Env []EnvVar

	// Stdin feeds the second command token to the binary as standard input.
	Stdin bool

	// RecordingPath is the base path of the recording files.
	RecordingPath string

	// GuestTimeout bounds the command's execution in the guest. Defaults to
	// [DefaultGuestTimeout].
	GuestTimeout time.Duration

	// FreshBoot records the boot of the machine for GuestTimeout instead of
	// a command.
	FreshBoot bool
}

// Validate checks the request for mistakes that can be detected without
// starting the emulator.
func (r *Request) Validate() error {
	if r.RecordingPath == "" {
		return &RequestError{Err: ErrNoRecordingPath}
	}

	if !qemu.MonitorQuotable(r.RecordingPath) {
		return &RequestError{
			Err: fmt.Errorf("recording path %q: %w", r.RecordingPath, qemu.ErrUnquotablePath),
		}
	}

	if r.FreshBoot {
		if len(r.Command) > 0 {
			return &RequestError{Err: ErrFreshBootCommand}
		}

		return nil
	}

	if len(r.Command) == 0 {
		return &RequestError{Err: ErrNoCommand}
	}

	if r.Stdin && len(r.Command) != 2 {
		return &RequestError{
			Err: fmt.Errorf("%w: got %d tokens", ErrStdinArity, len(r.Command)),
		}
	}

	for _, env := range r.Env {
		err := env.validate()
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Request) guestTimeout() time.Duration {
	if r.GuestTimeout <= 0 {
		return DefaultGuestTimeout
	}

	return r.GuestTimeout
}

// Compose returns the shell command line typed into the guest console.
//
// Environment assignments come first, in order, followed by the shell quoted
// command tokens. In stdin mode, the second token is redirected to the
// binary's standard input.
func Compose(req Request) (string, error) {
	if req.FreshBoot {
		return "", &RequestError{Err: ErrFreshBootCommand}
	}

	err := req.Validate()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer

	for _, env := range req.Env {
		buf.WriteString(env.String())
		buf.WriteByte(' ')
	}

	if req.Stdin {
		buf.WriteString(shellquote.Join(req.Command[0]))
		buf.WriteString(" < ")
		buf.WriteString(shellquote.Join(req.Command[1]))
	} else {
		buf.WriteString(shellquote.Join(req.Command...))
	}

	return buf.String(), nil
}

// Layout is the host directory structure of a recording:
//
//	<root>/replays/<name>/           Dir
//	<root>/replays/<name>/cdrom      StagingDir
//	<root>/replays/<name>/cdrom.iso  image of StagingDir
//	<root>/replays/<name>/<name>*    recording files
type Layout struct {
	Dir           string
	StagingDir    string
	RecordingPath string
}

// NewLayout returns the [Layout] for the given command below root. It is
// named after the base name of the command's binary.
func NewLayout(root string, command []string) (Layout, error) {
	if len(command) == 0 {
		return Layout{}, &RequestError{Err: ErrNoCommand}
	}

	binary := strings.TrimPrefix(command[0], staging.GuestPrefix)
	name := filepath.Base(binary)
	dir := filepath.Join(root, "replays", name)

	return Layout{
		Dir:           dir,
		StagingDir:    filepath.Join(dir, "cdrom"),
		RecordingPath: filepath.Join(dir, name),
	}, nil
}
