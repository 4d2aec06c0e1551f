// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package record

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aibor/vmrecord/internal/qemu"
	"github.com/aibor/vmrecord/internal/staging"
)

// Session is the part of an emulator session the [Orchestrator] needs. It is
// implemented by [qemu.Session].
type Session interface {
	staging.Session

	TypeConsole(cmd string) error
	BeginRecord(path string) error
	EndRecord() error
	FreshBoot() bool
}

var _ Session = (*qemu.Session)(nil)

// Result describes a completed recording.
type Result struct {
	// RecordingPath is the absolute base path of the recording files.
	RecordingPath string

	// CommandLine is the command line that was run in the guest.
	CommandLine string

	// Files maps imported host files to their copies in the staging area.
	Files map[string]string

	Duration time.Duration
}

// Orchestrator runs recordings.
type Orchestrator struct {
	// Area holds the files made available to the guest.
	Area *staging.Area

	// Stager mounts the Area in the guest.
	Stager *staging.Stager

	Logger *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}

	return o.Logger
}

// Prepare validates the request and resolves its paths. Command arguments
// naming host files are imported into the staging area and replaced by their
// guest paths. The returned request is ready for [Orchestrator.Run].
func (o *Orchestrator) Prepare(req Request) (Request, error) {
	err := req.Validate()
	if err != nil {
		return Request{}, err
	}

	prepared := req
	prepared.Command = make([]string, len(req.Command))

	for idx, arg := range req.Command {
		prepared.Command[idx], err = o.Area.TranslateArg(arg)
		if err != nil {
			return Request{}, err
		}
	}

	prepared.RecordingPath, err = filepath.Abs(req.RecordingPath)
	if err != nil {
		return Request{}, &RequestError{Err: fmt.Errorf("recording path: %w", err)}
	}

	return prepared, nil
}

// Run records the prepared request in the given session.
//
// The order of steps is fixed: stage the area, run the setup script, type the
// command, begin the recording, execute the command and wait for the prompt,
// end the recording.
func (o *Orchestrator) Run(ctx context.Context, session Session, req Request) (*Result, error) {
	if req.FreshBoot || session.FreshBoot() {
		return o.runBoot(ctx, session, req)
	}

	cmdline, err := Compose(req)
	if err != nil {
		return nil, err
	}

	err = o.Stager.Stage(ctx, session, o.Area)
	if err != nil {
		return nil, err
	}

	err = o.Stager.Setup(session, o.Area)
	if err != nil {
		return nil, err
	}

	o.logger().Info("Typing command into guest", slog.String("command", cmdline))

	// Typed but not submitted, so it runs only once recording has started.
	err = session.TypeConsole(cmdline)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	err = o.begin(session, req.RecordingPath)
	if err != nil {
		return nil, err
	}

	_, err = session.RunConsole("", req.guestTimeout())
	if err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}

	err = o.end(session)
	if err != nil {
		return nil, err
	}

	return &Result{
		RecordingPath: req.RecordingPath,
		CommandLine:   cmdline,
		Files:         o.Area.Files(),
		Duration:      time.Since(started),
	}, nil
}

// runBoot records a paused machine from its start for the guest timeout.
func (o *Orchestrator) runBoot(ctx context.Context, session Session, req Request) (*Result, error) {
	if len(req.Command) > 0 {
		return nil, &RequestError{Err: ErrFreshBootCommand}
	}

	started := time.Now()

	err := o.begin(session, req.RecordingPath)
	if err != nil {
		return nil, err
	}

	_, err = session.RunMonitor("cont")
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(req.guestTimeout())
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, fmt.Errorf("record boot: %w", ctx.Err())
	}

	err = o.end(session)
	if err != nil {
		return nil, err
	}

	return &Result{
		RecordingPath: req.RecordingPath,
		Duration:      time.Since(started),
	}, nil
}

func (o *Orchestrator) begin(session Session, path string) error {
	o.logger().Info("Beginning recording", slog.String("path", path))

	err := session.BeginRecord(path)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}

	return nil
}

func (o *Orchestrator) end(session Session) error {
	o.logger().Info("Ending recording")

	err := session.EndRecord()
	if err != nil {
		return fmt.Errorf("end record: %w", err)
	}

	return nil
}

// Record prepares the request, starts an emulator session with the given
// config and runs the recording in it. The session is always torn down
// before Record returns.
func (o *Orchestrator) Record(
	ctx context.Context,
	cfg qemu.SessionConfig,
	req Request,
) (*Result, error) {
	prepared, err := o.Prepare(req)
	if err != nil {
		return nil, err
	}

	// Fail on request errors before anything is spawned.
	if !prepared.FreshBoot {
		_, err = Compose(prepared)
		if err != nil {
			return nil, err
		}
	}

	cfg.FreshBoot = prepared.FreshBoot
	if cfg.Logger == nil {
		cfg.Logger = o.logger()
	}

	var result *Result

	err = qemu.WithSession(ctx, cfg, func(session *qemu.Session) error {
		var err error

		result, err = o.Run(ctx, session, prepared)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
