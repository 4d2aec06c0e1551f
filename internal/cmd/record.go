// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/aibor/vmrecord/internal/arch"
	"github.com/aibor/vmrecord/internal/imagecache"
	"github.com/aibor/vmrecord/internal/qemu"
	"github.com/aibor/vmrecord/internal/record"
	"github.com/aibor/vmrecord/internal/staging"
)

// SessionLogName is the file in the replay directory the emulator output and
// the control channel transcripts are written to.
const SessionLogName = "session.log"

// recordOptions describe a single recording. They are filled from the flags
// of the record command or from an entry of a batch file.
type recordOptions struct {
	Arch       string   `yaml:"arch"`
	Snapshot   string   `yaml:"snapshot"`
	Qcow       string   `yaml:"qcow"`
	Env        []string `yaml:"env"`
	EnvJSON    string   `yaml:"env_json"`
	Stdin      bool     `yaml:"stdin"`
	RR         bool     `yaml:"rr"`
	Perf       bool     `yaml:"perf"`
	QemuArgs   string   `yaml:"qemu_args"`
	Cmd        string   `yaml:"cmd"`
	Command    []string `yaml:"command"`
	ReplayBase string   `yaml:"replay_base"`
	FreshBoot  bool     `yaml:"fresh_boot"`
}

// command returns the guest command tokens. The command is either given as
// separate tokens or as a single shell string via --cmd.
func (o *recordOptions) command() ([]string, error) {
	if o.Cmd == "" {
		return o.Command, nil
	}

	if len(o.Command) > 0 {
		return nil, &UsageError{msg: "--cmd and command arguments are mutually exclusive"}
	}

	tokens, err := shellquote.Split(o.Cmd)
	if err != nil {
		return nil, &UsageError{msg: "--cmd", err: err}
	}

	return tokens, nil
}

// environment returns the variables of --env followed by those of
// --env-json.
func (o *recordOptions) environment() ([]record.EnvVar, error) {
	env := make([]record.EnvVar, 0, len(o.Env))

	for _, s := range o.Env {
		envVar, err := record.ParseEnvVar(s)
		if err != nil {
			return nil, err
		}

		env = append(env, envVar)
	}

	if o.EnvJSON != "" {
		vars, err := record.ParseEnvJSON(o.EnvJSON)
		if err != nil {
			return nil, err
		}

		env = append(env, vars...)
	}

	return env, nil
}

// job is a recording that passed all checks that can be done without
// network or emulator.
type job struct {
	id        string
	opts      recordOptions
	profile   arch.Profile
	layout    record.Layout
	request   record.Request
	packager  staging.Packager
	extraArgs []qemu.Argument
	image     string
	logger    *slog.Logger
}

func (a *app) newJob(opts recordOptions) (*job, error) {
	if opts.Arch == "" {
		opts.Arch = arch.DefaultArch
	}

	catalog, err := a.catalog()
	if err != nil {
		return nil, err
	}

	profile, err := catalog.Lookup(opts.Arch)
	if err != nil {
		return nil, err
	}

	command, err := opts.command()
	if err != nil {
		return nil, err
	}

	layout, err := a.layout(opts.ReplayBase, command, opts.FreshBoot)
	if err != nil {
		return nil, err
	}

	env, err := opts.environment()
	if err != nil {
		return nil, err
	}

	request := record.Request{
		Command:       command,
		Env:           env,
		Stdin:         opts.Stdin,
		RecordingPath: layout.RecordingPath,
		GuestTimeout:  a.config.GuestTimeout,
		FreshBoot:     opts.FreshBoot,
	}

	err = request.Validate()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := a.logger.With(slog.String("run", id), slog.String("arch", profile.Name))

	packager, err := staging.NewPackager(a.config.Packager, logger)
	if err != nil {
		return nil, &UsageError{msg: "packager", err: err}
	}

	extraArgs, err := extraArguments(profile, a.config.CacheDir, opts.QemuArgs)
	if err != nil {
		return nil, err
	}

	image, err := a.imagePath(profile, opts.Qcow)
	if err != nil {
		return nil, err
	}

	j := &job{
		id:        id,
		opts:      opts,
		profile:   profile,
		layout:    layout,
		request:   request,
		packager:  packager,
		extraArgs: extraArgs,
		image:     image,
		logger:    logger,
	}

	// Catch emulator argument mistakes before anything is downloaded.
	cfg := a.sessionConfig(j, nil)

	_, err = cfg.CommandLine("")
	if err != nil {
		return nil, err
	}

	return j, nil
}

// sessionConfig returns the emulator session config of the job. Emulator
// output and channel transcripts are written to output.
func (a *app) sessionConfig(j *job, output io.Writer) qemu.SessionConfig {
	return qemu.SessionConfig{
		Executable:     a.config.Executable(j.profile),
		Image:          j.image,
		Snapshot:       j.opts.Snapshot,
		FreshBoot:      j.opts.FreshBoot,
		ExtraArgs:      j.extraArgs,
		RR:             j.opts.RR,
		Perf:           j.opts.Perf,
		Prompt:         j.profile.Prompt,
		StartupTimeout: a.config.StartupTimeout,
		MonitorTimeout: a.config.ConsoleTimeout,
		ShutdownGrace:  a.config.ShutdownGrace,
		Stdout:         output,
		Stderr:         output,
		Transcript:     output,
		Logger:         j.logger,
	}
}

// layout returns the replay layout of a run. A plain replay base replaces
// the command's name. A replay base containing a path separator is used as
// recording path as is, relative to the working directory, while the replay
// directory is still named after the command.
func (a *app) layout(replayBase string, command []string, freshBoot bool) (record.Layout, error) {
	name := command
	recordingPath := ""

	switch {
	case strings.ContainsRune(replayBase, filepath.Separator):
		recordingPath = replayBase
		if !filepath.IsAbs(recordingPath) {
			recordingPath = filepath.Join(a.workDir, recordingPath)
		}

		if len(name) == 0 {
			name = []string{filepath.Base(recordingPath)}
		}
	case replayBase != "":
		name = []string{replayBase}
	case freshBoot:
		return record.Layout{}, &UsageError{err: ErrNoReplayBase, msg: "record"}
	}

	if len(name) == 0 {
		return record.Layout{}, &UsageError{err: ErrNoCommand, msg: "record"}
	}

	layout, err := record.NewLayout(a.workDir, name)
	if err != nil {
		return record.Layout{}, err
	}

	if recordingPath != "" {
		layout.RecordingPath = filepath.Clean(recordingPath)
	}

	return layout, nil
}

// extraArguments returns the profile's emulator arguments followed by the
// user given ones.
func extraArguments(profile arch.Profile, cacheDir, userArgs string) ([]qemu.Argument, error) {
	list, err := profile.Arguments(cacheDir)
	if err != nil {
		return nil, &UsageError{msg: "catalog", err: err}
	}

	user, err := shellquote.Split(userArgs)
	if err != nil {
		return nil, &UsageError{msg: "--qemu-args", err: err}
	}

	return qemu.ParseArguments(append(list, user...))
}

func (a *app) cache(logger *slog.Logger) *imagecache.Cache {
	return &imagecache.Cache{
		Dir:     a.config.CacheDir,
		BaseURL: a.config.ImageURL,
		Logger:  logger,
	}
}

// imagePath returns the absolute path of the disk image a job runs with.
func (a *app) imagePath(profile arch.Profile, qcow string) (string, error) {
	if qcow == "" {
		return a.cache(a.logger).Path(profile.Image), nil
	}

	path, err := homedir.Expand(qcow)
	if err != nil {
		return "", &UsageError{msg: "--qcow", err: err}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(a.workDir, path)
	}

	return path, nil
}

// ensure downloads the disk image and the extra files of the job if they are
// missing.
func (a *app) ensure(ctx context.Context, j *job) error {
	_, err := a.cache(j.logger).Ensure(ctx, j.profile, j.image)
	if err != nil {
		return fmt.Errorf("ensure image: %w", err)
	}

	return nil
}

// record runs the job's recording. The replay directory is created if
// needed.
func (a *app) record(ctx context.Context, j *job) (*record.Result, error) {
	err := os.MkdirAll(j.layout.Dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create replay dir: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(j.layout.RecordingPath), 0o755)
	if err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	area, err := staging.NewArea(j.layout.StagingDir, j.packager)
	if err != nil {
		return nil, err
	}

	sessionLog, err := os.Create(filepath.Join(j.layout.Dir, SessionLogName))
	if err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}
	defer sessionLog.Close()

	orchestrator := record.Orchestrator{
		Area: area,
		Stager: &staging.Stager{
			Device:         j.profile.Device,
			ConsoleTimeout: a.config.ConsoleTimeout,
			Logger:         j.logger,
		},
		Logger: j.logger,
	}

	if a.config.RunTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, a.config.RunTimeout)
		defer cancel()
	}

	j.logger.Info("Starting recording",
		slog.String("dir", j.layout.Dir),
		slog.String("image", j.image))

	result, err := orchestrator.Record(ctx, a.sessionConfig(j, sessionLog), j.request)
	if err != nil {
		return nil, err
	}

	j.logger.Info("Recording finished",
		slog.String("path", result.RecordingPath),
		slog.Duration("duration", result.Duration),
		slog.Int("files", len(result.Files)))

	return result, nil
}

func newRecordCommand(a *app) *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record [flags] [--] command [args...]",
		Short: "Record a command run in the guest",
		Long: "Record runs the command in a guest resumed from a snapshot and " +
			"records its execution.\n\n" +
			"Arguments naming existing host files are copied to the guest " +
			"and replaced by their guest path. Arguments prefixed with " +
			"\"guest:\" are passed without the prefix and never copied. The " +
			"recording is written to ./replays/<name>/<name>, where name is " +
			"the base name of the command.",
		Example: "  vmrecord record --arch x86_64 -- ./victim ./input\n" +
			"  vmrecord record --stdin -- ./victim ./input\n" +
			"  vmrecord record --env LANG=C -- guest:/bin/ls -la /\n" +
			"  vmrecord record --fresh-boot --replay-base boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = args

			j, err := a.newJob(opts)
			if err != nil {
				return err
			}

			err = a.ensure(cmd.Context(), j)
			if err != nil {
				return err
			}

			result, err := a.record(cmd.Context(), j)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), result.RecordingPath)

			return err
		},
	}

	// Everything after the command is passed to it.
	cmd.Flags().SetInterspersed(false)

	flags := cmd.Flags()
	flags.StringVar(&opts.Arch, "arch", arch.DefaultArch,
		"Guest architecture")
	flags.StringVarP(&opts.Snapshot, "snapshot", "s", qemu.DefaultSnapshot,
		"Snapshot to resume the guest from")
	flags.StringVar(&opts.Qcow, "qcow", "",
		"Disk image to use instead of the cached one")
	flags.StringArrayVar(&opts.Env, "env", nil,
		"Environment variable KEY=VALUE for the command, may be repeated")
	flags.StringVar(&opts.EnvJSON, "env-json", "",
		"Environment variables for the command as JSON object")
	flags.BoolVar(&opts.Stdin, "stdin", false,
		"Feed the second command argument to the command's standard input")
	flags.BoolVar(&opts.RR, "rr", false,
		"Run the emulator under rr record")
	flags.BoolVar(&opts.Perf, "perf", false,
		"Run the emulator under perf record")
	flags.StringVar(&opts.QemuArgs, "qemu-args", "",
		"Additional emulator arguments")
	flags.StringVar(&opts.Cmd, "cmd", "",
		"Command as single shell string instead of arguments")
	flags.StringVar(&opts.ReplayBase, "replay-base", "",
		"Name of the replay directory and recording, or recording path if it contains a \"/\"")
	flags.BoolVar(&opts.FreshBoot, "fresh-boot", false,
		"Record the boot of the machine instead of a command")

	return cmd
}
