// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aibor/vmrecord/internal/arch"
)

// app carries the state shared by all commands. The config is loaded in the
// root command's pre-run hook, so it is available in all RunE functions.
type app struct {
	io       IO
	levelVar *slog.LevelVar
	logger   *slog.Logger
	viper    *viper.Viper
	config   *Config
	workDir  string
}

func newApp(cfg IO, workDir string) *app {
	var levelVar slog.LevelVar

	return &app{
		io:       cfg,
		levelVar: &levelVar,
		logger:   newLogger(cfg.Stderr, &levelVar),
		viper:    viper.New(),
		workDir:  workDir,
	}
}

// catalog returns the built-in architectures merged with the configured
// catalog file, if any.
func (a *app) catalog() (arch.Catalog, error) {
	if a.config.Catalog == "" {
		return arch.Default(), nil
	}

	catalog, err := arch.Load(a.config.Catalog)
	if err != nil {
		return nil, &UsageError{msg: "catalog", err: err}
	}

	return catalog, nil
}

func newRootCommand(a *app) *cobra.Command {
	var (
		logLevel   string
		configFile string
	)

	root := &cobra.Command{
		Use:   "vmrecord",
		Short: "Record program executions in an emulated guest",
		Long: "vmrecord runs a program inside an emulated guest resumed from a " +
			"disk image snapshot and records its execution for later replay.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel,
		"Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configFile, "config", "",
		"Config file (default ~/.vmrecord/config.yaml)")
	configFlags(root.PersistentFlags())

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}

		a.levelVar.Set(level)

		a.config, err = loadConfig(a.viper, cmd.Flags(), configFile)
		if err != nil {
			return err
		}

		a.logger.Debug("Loaded config",
			slog.String("file", a.viper.ConfigFileUsed()),
			slog.Any("config", *a.config))

		return nil
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{msg: "flags", err: err}
	})

	root.AddCommand(
		newRecordCommand(a),
		newBatchCommand(a),
		newArchCommand(a),
	)

	root.SetIn(a.io.Stdin)
	root.SetOut(a.io.Stdout)
	root.SetErr(a.io.Stderr)

	return root
}
