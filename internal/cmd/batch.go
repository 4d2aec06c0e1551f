// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/aibor/vmrecord/internal/record"
)

// batchFile is the format of the file the batch command reads:
//
//	runs:
//	  - arch: x86_64
//	    command: ["./victim", "./input"]
//	    env: ["LANG=C"]
//	  - cmd: "/bin/ls -la /"
//	    replay_base: ls-root
type batchFile struct {
	Runs []recordOptions `yaml:"runs"`
}

func readBatchFile(path string) ([]recordOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &UsageError{msg: "batch file", err: err}
	}

	var file batchFile

	err = yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, &UsageError{msg: "batch file " + path, err: err}
	}

	if len(file.Runs) == 0 {
		return nil, &UsageError{msg: "batch file " + path + ": no runs"}
	}

	return file.Runs, nil
}

// newJobs creates the jobs for all runs. Runs must not share a replay
// directory. With more than one parallel job, they must not share a disk
// image either, as the emulator locks it.
func (a *app) newJobs(runs []recordOptions) ([]*job, error) {
	jobs := make([]*job, 0, len(runs))
	dirs := make(map[string]int, len(runs))
	images := make(map[string]int, len(runs))

	for idx, opts := range runs {
		j, err := a.newJob(opts)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", idx, err)
		}

		if other, exists := dirs[j.layout.Dir]; exists {
			return nil, &UsageError{
				msg: fmt.Sprintf("runs %d and %d: %s", other, idx, j.layout.Dir),
				err: ErrDuplicateRun,
			}
		}

		if other, exists := images[j.image]; exists && a.config.Jobs > 1 {
			return nil, &UsageError{
				msg: fmt.Sprintf("runs %d and %d: %s", other, idx, j.image),
				err: ErrDuplicateRun,
			}
		}

		dirs[j.layout.Dir] = idx
		images[j.image] = idx

		jobs = append(jobs, j)
	}

	return jobs, nil
}

// batch runs all jobs with at most the configured number of jobs in
// parallel. Images are ensured one after another before, so no file is
// downloaded twice. A failing run does not stop the others.
func (a *app) batch(ctx context.Context, jobs []*job, out io.Writer) error {
	for _, j := range jobs {
		err := a.ensure(ctx, j)
		if err != nil {
			return err
		}
	}

	results := make([]*record.Result, len(jobs))
	errs := make([]error, len(jobs))

	var eg errgroup.Group

	eg.SetLimit(a.config.Jobs)

	for idx, j := range jobs {
		eg.Go(func() error {
			results[idx], errs[idx] = a.record(ctx, j)
			return nil
		})
	}

	_ = eg.Wait()

	var failed []error

	for idx, j := range jobs {
		if errs[idx] != nil {
			j.logger.Error("Run failed", slog.Any("error", errs[idx]))
			failed = append(failed, fmt.Errorf("run %d (%s): %w", idx, j.id, errs[idx]))

			continue
		}

		_, err := fmt.Fprintln(out, j.id, results[idx].RecordingPath)
		if err != nil {
			return err
		}
	}

	return errors.Join(failed...)
}

func newBatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file.yaml>",
		Short: "Record several commands",
		Long: "Batch reads a YAML file with a list of runs, each with the " +
			"fields of the record command's flags, and records them with up " +
			"to --jobs runs in parallel. For each successful run, its ID and " +
			"recording path are printed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := readBatchFile(args[0])
			if err != nil {
				return err
			}

			jobs, err := a.newJobs(runs)
			if err != nil {
				return err
			}

			a.logger.Info("Starting batch",
				slog.Int("runs", len(jobs)),
				slog.Int("jobs", a.config.Jobs))

			return a.batch(cmd.Context(), jobs, cmd.OutOrStdout())
		},
	}
}
