// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newArchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arch",
		Short: "Inspect guest architectures",
	}

	cmd.AddCommand(newArchListCommand(a))

	return cmd
}

func newArchListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known architectures and whether their image is cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}

			cache := a.cache(a.logger)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tEXECUTABLE\tIMAGE\tCACHED")

			for _, name := range catalog.Names() {
				profile := catalog[name]

				cached := "no"
				if cache.Present(profile.Image) {
					cached = "yes"
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					name, a.config.Executable(profile), profile.Image, cached)
			}

			return w.Flush()
		},
	}
}
