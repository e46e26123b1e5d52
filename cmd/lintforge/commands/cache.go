package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lintforge/lintforge/pkg/stores"
)

func newCacheCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the result cache",
	}

	cmd.PersistentFlags().String("cache-path", "", "result cache database path")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(store *stores.SQLiteStore, path string) error {
				ctx := cmd.Context()
				stats, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				runs, err := store.ListRuns(ctx, 10, 0)
				if err != nil {
					return err
				}
				renderStats(cmd.OutOrStdout(), stats, runs)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached result and run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(store *stores.SQLiteStore, path string) error {
				if err := store.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", path)
				return nil
			})
		},
	})

	return cmd
}

// withStore opens the result cache regardless of whether caching is enabled
// for lint runs.
func withStore(cmd *cobra.Command, version string, fn func(*stores.SQLiteStore, string) error) error {
	e, err := newEnv(cmd, version)
	if err != nil {
		return err
	}
	defer func() { _ = e.close(cmd.Context()) }()

	if e.cfg.Cache.Path == "" {
		return errors.New("cache path is not configured")
	}
	e.cfg.Cache.Enabled = true

	store, err := e.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store, e.cfg.Cache.Path)
}

func renderStats(w io.Writer, stats *stores.Stats, runs []*stores.Run) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.AppendHeader(table.Row{"Results", "Files", "Rules", "Diagnostics", "Runs"})
	summary.AppendRow(table.Row{stats.Results, stats.Files, stats.Rules, stats.Diagnostics, stats.Runs})
	summary.Render()

	if len(runs) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Status", "Started", "Files", "Diagnostics", "Failures"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.Status,
			run.StartedAt.Format(time.RFC3339),
			run.Files,
			run.Diagnostics,
			run.Failures,
		})
	}
	t.Render()
}
