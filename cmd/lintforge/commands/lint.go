package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lintforge/lintforge/pkg/linter"
	"github.com/lintforge/lintforge/pkg/plugin"
	"github.com/lintforge/lintforge/pkg/telemetry"
)

func newLintCommand(version string) *cobra.Command {
	var (
		format string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "lint [paths...]",
		Short: "Lint files with the configured rules",
		Long: `Lint files with every enabled rule in the rules directory.

Directories are walked for files with a configured extension. The command
exits with status 1 when a diagnostic of error severity is reported or a
rule fails.`,
		Example: `  # Lint the current directory
  lintforge lint

  # Lint two files with the result cache enabled
  lintforge lint --cache README.md docs/guide.md

  # Keep linting as rules change
  lintforge lint --watch ./docs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != linter.FormatText && format != linter.FormatJSON {
				return fmt.Errorf("unsupported output format: %s", format)
			}

			paths := args
			if len(paths) == 0 {
				paths = []string{"."}
			}
			return runLint(cmd, version, paths, format, watch)
		},
	}

	flags := cmd.Flags()
	flags.String("rules-dir", "", "directory holding one subdirectory per rule")
	flags.Uint64("fuel", plugin.DefaultFuel, "instruction budget of one rule call")
	flags.Int("concurrency", 8, "number of files linted in parallel")
	flags.Bool("cache", false, "cache rule results between runs")
	flags.String("cache-path", "", "result cache database path")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVarP(&format, "format", "f", linter.FormatText, "output format (text, json)")
	flags.BoolVarP(&watch, "watch", "w", false, "reload rules and lint again when they change")

	return cmd
}

func runLint(cmd *cobra.Command, version string, paths []string, format string, watch bool) error {
	ctx := cmd.Context()

	e, err := newEnv(cmd, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.close(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Shutdown failed")
		}
	}()

	if addr := e.cfg.Metrics.ListenAddress; e.cfg.Metrics.Enabled && addr != "" {
		go func() {
			if err := e.tel.Metrics.Serve(ctx, addr); err != nil {
				e.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
			}
		}()
	}

	e.loadRules(ctx)

	store, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	opts := linter.Options{
		Host:        e.host,
		Rules:       e.cfg.Rules,
		Extensions:  e.cfg.Extensions,
		Concurrency: e.cfg.Concurrency,
		Logger:      &e.logger,
		Metrics:     e.tel.Metrics,
		Tracer:      e.tel.Tracer,
		Events:      e.tel.Events,
	}
	if store != nil {
		defer store.Close()
		opts.Store = store
	}
	l := linter.New(opts)

	report, err := l.Lint(ctx, paths)
	if err != nil {
		return err
	}
	if err := linter.Write(cmd.OutOrStdout(), report, format); err != nil {
		return err
	}

	if watch {
		return watchRules(ctx, cmd, e, l, paths, format)
	}

	if report.HasErrors() || report.FailureCount() > 0 {
		return &ExitError{Code: 1}
	}
	return nil
}

// watchRules lints paths again whenever a rule is loaded, reloaded or
// removed, until ctx is done.
func watchRules(ctx context.Context, cmd *cobra.Command, e *env, l *linter.Linter, paths []string, format string) error {
	watcher := plugin.NewWatcher(e.host, e.cfg.RulesDir, e.tel.Events, e.logger)
	if err := watcher.Watch(ctx); err != nil {
		return err
	}
	defer watcher.Close()

	changed := make(chan struct{}, 1)
	e.tel.Events.Subscribe(func(event telemetry.Event) {
		if event.Type == telemetry.EventTypeRuleFailed {
			fmt.Fprintf(os.Stderr, "rule %s failed to load: %s\n", event.Path, event.Message)
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}, telemetry.FilterByType(
		telemetry.EventTypeRuleLoaded,
		telemetry.EventTypeRuleReloaded,
		telemetry.EventTypeRuleUnloaded,
		telemetry.EventTypeRuleFailed,
	))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			report, err := l.Lint(ctx, paths)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Error().Err(err).Msg("Lint run failed")
				continue
			}
			if err := linter.Write(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
		}
	}
}
