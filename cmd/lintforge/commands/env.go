package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lintforge/lintforge/pkg/config"
	"github.com/lintforge/lintforge/pkg/plugin"
	"github.com/lintforge/lintforge/pkg/stores"
	"github.com/lintforge/lintforge/pkg/telemetry"
)

// env is what a command needs to run rules: the configuration, telemetry
// and the plugin host.
type env struct {
	cfg    *config.Config
	file   string
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	host   *plugin.Host
}

func newEnv(cmd *cobra.Command, version string) (*env, error) {
	res, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg := res.Config

	if flag := cmd.Flags().Lookup("metrics-addr"); flag != nil && flag.Changed {
		cfg.Metrics.Enabled = true
	}
	// Watch mode reacts to rule lifecycle events.
	if flag := cmd.Flags().Lookup("watch"); flag != nil && flag.Changed {
		cfg.Events.Enabled = true
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := *tel.Logger.Zerolog()

	if res.File != "" {
		logger.Debug().Str("file", res.File).Msg("Loaded configuration")
	}

	host := plugin.NewHost(plugin.HostConfig{
		Backend: cfg.Backend(),
		Logger:  &logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
	})

	return &env{
		cfg:    cfg,
		file:   res.File,
		tel:    tel,
		logger: logger,
		host:   host,
	}, nil
}

// loadRules loads every rule in the rules directory. Rules that fail to load
// are reported and skipped.
func (e *env) loadRules(ctx context.Context) []string {
	loaded, err := e.host.LoadDir(ctx, e.cfg.RulesDir)
	if err != nil {
		e.logger.Warn().Err(err).Str("dir", e.cfg.RulesDir).Msg("Some rules failed to load")
	}
	e.logger.Info().Int("rules", len(loaded)).Str("dir", e.cfg.RulesDir).Msg("Rules loaded")
	return loaded
}

// openStore opens and migrates the result cache. It returns nil when caching
// is disabled.
func (e *env) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if !e.cfg.Cache.Enabled {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(e.cfg.Cache.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: e.cfg.Cache.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (e *env) close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(
		e.host.UnloadAll(ctx),
		e.tel.Shutdown(ctx),
	)
}
