package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LINTFORGE_"

// FileNames are the config files Load looks for when none is given.
var FileNames = []string{"lintforge.yaml", "lintforge.yml", ".lintforge.yaml"}

// flagKeys maps command line flags to config keys where the names differ.
var flagKeys = map[string]string{
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"cache":        "cache.enabled",
	"cache-path":   "cache.path",
	"metrics-addr": "metrics.listen_address",
}

var validate = validator.New()

// Result is a loaded configuration and the file it came from, if any.
type Result struct {
	Config *Config
	File   string
}

// Load builds the configuration from defaults, the config file, environment
// variables and flags. An empty path searches the working directory for one
// of FileNames; a missing explicit path is an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Result, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	used := findConfigFile(path)
	if path != "" && used == "" {
		return nil, fmt.Errorf("config file %s not found", path)
	}
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	// LINTFORGE_CACHE__ENABLED -> cache.enabled
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = map[string]RuleConfig{}
	}

	// Paths from the config file are relative to it; flag values are
	// relative to the working directory.
	if used != "" {
		base := filepath.Dir(used)
		if !changed(flags, "rules-dir") {
			cfg.RulesDir = resolvePath(cfg.RulesDir, base)
		}
		if !changed(flags, "cache-path") {
			cfg.Cache.Path = resolvePath(cfg.Cache.Path, base)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Result{Config: &cfg, File: used}, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry("").Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaults() map[string]interface{} {
	d := Default()
	return map[string]interface{}{
		"rules_dir":              d.RulesDir,
		"extensions":             d.Extensions,
		"fuel":                   d.Fuel,
		"memory_limit_pages":     d.MemoryLimitPages,
		"runtime_timeout":        d.RuntimeTimeout,
		"concurrency":            d.Concurrency,
		"cache.enabled":          d.Cache.Enabled,
		"cache.path":             d.Cache.Path,
		"logging.level":          d.Logging.Level,
		"logging.format":         d.Logging.Format,
		"logging.output":         d.Logging.Output,
		"logging.time_format":    d.Logging.TimeFormat,
		"tracing.enabled":        d.Tracing.Enabled,
		"tracing.exporter":       d.Tracing.Exporter,
		"tracing.sampling_rate":  d.Tracing.SamplingRate,
		"tracing.export_timeout": d.Tracing.ExportTimeout,
		"tracing.insecure":       d.Tracing.Insecure,
		"metrics.enabled":        d.Metrics.Enabled,
		"metrics.listen_address": d.Metrics.ListenAddress,
		"metrics.path":           d.Metrics.Path,
		"metrics.namespace":      d.Metrics.Namespace,
		"events.enabled":         d.Events.Enabled,
		"events.buffer_size":     d.Events.BufferSize,
	}
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return ""
		}
		return explicit
	}
	for _, name := range FileNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func resolvePath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func changed(flags *pflag.FlagSet, name string) bool {
	if flags == nil {
		return false
	}
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
