package config

import (
	"time"

	"github.com/lintforge/lintforge/pkg/plugin"
	"github.com/lintforge/lintforge/pkg/telemetry"
)

// Config is the lintforge configuration.
type Config struct {
	// RulesDir holds one subdirectory per rule, each with a rule.yaml.
	RulesDir string `koanf:"rules_dir" validate:"required"`

	// Extensions selects the files linted when a directory is given.
	Extensions []string `koanf:"extensions" validate:"min=1,dive,startswith=."`

	// Rules holds per-rule overrides keyed by rule name or alias.
	Rules map[string]RuleConfig `koanf:"rules" validate:"dive"`

	// Fuel is the instruction budget of one interpreter rule call.
	Fuel uint64 `koanf:"fuel" validate:"gt=0,lte=9223372036854775807"`

	// MemoryLimitPages caps guest memory in 64 KiB pages.
	MemoryLimitPages uint32 `koanf:"memory_limit_pages" validate:"gt=0,lte=65536"`

	// RuntimeTimeout bounds one runtime backend call.
	RuntimeTimeout time.Duration `koanf:"runtime_timeout" validate:"gt=0"`

	// Concurrency is the number of files read in parallel.
	Concurrency int `koanf:"concurrency" validate:"gte=1,lte=256"`

	Cache   CacheConfig             `koanf:"cache"`
	Logging telemetry.LoggingConfig `koanf:"logging"`
	Tracing telemetry.TracingConfig `koanf:"tracing"`
	Metrics telemetry.MetricsConfig `koanf:"metrics"`
	Events  telemetry.EventsConfig  `koanf:"events"`
}

// RuleConfig overrides one rule.
type RuleConfig struct {
	// Enabled defaults to true.
	Enabled *bool `koanf:"enabled"`

	// Options replaces the rule's manifest options.
	Options map[string]any `koanf:"options"`
}

// IsEnabled reports whether the rule should run.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path" validate:"required_if=Enabled true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		RulesDir:         "rules",
		Extensions:       []string{".md", ".markdown"},
		Rules:            map[string]RuleConfig{},
		Fuel:             plugin.DefaultFuel,
		MemoryLimitPages: plugin.DefaultMemoryLimitPages,
		RuntimeTimeout:   plugin.DefaultRuntimeTimeout,
		Concurrency:      8,
		Cache: CacheConfig{
			Enabled: false,
			Path:    ".lintforge/cache.db",
		},
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
		Events:  tel.Events,
	}
}

// Backend returns the plugin backend limits.
func (c *Config) Backend() plugin.BackendConfig {
	return plugin.BackendConfig{
		Fuel:             c.Fuel,
		MemoryLimitPages: c.MemoryLimitPages,
		RuntimeTimeout:   c.RuntimeTimeout,
	}
}

// Telemetry returns the telemetry configuration.
func (c *Config) Telemetry(version string) *telemetry.Config {
	return &telemetry.Config{
		ServiceName:    "lintforge",
		ServiceVersion: version,
		Logging:        c.Logging,
		Tracing:        c.Tracing,
		Metrics:        c.Metrics,
		Events:         c.Events,
	}
}

// Rule returns the override for a rule, trying its name and then each alias.
func (c *Config) Rule(name string, aliases []string) (RuleConfig, bool) {
	if rc, ok := c.Rules[name]; ok {
		return rc, true
	}
	for _, alias := range aliases {
		if rc, ok := c.Rules[alias]; ok {
			return rc, true
		}
	}
	return RuleConfig{}, false
}
