package plugin

import (
	"bytes"
	"context"
	"fmt"

	extism "github.com/extism/go-sdk"
	"github.com/rs/zerolog"
)

// RuntimeBackend runs rules built with an Extism PDK on the Extism runtime.
type RuntimeBackend struct {
	cfg    BackendConfig
	logger zerolog.Logger
}

// NewRuntimeBackend creates a runtime backend.
func NewRuntimeBackend(cfg BackendConfig, logger zerolog.Logger) *RuntimeBackend {
	return &RuntimeBackend{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "extism").Logger(),
	}
}

// Kind returns BackendRuntime.
func (b *RuntimeBackend) Kind() BackendKind {
	return BackendRuntime
}

// Load creates an Extism plugin with WASI enabled, the configured memory
// page limit and the runtime call timeout.
func (b *RuntimeBackend) Load(ctx context.Context, m *Manifest, module []byte) (Handle, error) {
	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: module, Name: m.Name},
		},
		Memory: &extism.ManifestMemory{
			MaxPages: b.cfg.MemoryLimitPages,
		},
		Timeout: uint64(b.cfg.RuntimeTimeout.Milliseconds()),
	}

	config := extism.PluginConfig{
		EnableWasi: true,
	}

	p, err := extism.NewPlugin(ctx, manifest, config, []extism.HostFunction{})
	if err != nil {
		return nil, NewCallError(m.Name, "failed to create Extism plugin", err)
	}

	export := m.LintExport()
	if !p.FunctionExists(export) {
		_ = p.CloseWithContext(ctx)
		return nil, NewInvalidManifestError(m.Name, fmt.Sprintf("lint export %q not found", export), nil)
	}

	return &runtimeHandle{
		plugin: p,
		export: export,
		logger: b.logger.With().Str("rule", m.Name).Logger(),
	}, nil
}

// runtimeHandle is a rule instance on the Extism runtime.
type runtimeHandle struct {
	plugin *extism.Plugin
	export string
	logger zerolog.Logger
	closed bool
}

// CallLint forwards input to the plugin's lint export.
func (h *runtimeHandle) CallLint(ctx context.Context, ruleName string, input []byte) ([]byte, error) {
	if h.closed {
		return nil, NewCallError(ruleName, "rule is unloaded", nil)
	}

	exit, output, err := h.plugin.CallWithContext(ctx, h.export, input)
	if err != nil {
		return nil, NewCallError(ruleName, fmt.Sprintf("Rule '%s' failed", ruleName), err)
	}
	if exit != 0 {
		h.logger.Debug().Uint32("exit_code", exit).Msg("Rule exited with a non-zero code")
		return nil, NewCallError(ruleName, fmt.Sprintf("Rule '%s' exited with code %d", ruleName, exit), nil)
	}

	// The SDK's output buffer is reused by the next call.
	out := bytes.Clone(output)
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Close releases the plugin.
func (h *runtimeHandle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.plugin.CloseWithContext(ctx); err != nil {
		return fmt.Errorf("failed to close Extism plugin: %w", err)
	}
	return nil
}
