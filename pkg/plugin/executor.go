package plugin

import (
	"context"
	"time"

	"github.com/lintforge/lintforge/pkg/metering"
)

// BackendKind selects the engine a rule runs on.
type BackendKind string

const (
	// BackendAuto detects the backend from the artifact.
	BackendAuto BackendKind = "auto"

	// BackendInterpreter runs plain WebAssembly modules on the wazero
	// interpreter with an instruction budget.
	BackendInterpreter BackendKind = "interpreter"

	// BackendRuntime runs Extism plugins.
	BackendRuntime BackendKind = "runtime"
)

// extismHostModule is the import namespace of the Extism kernel.
const extismHostModule = "extism:host/env"

// Defaults for BackendConfig.
const (
	DefaultFuel             uint64 = 1_000_000_000
	DefaultMemoryLimitPages uint32 = 2048 // 128 MiB
	DefaultRuntimeTimeout          = 5 * time.Second
)

// Backend loads rule artifacts into callable handles.
type Backend interface {
	// Kind returns the backend kind.
	Kind() BackendKind

	// Load compiles and instantiates module for the rule described by m.
	Load(ctx context.Context, m *Manifest, module []byte) (Handle, error)
}

// Handle is a loaded rule instance. A handle is owned by exactly one rule
// and is never called concurrently.
type Handle interface {
	// CallLint passes input to the rule's lint entry point and returns a
	// copy of its output.
	CallLint(ctx context.Context, ruleName string, input []byte) ([]byte, error)

	// Close releases the instance. Closing twice is a no-op.
	Close(ctx context.Context) error
}

// BackendConfig holds the resource limits applied by the backends.
type BackendConfig struct {
	// Fuel is the instruction budget of one interpreter call.
	Fuel uint64

	// MemoryLimitPages caps guest linear memory in 64 KiB pages.
	MemoryLimitPages uint32

	// RuntimeTimeout is the Extism call timeout.
	RuntimeTimeout time.Duration
}

func (c BackendConfig) withDefaults() BackendConfig {
	if c.Fuel == 0 {
		c.Fuel = DefaultFuel
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if c.RuntimeTimeout == 0 {
		c.RuntimeTimeout = DefaultRuntimeTimeout
	}
	return c
}

// DetectBackend inspects module's imports: modules built against the Extism
// PDK import the Extism kernel and need the runtime backend; everything else
// runs on the interpreter.
func DetectBackend(module []byte) (BackendKind, error) {
	imports, err := metering.Imports(module)
	if err != nil {
		return "", err
	}
	for _, imp := range imports {
		if imp.Module == extismHostModule {
			return BackendRuntime, nil
		}
	}
	return BackendInterpreter, nil
}

// selectBackend resolves the backend for a manifest and artifact.
func selectBackend(m *Manifest, module []byte) (BackendKind, error) {
	if m.Backend != "" && m.Backend != BackendAuto {
		return m.Backend, nil
	}
	kind, err := DetectBackend(module)
	if err != nil {
		return "", NewInvalidManifestError(m.Name, "artifact is not a WebAssembly module", err)
	}
	return kind, nil
}
