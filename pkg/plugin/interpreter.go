package plugin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/lintforge/lintforge/pkg/metering"
)

// Conventional export names tried when the manifest leaves them empty.
var (
	lintExportNames  = []string{"lint", "__lint"}
	allocExportNames = []string{"alloc", "__alloc", "malloc"}
)

// InterpreterBackend runs rules on the wazero interpreter. Each rule gets its
// own runtime, so guests share no state.
type InterpreterBackend struct {
	cfg    BackendConfig
	logger zerolog.Logger
}

// NewInterpreterBackend creates an interpreter backend.
func NewInterpreterBackend(cfg BackendConfig, logger zerolog.Logger) *InterpreterBackend {
	return &InterpreterBackend{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "interpreter").Logger(),
	}
}

// Kind returns BackendInterpreter.
func (b *InterpreterBackend) Kind() BackendKind {
	return BackendInterpreter
}

// Load instruments module with the fuel counter, instantiates it and
// resolves the guest contract exports.
func (b *InterpreterBackend) Load(ctx context.Context, m *Manifest, module []byte) (Handle, error) {
	metered, err := metering.Instrument(module, b.cfg.Fuel)
	if err != nil {
		return nil, NewInvalidManifestError(m.Name, "failed to instrument WASM module", err)
	}

	// No WithCloseOnContextDone: the instruction budget is the only bound
	// on a running call.
	runtimeConfig := wazero.NewRuntimeConfigInterpreter().
		WithMemoryLimitPages(b.cfg.MemoryLimitPages)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	h, err := b.instantiate(ctx, runtime, m, metered)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (b *InterpreterBackend) instantiate(ctx context.Context, runtime wazero.Runtime, m *Manifest, metered []byte) (*interpreterHandle, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, NewCallError(m.Name, "failed to instantiate WASI", err)
	}

	logger := b.logger.With().Str("rule", m.Name).Logger()
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, msg, file, line, col uint32) {
			logger.Warn().
				Uint32("line", line).
				Uint32("column", col).
				Msg("Rule called abort")
		}).
		Export("abort").
		Instantiate(ctx)
	if err != nil {
		return nil, NewCallError(m.Name, "failed to instantiate host module", err)
	}

	compiled, err := runtime.CompileModule(ctx, metered)
	if err != nil {
		return nil, NewInvalidManifestError(m.Name, "failed to compile WASM module", err)
	}

	modConfig := wazero.NewModuleConfig().
		WithName(m.Name).
		WithStartFunctions("_initialize")
	mod, err := runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, NewCallError(m.Name, "failed to instantiate WASM module", err)
	}

	h := &interpreterHandle{
		runtime: runtime,
		module:  mod,
		budget:  b.cfg.Fuel,
		logger:  logger,
	}

	h.memory = mod.ExportedMemory("memory")
	if h.memory == nil {
		return nil, NewInvalidManifestError(m.Name, "module does not export memory", nil)
	}

	fuel, ok := mod.ExportedGlobal(metering.FuelExport).(api.MutableGlobal)
	if !ok {
		return nil, NewCallError(m.Name, "fuel counter missing from instrumented module", nil)
	}
	h.fuel = fuel

	if h.lint, err = lookupFunc(mod, m.Exports.Lint, lintExportNames); err != nil {
		return nil, NewInvalidManifestError(m.Name, "lint export not found", err)
	}
	if h.packed, err = lintSignature(h.lint.Definition()); err != nil {
		return nil, NewInvalidManifestError(m.Name, "lint export has the wrong signature", err)
	}

	if h.alloc, err = lookupFunc(mod, m.Exports.Alloc, allocExportNames); err != nil {
		return nil, NewInvalidManifestError(m.Name, "alloc export not found", err)
	}
	if !hasSignature(h.alloc.Definition(), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		return nil, NewInvalidManifestError(m.Name, "alloc export has the wrong signature",
			fmt.Errorf("want (i32) -> i32, got %s", signature(h.alloc.Definition())))
	}

	if m.Exports.Free != "" {
		if h.free, err = lookupFunc(mod, m.Exports.Free, nil); err != nil {
			return nil, NewInvalidManifestError(m.Name, "free export not found", err)
		}
		if !hasSignature(h.free.Definition(), []api.ValueType{api.ValueTypeI32}, nil) {
			return nil, NewInvalidManifestError(m.Name, "free export has the wrong signature",
				fmt.Errorf("want (i32) -> (), got %s", signature(h.free.Definition())))
		}
	}

	return h, nil
}

// lookupFunc finds the configured export, or the first conventional name
// present when none is configured.
func lookupFunc(mod api.Module, configured string, fallbacks []string) (api.Function, error) {
	names := fallbacks
	if configured != "" {
		names = []string{configured}
	}
	for _, name := range names {
		if fn := mod.ExportedFunction(name); fn != nil {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("none of %v is exported", names)
}

// lintSignature accepts (i32, i32) -> i64 with a packed (ptr << 32) | len
// result, and (i32, i32) -> (i32, i32). It reports whether the result is packed.
func lintSignature(def api.FunctionDefinition) (bool, error) {
	params := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	switch {
	case hasSignature(def, params, []api.ValueType{api.ValueTypeI64}):
		return true, nil
	case hasSignature(def, params, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}):
		return false, nil
	default:
		return false, fmt.Errorf("want (i32, i32) -> i64 or (i32, i32) -> (i32, i32), got %s", signature(def))
	}
}

func hasSignature(def api.FunctionDefinition, params, results []api.ValueType) bool {
	return equalTypes(def.ParamTypes(), params) && equalTypes(def.ResultTypes(), results)
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(def api.FunctionDefinition) string {
	return fmt.Sprintf("%s -> %s", typeList(def.ParamTypes()), typeList(def.ResultTypes()))
}

func typeList(types []api.ValueType) string {
	s := "("
	for i, t := range types {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}

// interpreterHandle is a rule instance on the interpreter backend.
type interpreterHandle struct {
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory

	lint  api.Function
	alloc api.Function
	free  api.Function

	// packed is set when lint returns a single (ptr << 32) | len i64.
	packed bool

	fuel     api.MutableGlobal
	budget   uint64
	fuelUsed uint64

	logger zerolog.Logger
	closed bool
}

// CallLint resets the fuel counter, writes input into guest memory, calls
// lint and copies the result out.
func (h *interpreterHandle) CallLint(ctx context.Context, ruleName string, input []byte) ([]byte, error) {
	if h.closed {
		return nil, NewCallError(ruleName, "rule is unloaded", nil)
	}

	h.fuel.Set(h.budget)
	defer h.recordFuel()

	inPtr, err := writeBytes(ctx, h.memory, h.alloc, input)
	if err != nil {
		return nil, h.failure(ruleName, "failed to write input", err)
	}

	results, err := h.lint.Call(ctx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, h.failure(ruleName, fmt.Sprintf("Rule '%s' failed", ruleName), err)
	}

	var outPtr, outLen uint32
	if h.packed {
		outPtr, outLen = unpackPtrLen(results[0])
	} else {
		outPtr, outLen = uint32(results[0]), uint32(results[1])
	}

	output, err := readBytes(h.memory, outPtr, outLen)
	if err != nil {
		return nil, NewCallError(ruleName, "failed to read output", err)
	}

	if h.free != nil {
		h.release(ctx, inPtr, len(input))
		h.release(ctx, outPtr, int(outLen))
	}
	return output, nil
}

func (h *interpreterHandle) release(ctx context.Context, ptr uint32, size int) {
	if size == 0 {
		return
	}
	if _, err := h.free.Call(ctx, uint64(ptr)); err != nil {
		h.logger.Warn().Err(err).Uint32("ptr", ptr).Msg("Rule free failed")
	}
}

// failure classifies a guest fault: a negative fuel counter means the trap
// came from the budget check.
func (h *interpreterHandle) failure(ruleName, msg string, err error) error {
	if int64(h.fuel.Get()) < 0 {
		return NewResourceExhaustedError(ruleName, h.budget)
	}
	return NewCallError(ruleName, msg, err)
}

func (h *interpreterHandle) recordFuel() {
	remaining := int64(h.fuel.Get())
	if remaining < 0 {
		remaining = 0
	}
	h.fuelUsed = h.budget - uint64(remaining)
}

// FuelUsed returns the instructions charged by the last call.
func (h *interpreterHandle) FuelUsed() uint64 {
	return h.fuelUsed
}

// Close releases the runtime and every module in it.
func (h *interpreterHandle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
