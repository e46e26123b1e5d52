package metering

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/lintforge/lintforge/internal/wasmtest"
)

// countModule exports count(n) which loops n times and returns n.
func countModule() []byte {
	m := &wasmtest.Module{
		Types: []wasmtest.FuncType{{Params: []byte{wasmtest.I32}, Results: []byte{wasmtest.I32}}},
		Funcs: []wasmtest.Func{{
			Type:   0,
			Locals: []byte{wasmtest.I32},
			Body: []byte{
				0x02, 0x40, // block
				0x03, 0x40, // loop
				0x20, 0x01, // local.get 1
				0x20, 0x00, // local.get 0
				0x4e,       // i32.ge_s
				0x0d, 0x01, // br_if 1
				0x20, 0x01, // local.get 1
				0x41, 0x01, // i32.const 1
				0x6a,       // i32.add
				0x21, 0x01, // local.set 1
				0x0c, 0x00, // br 0
				0x0b,       // end
				0x0b,       // end
				0x20, 0x01, // local.get 1
			},
		}},
		Exports: []wasmtest.Export{{Name: "count", Kind: wasmtest.KindFunc, Index: 0}},
	}
	return m.Bytes()
}

func instantiate(t *testing.T, module []byte) api.Module {
	t.Helper()
	ctx := context.Background()

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	t.Cleanup(func() { _ = r.Close(ctx) })

	mod, err := r.Instantiate(ctx, module)
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	return mod
}

func fuel(t *testing.T, mod api.Module) int64 {
	t.Helper()
	g := mod.ExportedGlobal(FuelExport)
	if g == nil {
		t.Fatalf("fuel global %q not exported", FuelExport)
	}
	return int64(g.Get())
}

func TestInstrumentChargesPerIteration(t *testing.T) {
	const budget = 10_000

	out, err := Instrument(countModule(), budget)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}
	mod := instantiate(t, out)

	if got := fuel(t, mod); got != budget {
		t.Fatalf("initial fuel = %d, want %d", got, budget)
	}

	res, err := mod.ExportedFunction("count").Call(context.Background(), 10)
	if err != nil {
		t.Fatalf("count(10) error = %v", err)
	}
	if uint32(res[0]) != 10 {
		t.Errorf("count(10) = %d, want 10", uint32(res[0]))
	}

	// Entry region: block, loop, end, local.get, end = 5.
	// Loop region: 10 instructions, charged on each of the 11 entries.
	want := int64(budget - (5 + 10*11))
	if got := fuel(t, mod); got != want {
		t.Errorf("fuel after count(10) = %d, want %d", got, want)
	}
}

func TestInstrumentTrapsWhenExhausted(t *testing.T) {
	out, err := Instrument(wasmtest.LoopRule(), 1000)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}
	mod := instantiate(t, out)

	_, err = mod.ExportedFunction("lint").Call(context.Background(), 0, 0)
	if err == nil {
		t.Fatal("expected trap from unbounded loop")
	}
	if got := fuel(t, mod); got >= 0 {
		t.Errorf("fuel after trap = %d, want negative", got)
	}
}

func TestInstrumentResetFuel(t *testing.T) {
	out, err := Instrument(countModule(), 200)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}
	mod := instantiate(t, out)
	ctx := context.Background()
	count := mod.ExportedFunction("count")

	// 200 fuel covers count(10) once but not twice.
	if _, err := count.Call(ctx, 10); err != nil {
		t.Fatalf("first call error = %v", err)
	}
	if _, err := count.Call(ctx, 10); err == nil {
		t.Fatal("expected second call to run out of fuel")
	}

	g, ok := mod.ExportedGlobal(FuelExport).(api.MutableGlobal)
	if !ok {
		t.Fatal("fuel global is not mutable")
	}
	g.Set(200)
	if _, err := count.Call(ctx, 10); err != nil {
		t.Fatalf("call after reset error = %v", err)
	}
}

func TestInstrumentKeepsExistingGlobals(t *testing.T) {
	out, err := Instrument(wasmtest.EchoRule(), 1_000_000)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}
	mod := instantiate(t, out)
	ctx := context.Background()

	alloc := mod.ExportedFunction("alloc")
	first, err := alloc.Call(ctx, 8)
	if err != nil {
		t.Fatalf("alloc(8) error = %v", err)
	}
	second, err := alloc.Call(ctx, 8)
	if err != nil {
		t.Fatalf("alloc(8) error = %v", err)
	}
	if first[0] != wasmtest.HeapBase || second[0] != wasmtest.HeapBase+8 {
		t.Errorf("alloc returned %d, %d; want %d, %d", first[0], second[0], wasmtest.HeapBase, wasmtest.HeapBase+8)
	}

	res, err := mod.ExportedFunction("lint").Call(ctx, 7, 3)
	if err != nil {
		t.Fatalf("lint error = %v", err)
	}
	if res[0] != 7<<32|3 {
		t.Errorf("lint = %#x, want %#x", res[0], uint64(7<<32|3))
	}
	if got := fuel(t, mod); got >= 1_000_000 {
		t.Errorf("fuel = %d, want less than the budget", got)
	}
}

func TestInstrumentDataSegments(t *testing.T) {
	payload := []byte("canned")
	out, err := Instrument(wasmtest.ConstRule(payload), 1000)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}
	mod := instantiate(t, out)

	got, ok := mod.Memory().Read(wasmtest.ResponseOffset, uint32(len(payload)))
	if !ok || string(got) != "canned" {
		t.Errorf("data segment = %q, %v", got, ok)
	}
}

func TestInstrumentErrors(t *testing.T) {
	instrumented, err := Instrument(wasmtest.EchoRule(), 10)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}

	tests := []struct {
		name   string
		module []byte
		fuel   uint64
	}{
		{name: "not wasm", module: []byte("not a module"), fuel: 10},
		{name: "truncated", module: wasmtest.EchoRule()[:20], fuel: 10},
		{name: "already instrumented", module: instrumented, fuel: 10},
		{name: "fuel too large", module: wasmtest.EchoRule(), fuel: 1 << 63},
		{
			name: "threads opcode",
			module: (&wasmtest.Module{
				Types: []wasmtest.FuncType{{}},
				Funcs: []wasmtest.Func{{Type: 0, Body: []byte{0xfe, 0x03, 0x00}}},
			}).Bytes(),
			fuel: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Instrument(tt.module, tt.fuel); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	if _, err := Instrument([]byte("junk"), 1); !errors.Is(err, ErrNotWasm) {
		t.Errorf("error = %v, want ErrNotWasm", err)
	}
}

func TestImports(t *testing.T) {
	imports, err := Imports(wasmtest.ExtismImportRule())
	if err != nil {
		t.Fatalf("Imports() error = %v", err)
	}
	if len(imports) != 1 {
		t.Fatalf("got %d imports, want 1", len(imports))
	}
	if imports[0].Module != "extism:host/env" || imports[0].Name != "input_length" || imports[0].Kind != ExternFunc {
		t.Errorf("unexpected import %+v", imports[0])
	}

	imports, err = Imports(wasmtest.EchoRule())
	if err != nil {
		t.Fatalf("Imports() error = %v", err)
	}
	if len(imports) != 0 {
		t.Errorf("got %d imports, want 0", len(imports))
	}
}

func TestInstrumentLayout(t *testing.T) {
	importsGlobal := encodeModule(&wasm.Module{
		TypeSection: []*wasm.FunctionType{{}},
		ImportSection: []*wasm.Import{{
			Type:       wasm.ExternTypeGlobal,
			Module:     "env",
			Name:       "base",
			DescGlobal: &wasm.GlobalType{ValType: wasm.ValueTypeI32},
		}},
		FunctionSection: []wasm.Index{0},
		GlobalSection: []*wasm.Global{{
			Type: &wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true},
			Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0x00}},
		}},
		ExportSection: []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "run", Index: 0}},
		CodeSection:   []*wasm.Code{{Body: []byte{wasm.OpcodeEnd}}},
	})

	tests := []struct {
		name      string
		module    []byte
		fuelIndex uint32
		exports   int
	}{
		{name: "defined globals", module: wasmtest.EchoRule(), fuelIndex: 1, exports: 4},
		{name: "imported global", module: importsGlobal, fuelIndex: 2, exports: 2},
		{name: "no globals", module: countModule(), fuelIndex: 0, exports: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Instrument(tt.module, 1234)
			if err != nil {
				t.Fatalf("Instrument() error = %v", err)
			}
			m, err := decodeModule(out)
			if err != nil {
				t.Fatalf("decodeModule() error = %v", err)
			}

			if len(m.ExportSection) != tt.exports {
				t.Fatalf("got %d exports, want %d", len(m.ExportSection), tt.exports)
			}
			last := m.ExportSection[len(m.ExportSection)-1]
			if last.Name != FuelExport || last.Type != wasm.ExternTypeGlobal || last.Index != tt.fuelIndex {
				t.Errorf("fuel export = %+v, want global %d", last, tt.fuelIndex)
			}

			g := m.GlobalSection[len(m.GlobalSection)-1]
			if g.Type.ValType != wasm.ValueTypeI64 || !g.Type.Mutable {
				t.Errorf("fuel global type = %+v", g.Type)
			}
			if g.Init.Opcode != wasm.OpcodeI64Const || !bytes.Equal(g.Init.Data, leb128.EncodeInt64(1234)) {
				t.Errorf("fuel global init = %+v", g.Init)
			}
		})
	}
}

func TestInstrumentKeepsDataCount(t *testing.T) {
	count := uint32(1)
	module := encodeModule(&wasm.Module{
		TypeSection:     []*wasm.FunctionType{{}},
		FunctionSection: []wasm.Index{0},
		MemorySection:   &wasm.Memory{Min: 1},
		ExportSection: []*wasm.Export{
			{Type: wasm.ExternTypeFunc, Name: "init", Index: 0},
			{Type: wasm.ExternTypeMemory, Name: "memory", Index: 0},
		},
		CodeSection: []*wasm.Code{{Body: []byte{
			wasm.OpcodeI32Const, 0x08, // dest
			wasm.OpcodeI32Const, 0x00, // offset
			wasm.OpcodeI32Const, 0x03, // size
			// memory.init 0 0
			wasm.OpcodeMiscPrefix, 0x08, 0x00, 0x00,
			wasm.OpcodeEnd,
		}}},
		DataSection:      []*wasm.DataSegment{{Init: []byte("abc")}},
		DataCountSection: &count,
	})

	out, err := Instrument(module, 1000)
	if err != nil {
		t.Fatalf("Instrument() error = %v", err)
	}
	m, err := decodeModule(out)
	if err != nil {
		t.Fatalf("decodeModule() error = %v", err)
	}
	if m.DataCountSection == nil || *m.DataCountSection != 1 {
		t.Fatalf("data count section = %v, want 1", m.DataCountSection)
	}

	mod := instantiate(t, out)
	if _, err := mod.ExportedFunction("init").Call(context.Background()); err != nil {
		t.Fatalf("init() error = %v", err)
	}
	got, ok := mod.Memory().Read(8, 3)
	if !ok || string(got) != "abc" {
		t.Errorf("memory = %q, %v; want abc", got, ok)
	}
}
