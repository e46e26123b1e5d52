// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import (
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Value types.
const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
)

// Export kinds.
const (
	KindFunc   = wasm.ExternTypeFunc
	KindMemory = wasm.ExternTypeMemory
	KindGlobal = wasm.ExternTypeGlobal
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is a function import.
type Import struct {
	Module string
	Name   string
	Type   uint32
}

// Func is a function definition. Body is the instruction sequence without
// the terminating end opcode.
type Func struct {
	Type   uint32
	Locals []byte
	Body   []byte
}

// Global is a global definition with a constant initializer.
type Global struct {
	Type    byte
	Mutable bool
	Init    int64
}

// Export is an export entry.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Data is an active data segment for memory 0.
type Data struct {
	Offset uint32
	Bytes  []byte
}

// Module describes a module to assemble. Function indices count imports
// first, as in the binary format.
type Module struct {
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	Memory  uint32 // initial pages; zero means no memory
	Globals []Global
	Exports []Export
	Data    []Data
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	return binary.EncodeModule(m.module())
}

func (m *Module) module() *wasm.Module {
	out := &wasm.Module{}

	for _, t := range m.Types {
		out.TypeSection = append(out.TypeSection, &wasm.FunctionType{Params: t.Params, Results: t.Results})
	}
	for _, imp := range m.Imports {
		out.ImportSection = append(out.ImportSection, &wasm.Import{
			Type:     wasm.ExternTypeFunc,
			Module:   imp.Module,
			Name:     imp.Name,
			DescFunc: imp.Type,
		})
	}
	for _, f := range m.Funcs {
		out.FunctionSection = append(out.FunctionSection, f.Type)
		body := append(append([]byte{}, f.Body...), wasm.OpcodeEnd)
		out.CodeSection = append(out.CodeSection, &wasm.Code{LocalTypes: f.Locals, Body: body})
	}
	if m.Memory > 0 {
		out.MemorySection = &wasm.Memory{Min: m.Memory}
	}
	for _, g := range m.Globals {
		out.GlobalSection = append(out.GlobalSection, &wasm.Global{
			Type: &wasm.GlobalType{ValType: g.Type, Mutable: g.Mutable},
			Init: constExpr(g.Type, g.Init),
		})
	}
	for _, e := range m.Exports {
		out.ExportSection = append(out.ExportSection, &wasm.Export{Type: e.Kind, Name: e.Name, Index: e.Index})
	}
	for _, d := range m.Data {
		out.DataSection = append(out.DataSection, &wasm.DataSegment{
			OffsetExpression: constExpr(I32, int64(int32(d.Offset))),
			Init:             d.Bytes,
		})
	}
	return out
}

func constExpr(t byte, v int64) *wasm.ConstantExpression {
	if t == I64 {
		return &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: leb128.EncodeInt64(v)}
	}
	return &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(int32(v))}
}

// I32Const returns an i32.const instruction.
func I32Const(v int32) []byte {
	return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...)
}

// I64Const returns an i64.const instruction.
func I64Const(v int64) []byte {
	return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(v)...)
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
