package wasmtest

// HeapBase is where the bump allocator of the rule modules starts. Data
// segments placed by ConstRule live below it.
const HeapBase = 1024

// ResponseOffset is where ConstRule stores its canned response.
const ResponseOffset = 16

const (
	typeAlloc    = 0 // (i32) -> i32
	typeLint     = 1 // (i32, i32) -> i64
	typeLintPair = 2 // (i32, i32) -> (i32, i32)
)

// Lint bodies shared by the rule modules.
var (
	// EchoBody returns the input buffer: (ptr << 32) | len.
	EchoBody = []byte{
		0x20, 0x00, // local.get 0
		0xad,       // i64.extend_i32_u
		0x42, 0x20, // i64.const 32
		0x86,       // i64.shl
		0x20, 0x01, // local.get 1
		0xad, // i64.extend_i32_u
		0x84, // i64.or
	}

	// LoopBody never returns.
	LoopBody = []byte{
		0x03, 0x40, // loop
		0x0c, 0x00, // br 0
		0x0b,       // end
		0x42, 0x00, // i64.const 0
	}

	// TrapBody executes unreachable.
	TrapBody = []byte{0x00}
)

// allocBody is a bump allocator over global 0.
var allocBody = []byte{
	0x23, 0x00, // global.get 0
	0x23, 0x00, // global.get 0
	0x20, 0x00, // local.get 0
	0x6a,       // i32.add
	0x24, 0x00, // global.set 0
}

func ruleTypes() []FuncType {
	return []FuncType{
		typeAlloc:    {Params: []byte{I32}, Results: []byte{I32}},
		typeLint:     {Params: []byte{I32, I32}, Results: []byte{I64}},
		typeLintPair: {Params: []byte{I32, I32}, Results: []byte{I32, I32}},
	}
}

// RuleModule returns a rule exporting memory, alloc and lint with the given
// (i32, i32) -> i64 body.
func RuleModule(lintBody []byte) *Module {
	return &Module{
		Types: ruleTypes(),
		Funcs: []Func{
			{Type: typeAlloc, Body: allocBody},
			{Type: typeLint, Body: lintBody},
		},
		Memory:  2,
		Globals: []Global{{Type: I32, Mutable: true, Init: HeapBase}},
		Exports: []Export{
			{Name: "memory", Kind: KindMemory, Index: 0},
			{Name: "alloc", Kind: KindFunc, Index: 0},
			{Name: "lint", Kind: KindFunc, Index: 1},
		},
	}
}

// EchoRule returns its input as output.
func EchoRule() []byte {
	return RuleModule(EchoBody).Bytes()
}

// LoopRule spins forever in lint.
func LoopRule() []byte {
	return RuleModule(LoopBody).Bytes()
}

// TrapRule traps in lint.
func TrapRule() []byte {
	return RuleModule(TrapBody).Bytes()
}

// ConstRule always answers with response, returned as a packed i64.
func ConstRule(response []byte) []byte {
	m := RuleModule(I64Const(int64(ResponseOffset)<<32 | int64(len(response))))
	m.Data = []Data{{Offset: ResponseOffset, Bytes: response}}
	return m.Bytes()
}

// ConstPairRule always answers with response, returned as two i32 results.
func ConstPairRule(response []byte) []byte {
	m := RuleModule(nil)
	m.Funcs[1] = Func{
		Type: typeLintPair,
		Body: Concat(I32Const(ResponseOffset), I32Const(int32(len(response)))),
	}
	m.Data = []Data{{Offset: ResponseOffset, Bytes: response}}
	return m.Bytes()
}

// OutOfBoundsRule answers with a result range past the end of memory.
func OutOfBoundsRule() []byte {
	return RuleModule(I64Const(int64(0x7fff0000)<<32 | 0x100)).Bytes()
}

// NoLintRule exports memory and alloc but no lint entry point.
func NoLintRule() []byte {
	m := RuleModule(EchoBody)
	m.Exports = m.Exports[:2]
	return m.Bytes()
}

// NoAllocRule exports memory and lint but no allocator.
func NoAllocRule() []byte {
	m := RuleModule(EchoBody)
	m.Exports = []Export{m.Exports[0], m.Exports[2]}
	return m.Bytes()
}

// ExtismImportRule imports a function from the Extism host namespace, which
// marks it as a runtime backend plugin.
func ExtismImportRule() []byte {
	m := &Module{
		Types: []FuncType{
			{Results: []byte{I64}},
			{Results: []byte{I32}},
		},
		Imports: []Import{{Module: "extism:host/env", Name: "input_length", Type: 0}},
		Funcs:   []Func{{Type: 1, Body: I32Const(0)}},
		Memory:  1,
		Exports: []Export{
			{Name: "memory", Kind: KindMemory, Index: 0},
			{Name: "lint", Kind: KindFunc, Index: 1},
		},
	}
	return m.Bytes()
}

// Extism host functions imported by the runtime guests, in import order.
const (
	extismInputLength = iota // () -> i64
	extismInputLoadU8        // (i64) -> i32
	extismAlloc              // (i64) -> i64
	extismStoreU8            // (i64, i32) -> ()
	extismOutputSet          // (i64, i64) -> ()
	extismImports
)

// extismCopyRule builds an Extism guest whose lint copies length bytes into
// a kernel block, one byte at a time, and sets it as the output. load pushes
// the i32 byte at offset local 2 (i64).
func extismCopyRule(length, load []byte, data []Data) []byte {
	const (
		localLen = 0x00
		localOff = 0x01
		localIdx = 0x02
	)
	body := Concat(
		length,
		[]byte{0x21, localLen}, // local.set len
		[]byte{0x20, localLen, 0x10, extismAlloc, 0x21, localOff},
		// block; loop
		[]byte{0x02, 0x40, 0x03, 0x40},
		[]byte{0x20, localIdx, 0x20, localLen, 0x5a, 0x0d, 0x01}, // br_if 1 on idx >= len
		[]byte{0x20, localOff, 0x20, localIdx, 0x7c},              // off + idx
		load,
		[]byte{0x10, extismStoreU8},
		[]byte{0x20, localIdx}, I64Const(1), []byte{0x7c, 0x21, localIdx},
		[]byte{0x0c, 0x00}, // br 0
		[]byte{0x0b, 0x0b}, // end loop, end block
		[]byte{0x20, localOff, 0x20, localLen, 0x10, extismOutputSet},
		I32Const(0),
	)

	m := &Module{
		Types: []FuncType{
			extismInputLength: {Results: []byte{I64}},
			extismInputLoadU8: {Params: []byte{I64}, Results: []byte{I32}},
			extismAlloc:       {Params: []byte{I64}, Results: []byte{I64}},
			extismStoreU8:     {Params: []byte{I64, I32}},
			extismOutputSet:   {Params: []byte{I64, I64}},
			extismImports:     {Results: []byte{I32}},
		},
		Imports: []Import{
			{Module: "extism:host/env", Name: "input_length", Type: extismInputLength},
			{Module: "extism:host/env", Name: "input_load_u8", Type: extismInputLoadU8},
			{Module: "extism:host/env", Name: "alloc", Type: extismAlloc},
			{Module: "extism:host/env", Name: "store_u8", Type: extismStoreU8},
			{Module: "extism:host/env", Name: "output_set", Type: extismOutputSet},
		},
		Funcs:  []Func{{Type: extismImports, Locals: []byte{I64, I64, I64}, Body: body}},
		Memory: 1,
		Exports: []Export{
			{Name: "memory", Kind: KindMemory, Index: 0},
			{Name: "lint", Kind: KindFunc, Index: extismImports},
		},
		Data: data,
	}
	return m.Bytes()
}

// ExtismEchoRule is an Extism guest that copies its input to its output.
func ExtismEchoRule() []byte {
	return extismCopyRule(
		[]byte{0x10, extismInputLength},
		[]byte{0x20, 0x02, 0x10, extismInputLoadU8},
		nil,
	)
}

// ExtismConstRule is an Extism guest that always outputs response, kept in
// its own memory at ResponseOffset.
func ExtismConstRule(response []byte) []byte {
	return extismCopyRule(
		I64Const(int64(len(response))),
		// local.get idx; i32.wrap_i64; i32.load8_u offset=ResponseOffset
		[]byte{0x20, 0x02, 0xa7, 0x2d, 0x00, ResponseOffset},
		[]Data{{Offset: ResponseOffset, Bytes: response}},
	)
}
