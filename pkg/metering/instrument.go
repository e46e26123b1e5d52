// Package metering injects a fuel counter into WebAssembly modules.
//
// The rewritten module carries an exported mutable i64 global holding the
// remaining fuel. Every function entry and every loop header subtracts the
// static instruction count of the code it guards and executes `unreachable`
// once the counter drops below zero. Straight-line code can only run again
// through a call or a loop back-edge, so the charge is an upper bound on the
// instructions executed and any unbounded execution eventually traps.
//
// The host resets the global before each call and inspects it after a trap
// to tell budget exhaustion apart from other guest faults.
package metering

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// FuelExport is the export name of the injected fuel global.
const FuelExport = "__lintforge_fuel"

// blockTypeEmpty is the block type of a block with no results.
const blockTypeEmpty byte = 0x40

// instr is one decoded instruction of a function body.
type instr struct {
	op    byte
	start int
	end   int
}

// Instrument returns a copy of module with fuel metering injected. The fuel
// global starts at initialFuel, which also bounds the module's start function.
// Custom sections other than the name section are dropped.
func Instrument(module []byte, initialFuel uint64) ([]byte, error) {
	if initialFuel > math.MaxInt64 {
		return nil, fmt.Errorf("initial fuel %d exceeds maximum %d", initialFuel, int64(math.MaxInt64))
	}

	m, err := decodeModule(module)
	if err != nil {
		return nil, err
	}
	for _, e := range m.ExportSection {
		if e.Name == FuelExport {
			return nil, fmt.Errorf("module already exports %q", FuelExport)
		}
	}

	var importedGlobals uint32
	for _, imp := range m.ImportSection {
		if imp.Type == wasm.ExternTypeGlobal {
			importedGlobals++
		}
	}
	fuelIndex := importedGlobals + uint32(len(m.GlobalSection))

	for i, code := range m.CodeSection {
		body, err := instrumentBody(code.Body, fuelIndex)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		code.Body = body
	}

	m.GlobalSection = append(m.GlobalSection, &wasm.Global{
		Type: &wasm.GlobalType{ValType: wasm.ValueTypeI64, Mutable: true},
		Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: leb128.EncodeInt64(int64(initialFuel))},
	})
	m.ExportSection = append(m.ExportSection, &wasm.Export{
		Type:  wasm.ExternTypeGlobal,
		Name:  FuelExport,
		Index: fuelIndex,
	})
	m.CustomSections = nil

	return encodeModule(m), nil
}

// instrumentBody meters one function body, the expression after the locals
// including its final end.
func instrumentBody(body []byte, fuelIndex uint32) ([]byte, error) {
	instrs, err := decodeExpr(body)
	if err != nil {
		return nil, err
	}

	// Each meter charges the instructions of its region, excluding nested
	// loops, which charge themselves per iteration. Meter 0 is the function
	// entry; each loop opens a new meter right after its header.
	costs := []int64{0}
	meterAfter := make(map[int]int)
	stack := []int{0}
	for i, in := range instrs {
		costs[stack[len(stack)-1]]++

		switch in.op {
		case wasm.OpcodeBlock, wasm.OpcodeIf:
			stack = append(stack, stack[len(stack)-1])
		case wasm.OpcodeLoop:
			costs = append(costs, 0)
			m := len(costs) - 1
			meterAfter[i] = m
			stack = append(stack, m)
		case wasm.OpcodeEnd:
			stack = stack[:len(stack)-1]
		}
	}

	out := make([]byte, 0, len(body)+len(costs)*24)
	out = appendCharge(out, fuelIndex, costs[0])
	for i, in := range instrs {
		out = append(out, body[in.start:in.end]...)
		if m, ok := meterAfter[i]; ok {
			out = appendCharge(out, fuelIndex, costs[m])
		}
	}
	return out, nil
}

// appendCharge emits:
//
//	global.get $fuel; i64.const cost; i64.sub; global.set $fuel
//	global.get $fuel; i64.const 0; i64.lt_s; if; unreachable; end
func appendCharge(dst []byte, fuelIndex uint32, cost int64) []byte {
	index := leb128.EncodeUint32(fuelIndex)
	dst = append(dst, wasm.OpcodeGlobalGet)
	dst = append(dst, index...)
	dst = append(dst, wasm.OpcodeI64Const)
	dst = append(dst, leb128.EncodeInt64(cost)...)
	dst = append(dst, wasm.OpcodeI64Sub, wasm.OpcodeGlobalSet)
	dst = append(dst, index...)
	dst = append(dst, wasm.OpcodeGlobalGet)
	dst = append(dst, index...)
	dst = append(dst, wasm.OpcodeI64Const, 0x00, wasm.OpcodeI64LtS,
		wasm.OpcodeIf, blockTypeEmpty, wasm.OpcodeUnreachable, wasm.OpcodeEnd)
	return dst
}

// decodeExpr splits a function body into instructions up to and including
// its final end, which must be the last byte of the body.
func decodeExpr(body []byte) ([]instr, error) {
	r := bytes.NewReader(body)
	offset := func() int { return len(body) - r.Len() }

	var instrs []instr
	depth := 1
	for depth > 0 {
		start := offset()
		op, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("unexpected end of body at offset %d", start)
		}
		if err := skipImmediates(r, op); err != nil {
			return nil, fmt.Errorf("opcode 0x%02x at offset %d: %w", op, start, err)
		}

		switch op {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			depth++
		case wasm.OpcodeEnd:
			depth--
		}
		instrs = append(instrs, instr{op: op, start: start, end: offset()})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after function end at offset %d", offset())
	}
	return instrs, nil
}

// The immediate decoding below walks instruction encodings, which the
// module decoder keeps as opaque body bytes.

func skipBlockType(r *bytes.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("missing block type")
	}
	switch b {
	case blockTypeEmpty, wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64,
		wasm.ValueTypeV128, wasm.ValueTypeFuncref, wasm.ValueTypeExternref:
		return nil
	}
	// Type index, encoded as s33.
	if err := r.UnreadByte(); err != nil {
		return err
	}
	_, _, err = leb128.DecodeInt33AsInt64(r)
	return err
}

func skipMemArg(r *bytes.Reader) error {
	align, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		// Multi-memory: explicit memory index.
		if _, _, err := leb128.DecodeUint32(r); err != nil {
			return err
		}
	}
	_, _, err = leb128.DecodeUint64(r)
	return err
}

func skipU32s(r *bytes.Reader, n uint32) error {
	for i := uint32(0); i < n; i++ {
		if _, _, err := leb128.DecodeUint32(r); err != nil {
			return err
		}
	}
	return nil
}

func skipBytes(r *bytes.Reader, n uint32) error {
	if int64(n) > int64(r.Len()) {
		return io.ErrUnexpectedEOF
	}
	_, err := r.Seek(int64(n), io.SeekCurrent)
	return err
}

func skipImmediates(r *bytes.Reader, op byte) error {
	switch {
	case op == wasm.OpcodeUnreachable, op == wasm.OpcodeNop, op == wasm.OpcodeElse, op == wasm.OpcodeEnd,
		op == wasm.OpcodeReturn, op == wasm.OpcodeDrop, op == wasm.OpcodeSelect, op == 0xd1:
		// ref.is_null has no immediate either.
		return nil
	case op == wasm.OpcodeBlock, op == wasm.OpcodeLoop, op == wasm.OpcodeIf:
		return skipBlockType(r)
	case op == wasm.OpcodeBr, op == wasm.OpcodeBrIf, op == wasm.OpcodeCall, op == 0x12, op == 0xd2:
		// return_call and ref.func take one index.
		return skipU32s(r, 1)
	case op == wasm.OpcodeBrTable:
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		if n == math.MaxUint32 {
			return fmt.Errorf("br_table too long")
		}
		return skipU32s(r, n+1)
	case op == wasm.OpcodeCallIndirect, op == 0x13:
		// return_call_indirect
		return skipU32s(r, 2)
	case op == wasm.OpcodeTypedSelect:
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		return skipBytes(r, n)
	case op >= wasm.OpcodeLocalGet && op <= wasm.OpcodeTableSet:
		return skipU32s(r, 1)
	case op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32:
		return skipMemArg(r)
	case op == wasm.OpcodeMemorySize, op == wasm.OpcodeMemoryGrow:
		return skipU32s(r, 1)
	case op == wasm.OpcodeI32Const:
		_, _, err := leb128.DecodeInt32(r)
		return err
	case op == wasm.OpcodeI64Const:
		_, _, err := leb128.DecodeInt64(r)
		return err
	case op == wasm.OpcodeF32Const:
		return skipBytes(r, 4)
	case op == wasm.OpcodeF64Const:
		return skipBytes(r, 8)
	case op >= wasm.OpcodeI32Eqz && op <= wasm.OpcodeI64Extend32S:
		// Numeric and sign-extension operators.
		return nil
	case op == 0xd0:
		// ref.null t
		_, err := r.ReadByte()
		return err
	case op == wasm.OpcodeMiscPrefix:
		return skipMisc(r)
	case op == wasm.OpcodeVecPrefix:
		return skipVec(r)
	default:
		return fmt.Errorf("unsupported opcode")
	}
}

func skipMisc(r *bytes.Reader) error {
	sub, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	switch {
	case sub <= 7:
		// Saturating truncations.
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		// memory.init, memory.copy, table.init, table.copy
		return skipU32s(r, 2)
	case sub == 9, sub == 11, sub == 13, sub >= 15 && sub <= 17:
		// data.drop, memory.fill, elem.drop, table.grow/size/fill
		return skipU32s(r, 1)
	default:
		return fmt.Errorf("unsupported 0xfc sub-opcode %d", sub)
	}
}

func skipVec(r *bytes.Reader) error {
	sub, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	switch {
	case sub <= 11, sub == 92, sub == 93:
		// Loads, stores, load-zero.
		return skipMemArg(r)
	case sub == 12, sub == 13:
		// v128.const, i8x16.shuffle
		return skipBytes(r, 16)
	case sub >= 21 && sub <= 34:
		// Lane extract/replace.
		_, err := r.ReadByte()
		return err
	case sub >= 84 && sub <= 91:
		// Load/store lane.
		if err := skipMemArg(r); err != nil {
			return err
		}
		_, err := r.ReadByte()
		return err
	default:
		return nil
	}
}
