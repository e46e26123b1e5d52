package metering

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// ErrNotWasm is returned when the input is not a WebAssembly binary module.
var ErrNotWasm = errors.New("not a WebAssembly binary module")

// ExternKind is the kind of an import.
type ExternKind byte

const (
	ExternFunc   ExternKind = ExternKind(wasm.ExternTypeFunc)
	ExternTable  ExternKind = ExternKind(wasm.ExternTypeTable)
	ExternMemory ExternKind = ExternKind(wasm.ExternTypeMemory)
	ExternGlobal ExternKind = ExternKind(wasm.ExternTypeGlobal)
)

// Import is one entry of a module's import section.
type Import struct {
	Module string
	Name   string
	Kind   ExternKind
}

// decodeModule parses a binary module with the WebAssembly 2.0 feature set.
func decodeModule(module []byte) (*wasm.Module, error) {
	m, err := binary.DecodeModule(module, wasm.CoreFeaturesV2)
	switch {
	case errors.Is(err, binary.ErrInvalidMagicNumber), errors.Is(err, binary.ErrInvalidVersion):
		return nil, ErrNotWasm
	case err != nil:
		return nil, fmt.Errorf("failed to decode module: %w", err)
	}
	return m, nil
}

// encodeModule is binary.EncodeModule plus the data count section, which
// EncodeModule does not emit. It belongs between the element and code
// sections.
func encodeModule(m *wasm.Module) []byte {
	if m.DataCountSection == nil {
		return binary.EncodeModule(m)
	}

	head := *m
	head.CodeSection = nil
	head.DataSection = nil
	head.NameSection = nil
	head.CustomSections = nil
	tail := &wasm.Module{
		CodeSection:    m.CodeSection,
		DataSection:    m.DataSection,
		NameSection:    m.NameSection,
		CustomSections: m.CustomSections,
	}

	count := leb128.EncodeUint32(*m.DataCountSection)
	out := binary.EncodeModule(&head)
	out = append(out, wasm.SectionIDDataCount)
	out = append(out, leb128.EncodeUint32(uint32(len(count)))...)
	out = append(out, count...)
	return append(out, binary.EncodeModule(tail)[len(binary.Magic)+4:]...)
}

// Imports returns the entries of a module's import section.
func Imports(module []byte) ([]Import, error) {
	m, err := decodeModule(module)
	if err != nil {
		return nil, err
	}

	imports := make([]Import, 0, len(m.ImportSection))
	for _, imp := range m.ImportSection {
		imports = append(imports, Import{Module: imp.Module, Name: imp.Name, Kind: ExternKind(imp.Type)})
	}
	return imports, nil
}
