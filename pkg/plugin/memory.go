package plugin

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// writeBytes allocates len(data) bytes in the guest and copies data there.
// Empty input is passed as (0, 0) without calling the allocator.
func writeBytes(ctx context.Context, mem api.Memory, alloc api.Function, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if uint64(len(data)) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("input of %d bytes exceeds guest address space", len(data))
	}

	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocation failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocator returned no results")
	}

	ptr := uint32(results[0])
	if !mem.Write(ptr, data) {
		return 0, fmt.Errorf("memory access out of bounds: [%d, %d) exceeds %d bytes",
			ptr, uint64(ptr)+uint64(len(data)), mem.Size())
	}
	return ptr, nil
}

// readBytes copies [ptr, ptr+length) out of guest memory. The bytes are
// returned verbatim.
func readBytes(mem api.Memory, ptr, length uint32) ([]byte, error) {
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("memory access out of bounds: [%d, %d) exceeds %d bytes",
			ptr, uint64(ptr)+uint64(length), mem.Size())
	}
	out := bytes.Clone(view)
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// unpackPtrLen splits a packed i64 result: (ptr << 32) | len.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
