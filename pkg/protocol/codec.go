package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// structTag names the struct tag read by the codec. The wire names are the
// same as the JSON names.
const structTag = "json"

// Marshal encodes v as MessagePack. Structs are encoded as maps keyed by
// field name, map keys are sorted and integers use their smallest encoding,
// so equal values always produce equal bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(structTag)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack data into v. Structs may arrive either as
// maps keyed by field name or as arrays of every field in declaration order.
// Untyped values decode to map[string]any, []any, string, bool, int64,
// uint64 or float64. Trailing bytes after the first value are an error.
func Unmarshal(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag(structTag)
	dec.UseLooseInterfaceDecoding(true)

	if err := dec.Decode(v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d bytes of trailing data", r.Len())
	}
	return nil
}

// EncodeRequest encodes a lint request.
func EncodeRequest(req *LintRequest) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}

	data, err := Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest decodes a lint request. Rules use this side of the codec;
// the host only needs it for tests and tooling.
func DecodeRequest(data []byte) (*LintRequest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	var req LintRequest
	if err := Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a lint response.
func EncodeResponse(resp *LintResponse) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("response is nil")
	}

	// Always emit an array, never nil, so strict decoders on either side agree.
	out := *resp
	if out.Diagnostics == nil {
		out.Diagnostics = []Diagnostic{}
	}

	data, err := Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse decodes a lint response in either the named or the
// positional struct layout.
func DecodeResponse(data []byte) (*LintResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	var resp LintResponse
	if err := Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.Diagnostics == nil {
		resp.Diagnostics = []Diagnostic{}
	}
	return &resp, nil
}
