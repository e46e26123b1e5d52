package protocol

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func mustJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("invalid test JSON %q: %v", s, err)
	}
	return v
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  LintRequest
	}{
		{
			name: "empty objects",
			req: LintRequest{
				Node:     mustJSON(t, `{}`),
				Config:   mustJSON(t, `{}`),
				Source:   "hello",
				FilePath: "a.txt",
			},
		},
		{
			name: "nested node",
			req: LintRequest{
				Node: mustJSON(t, `{"type":"Document","range":[0,11],"children":[
					{"type":"Paragraph","range":[0,11],"children":[{"type":"Str","value":"TODO: fix","range":[0,9]}]}
				]}`),
				Config:   mustJSON(t, `{"max":100,"allow":["TODO"],"strict":true,"ratio":0.5}`),
				Source:   "TODO: fix\n\n",
				FilePath: "docs/readme.md",
			},
		},
		{
			name: "null node and config",
			req: LintRequest{
				Source: "",
			},
		},
		{
			name: "non-text bytes in source",
			req: LintRequest{
				Node:     mustJSON(t, `{"type":"Str"}`),
				Config:   nil,
				Source:   "ok \xff\xfe \xc3\x28 end",
				FilePath: "bin\x80.txt",
			},
		},
		{
			name: "unicode source",
			req: LintRequest{
				Node:   mustJSON(t, `{"value":"日本語のテキスト"}`),
				Source: "日本語のテキスト。これはテストです。",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(&tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest() error = %v", err)
			}

			got, err := DecodeRequest(data)
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}

			if !reflect.DeepEqual(*got, tt.req) {
				t.Errorf("round trip mismatch:\n got  %#v\n want %#v", *got, tt.req)
			}
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	req := &LintRequest{
		Node:   mustJSON(t, `{"b":1,"a":2,"c":{"z":1,"y":2}}`),
		Config: mustJSON(t, `{"x":true}`),
		Source: "text",
	}

	first, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("EncodeRequest() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding is not deterministic")
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &LintResponse{
		Diagnostics: []Diagnostic{
			{RuleID: "no-todo", Message: "Found TODO", Span: Span{Start: 0, End: 4}},
			{
				RuleID:   "no-todo",
				Message:  "second",
				Span:     Span{Start: 10, End: 14},
				Loc:      &Location{Start: Position{Line: 2, Column: 1}, End: Position{Line: 2, Column: 5}},
				Severity: SeverityWarning,
				Fix:      &Fix{Span: Span{Start: 10, End: 14}, Text: "DONE"},
			},
			{RuleID: "no-todo", Message: "third", Span: Span{Start: 3, End: 3}, Severity: "custom"},
		},
	}

	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	got, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	if !reflect.DeepEqual(got, resp) {
		t.Errorf("round trip mismatch:\n got  %#v\n want %#v", got, resp)
	}

	// Order is the rule's reporting order.
	if got.Diagnostics[0].Message != "Found TODO" || got.Diagnostics[2].Message != "third" {
		t.Errorf("diagnostic order not preserved: %v", got.Diagnostics)
	}
}

func TestEncodeResponseEmpty(t *testing.T) {
	data, err := EncodeResponse(&LintResponse{})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	// {"diagnostics": []}
	want := append([]byte{0x81, 0xab}, append([]byte("diagnostics"), 0x90)...)
	if !bytes.Equal(data, want) {
		t.Errorf("EncodeResponse() = %x, want %x", data, want)
	}

	got, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got.Diagnostics == nil || len(got.Diagnostics) != 0 {
		t.Errorf("expected empty non-nil diagnostics, got %#v", got.Diagnostics)
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	valid, err := EncodeResponse(&LintResponse{})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{name: "empty", data: nil, wantErr: "empty response"},
		{name: "JSON text", data: []byte(`{"diagnostics":[]}`), wantErr: "failed to decode response"},
		{name: "truncated", data: valid[:len(valid)-1], wantErr: "failed to decode response"},
		{name: "trailing data", data: append(append([]byte{}, valid...), 0x00), wantErr: "failed to decode response"},
		{name: "wrong shape", data: []byte{0x83, 0x01, 0x02, 0x03}, wantErr: "failed to decode response"},
		{name: "positional with extra fields", data: []byte{0x92, 0x90, 0x90}, wantErr: "failed to decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse(tt.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeRequestLayout(t *testing.T) {
	data, err := EncodeRequest(&LintRequest{
		Node:     map[string]any{"type": "Str"},
		Config:   map[string]any{"max": 3},
		Source:   "text",
		FilePath: "a.md",
	})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	// A map of four named fields.
	if data[0] != 0x84 {
		t.Fatalf("first byte = %#x, want 0x84", data[0])
	}

	var fields map[string]any
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		t.Fatalf("msgpack.Unmarshal() error = %v", err)
	}
	for _, key := range []string{"node", "config", "source", "file_path"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("encoded request has no %q field: %v", key, fields)
		}
	}

	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if !reflect.DeepEqual(req.Config, map[string]any{"max": int64(3)}) {
		t.Errorf("Config = %#v", req.Config)
	}
}

func TestDecodeResponseLayouts(t *testing.T) {
	want := []Diagnostic{{
		RuleID:   "no-todo",
		Message:  "Found TODO",
		Span:     Span{Start: 0, End: 4},
		Loc:      &Location{Start: Position{Line: 1, Column: 1}, End: Position{Line: 1, Column: 5}},
		Severity: SeverityWarning,
		Fix:      &Fix{Span: Span{Start: 0, End: 4}, Text: "DONE"},
	}}

	named, err := msgpack.Marshal(map[string]any{
		"diagnostics": []any{map[string]any{
			"rule_id": "no-todo",
			"message": "Found TODO",
			"span":    map[string]any{"start": 0, "end": 4},
			"loc": map[string]any{
				"start": map[string]any{"line": 1, "column": 1},
				"end":   map[string]any{"line": 1, "column": 5},
			},
			"severity": "warning",
			"fix":      map[string]any{"span": map[string]any{"start": 0, "end": 4}, "text": "DONE"},
			"extra":    true,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	positional, err := msgpack.Marshal([]any{[]any{[]any{
		"no-todo",
		"Found TODO",
		[]any{0, 4},
		[]any{[]any{1, 1}, []any{1, 5}},
		"warning",
		[]any{[]any{0, 4}, "DONE"},
	}}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
		want []Diagnostic
	}{
		{name: "named empty", data: append([]byte{0x81, 0xab}, append([]byte("diagnostics"), 0x90)...), want: []Diagnostic{}},
		{name: "positional empty", data: []byte{0x91, 0x90}, want: []Diagnostic{}},
		{name: "named", data: named, want: want},
		{name: "positional", data: positional, want: want},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResponse(tt.data)
			if err != nil {
				t.Fatalf("DecodeResponse() error = %v", err)
			}
			if !reflect.DeepEqual(got.Diagnostics, tt.want) {
				t.Errorf("Diagnostics = %#v, want %#v", got.Diagnostics, tt.want)
			}
		})
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := EncodeRequest(nil); err == nil {
		t.Error("expected error for nil request")
	}
	if _, err := EncodeResponse(nil); err == nil {
		t.Error("expected error for nil response")
	}
	if _, err := DecodeRequest(nil); err == nil {
		t.Error("expected error for empty request")
	}
}

func TestDiagnosticString(t *testing.T) {
	d := Diagnostic{RuleID: "r", Message: "m", Span: Span{Start: 1, End: 2}}
	if got := d.String(); got != "1-2 error m (r)" {
		t.Errorf("String() = %q", got)
	}

	d.Loc = &Location{Start: Position{Line: 3, Column: 4}}
	d.Severity = SeverityInfo
	if got := d.String(); got != "3:4 info m (r)" {
		t.Errorf("String() = %q", got)
	}
}
