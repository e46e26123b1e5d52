package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/lintforge/lintforge/internal/wasmtest"
	"github.com/lintforge/lintforge/pkg/protocol"
)

// fakeHandle records decoded requests and answers with a fixed response.
type fakeHandle struct {
	mu       sync.Mutex
	requests []*protocol.LintRequest
	response []byte
	err      error
	closed   int
}

func (h *fakeHandle) CallLint(_ context.Context, _ string, input []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req, err := protocol.DecodeRequest(input)
	if err != nil {
		return nil, err
	}
	h.requests = append(h.requests, req)
	if h.err != nil {
		return nil, h.err
	}
	return h.response, nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) lastRequest() *protocol.LintRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		return nil
	}
	return h.requests[len(h.requests)-1]
}

// fakeBackend hands out its handle for every load.
type fakeBackend struct {
	handle  *fakeHandle
	loadErr error
	loads   int
}

func (b *fakeBackend) Kind() BackendKind { return BackendInterpreter }

func (b *fakeBackend) Load(context.Context, *Manifest, []byte) (Handle, error) {
	b.loads++
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return b.handle, nil
}

func newTestHost(t *testing.T, cfg HostConfig) *Host {
	t.Helper()
	h := NewHost(cfg)
	t.Cleanup(func() { _ = h.UnloadAll(context.Background()) })
	return h
}

func encodeResponse(t *testing.T, diags ...protocol.Diagnostic) []byte {
	t.Helper()
	data, err := protocol.EncodeResponse(&protocol.LintResponse{Diagnostics: diags})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	return data
}

func TestHostRunRule(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	want := protocol.Diagnostic{
		RuleID:   "test-rule",
		Message:  "found hello",
		Span:     protocol.Span{Start: 0, End: 5},
		Severity: protocol.SeverityWarning,
	}
	module := wasmtest.ConstRule(encodeResponse(t, want))

	if err := h.LoadRuleModule(ctx, testManifest("test-rule"), module); err != nil {
		t.Fatalf("LoadRuleModule() error = %v", err)
	}

	node := map[string]any{"type": "document", "children": []any{}}
	diags, err := h.RunRule(ctx, "test-rule", node, nil, `"hello"`, "doc.md")
	if err != nil {
		t.Fatalf("RunRule() error = %v", err)
	}
	if !reflect.DeepEqual(diags, []protocol.Diagnostic{want}) {
		t.Errorf("RunRule() = %+v, want %+v", diags, want)
	}

	info, err := h.Info("test-rule")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	sum := sha256.Sum256(module)
	if info.Backend != BackendInterpreter || info.State != RuleLoaded || info.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("Info() = %+v", info)
	}
}

func TestHostRunRulePairResult(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	module := wasmtest.ConstPairRule(encodeResponse(t))
	if err := h.LoadRuleModule(ctx, testManifest("pair"), module); err != nil {
		t.Fatalf("LoadRuleModule() error = %v", err)
	}

	diags, err := h.RunRule(ctx, "pair", nil, nil, `""`, "")
	if err != nil {
		t.Fatalf("RunRule() error = %v", err)
	}
	if diags == nil || len(diags) != 0 {
		t.Errorf("RunRule() = %v, want empty non-nil", diags)
	}
}

func TestHostNotFound(t *testing.T) {
	h := newTestHost(t, HostConfig{})

	_, err := h.RunRule(context.Background(), "nonexistent", nil, nil, `"x"`, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("RunRule() error = %v, want not found", err)
	}
	if len(h.LoadedRules()) != 0 {
		t.Errorf("LoadedRules() = %v, want none", h.LoadedRules())
	}
	if _, err := h.Info("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Info() error = %v, want not found", err)
	}
	if err := h.ConfigureRule("nonexistent", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("ConfigureRule() error = %v, want not found", err)
	}
}

func TestHostAliases(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	module := wasmtest.ConstRule(encodeResponse(t, protocol.Diagnostic{RuleID: "no-todo", Message: "todo"}))
	if err := h.LoadRuleModule(ctx, testManifest("no-todo", "todo", "@acme/todo"), module); err != nil {
		t.Fatalf("LoadRuleModule() error = %v", err)
	}

	canonical, _, err := h.lookup("no-todo")
	if err != nil {
		t.Fatal(err)
	}
	for _, alias := range []string{"todo", "@acme/todo"} {
		rule, name, err := h.lookup(alias)
		if err != nil {
			t.Fatalf("lookup(%s) error = %v", alias, err)
		}
		if rule != canonical || name != "no-todo" {
			t.Errorf("lookup(%s) returned a different rule", alias)
		}
		if name, ok := h.Resolve(alias); !ok || name != "no-todo" {
			t.Errorf("Resolve(%s) = %s, %v", alias, name, ok)
		}

		diags, err := h.RunRule(ctx, alias, nil, nil, `"x"`, "")
		if err != nil || len(diags) != 1 {
			t.Errorf("RunRule(%s) = %v, %v", alias, diags, err)
		}
	}

	if got := h.LoadedRules(); !reflect.DeepEqual(got, []string{"no-todo"}) {
		t.Errorf("LoadedRules() = %v, want only the canonical name", got)
	}
}

func TestHostNameCollisions(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{handle: &fakeHandle{response: encodeResponse(t)}}
	h := newTestHost(t, HostConfig{Backends: []Backend{backend}})

	module := wasmtest.EchoRule()
	if err := h.LoadRuleModule(ctx, testManifest("a", "alias-a"), module); err != nil {
		t.Fatalf("LoadRuleModule(a) error = %v", err)
	}

	tests := []struct {
		name     string
		manifest *Manifest
	}{
		{name: "same name", manifest: testManifest("a")},
		{name: "name is an alias", manifest: testManifest("alias-a")},
		{name: "alias shadows rule", manifest: testManifest("b", "a")},
		{name: "alias already owned", manifest: testManifest("c", "alias-a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loads := backend.loads
			err := h.LoadRuleModule(ctx, tt.manifest, module)
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("LoadRuleModule() error = %v, want invalid manifest", err)
			}
			if backend.loads != loads {
				t.Error("backend loaded a rule whose name was taken")
			}
		})
	}

	if got := h.LoadedRules(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("LoadedRules() = %v", got)
	}
}

func TestHostLoadFailuresLeaveRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	badChecksum := testManifest("sum")
	badChecksum.SHA256 = "00000000000000000000000000000000000000000000000000000000000000aa"

	tests := []struct {
		name     string
		manifest *Manifest
		module   []byte
		kind     ErrorKind
	}{
		{name: "missing lint", manifest: testManifest("nolint"), module: wasmtest.NoLintRule(), kind: KindInvalidManifest},
		{name: "not wasm", manifest: testManifest("junk"), module: []byte("junk"), kind: KindInvalidManifest},
		{name: "checksum", manifest: badChecksum, module: wasmtest.EchoRule(), kind: KindInvalidManifest},
		{name: "invalid name", manifest: testManifest("bad name"), module: wasmtest.EchoRule(), kind: KindInvalidManifest},
		{name: "nil manifest", manifest: nil, module: wasmtest.EchoRule(), kind: KindInvalidManifest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.LoadRuleModule(ctx, tt.manifest, tt.module)
			if KindOf(err) != tt.kind {
				t.Fatalf("LoadRuleModule() error = %v, want kind %s", err, tt.kind)
			}
			if len(h.LoadedRules()) != 0 {
				t.Errorf("LoadedRules() = %v after failed load", h.LoadedRules())
			}
		})
	}
}

func TestHostResourceExhausted(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{Backend: BackendConfig{Fuel: 50_000}})

	if err := h.LoadRuleModule(ctx, testManifest("spin"), wasmtest.LoopRule()); err != nil {
		t.Fatalf("LoadRuleModule() error = %v", err)
	}
	if h.Budget() != 50_000 {
		t.Errorf("Budget() = %d", h.Budget())
	}

	_, err := h.RunRule(ctx, "spin", nil, nil, `"x"`, "")
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("RunRule() error = %v, want resource exhausted", err)
	}
	var pe *PluginError
	if !errors.As(err, &pe) || pe.Rule != "spin" {
		t.Errorf("error rule = %+v, want spin", pe)
	}
}

func TestHostCallErrors(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	rules := map[string][]byte{
		"trap":    wasmtest.TrapRule(),
		"oob":     wasmtest.OutOfBoundsRule(),
		"garbage": wasmtest.ConstRule([]byte{0xff, 0xff}),
	}
	for name, module := range rules {
		if err := h.LoadRuleModule(ctx, testManifest(name), module); err != nil {
			t.Fatalf("LoadRuleModule(%s) error = %v", name, err)
		}
	}

	for name := range rules {
		_, err := h.RunRule(ctx, name, nil, nil, `"x"`, "")
		if !errors.Is(err, ErrCall) {
			t.Errorf("RunRule(%s) error = %v, want call error", name, err)
		}
	}

	// A failed call leaves the rule usable.
	if _, err := h.Info("trap"); err != nil {
		t.Errorf("Info(trap) error = %v", err)
	}
}

func TestHostInvalidSourceJSON(t *testing.T) {
	ctx := context.Background()
	handle := &fakeHandle{response: encodeResponse(t)}
	h := newTestHost(t, HostConfig{Backends: []Backend{&fakeBackend{handle: handle}}})

	if err := h.LoadRuleModule(ctx, testManifest("r"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}

	for _, source := range []string{`"\ud800"`, "\"\xff\"", `42`, `{}`} {
		_, err := h.RunRule(ctx, "r", nil, nil, source, "")
		if !errors.Is(err, ErrCall) {
			t.Errorf("RunRule(%q) error = %v, want call error", source, err)
		}
	}
	if handle.lastRequest() != nil {
		t.Error("rule was called with undecodable source")
	}
}

func TestHostRequestContents(t *testing.T) {
	ctx := context.Background()
	handle := &fakeHandle{response: encodeResponse(t)}
	h := newTestHost(t, HostConfig{Backends: []Backend{&fakeBackend{handle: handle}}})

	m := testManifest("r")
	m.Options = map[string]any{"max": 3}
	if err := h.LoadRuleModule(ctx, m, wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}

	node := map[string]any{"type": "root"}
	if _, err := h.RunRule(ctx, "r", node, nil, `"line\n"`, "a.md"); err != nil {
		t.Fatalf("RunRule() error = %v", err)
	}
	req := handle.lastRequest()
	if req.Source != "line\n" || req.FilePath != "a.md" {
		t.Errorf("request = %+v", req)
	}
	if !reflect.DeepEqual(req.Node, map[string]any{"type": "root"}) {
		t.Errorf("Node = %#v", req.Node)
	}
	if !reflect.DeepEqual(req.Config, map[string]any{"max": int64(3)}) {
		t.Errorf("default Config = %#v", req.Config)
	}

	if err := h.ConfigureRule("r", map[string]any{"max": 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RunRule(ctx, "r", node, nil, `""`, ""); err != nil {
		t.Fatal(err)
	}
	if got := handle.lastRequest().Config; !reflect.DeepEqual(got, map[string]any{"max": int64(10)}) {
		t.Errorf("configured Config = %#v", got)
	}

	if _, err := h.RunRule(ctx, "r", node, "explicit", `""`, ""); err != nil {
		t.Fatal(err)
	}
	if got := handle.lastRequest().Config; got != "explicit" {
		t.Errorf("explicit Config = %#v", got)
	}
}

func TestHostEmptyOptionsConfig(t *testing.T) {
	ctx := context.Background()
	handle := &fakeHandle{response: encodeResponse(t)}
	h := newTestHost(t, HostConfig{Backends: []Backend{&fakeBackend{handle: handle}}})

	if err := h.LoadRuleModule(ctx, testManifest("r"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RunRule(ctx, "r", nil, nil, `""`, ""); err != nil {
		t.Fatal(err)
	}
	if got := handle.lastRequest().Config; !reflect.DeepEqual(got, map[string]any{}) {
		t.Errorf("Config = %#v, want empty map", got)
	}
}

func TestHostUnload(t *testing.T) {
	ctx := context.Background()
	handle := &fakeHandle{response: encodeResponse(t)}
	h := newTestHost(t, HostConfig{Backends: []Backend{&fakeBackend{handle: handle}}})

	if err := h.LoadRuleModule(ctx, testManifest("r", "alias"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}

	removed, err := h.UnloadRule(ctx, "alias")
	if err != nil || !removed {
		t.Fatalf("UnloadRule(alias) = %v, %v", removed, err)
	}
	if handle.closed != 1 {
		t.Errorf("handle closed %d times, want 1", handle.closed)
	}

	removed, err = h.UnloadRule(ctx, "r")
	if err != nil || removed {
		t.Errorf("second UnloadRule() = %v, %v; want no-op", removed, err)
	}
	if _, err := h.RunRule(ctx, "r", nil, nil, `""`, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("RunRule() after unload error = %v, want not found", err)
	}
	if _, ok := h.Resolve("alias"); ok {
		t.Error("alias still resolves after unload")
	}

	// The freed name and alias can be reused.
	if err := h.LoadRuleModule(ctx, testManifest("other", "alias"), wasmtest.EchoRule()); err != nil {
		t.Errorf("LoadRuleModule() reusing alias error = %v", err)
	}
}

func TestHostRenameRule(t *testing.T) {
	ctx := context.Background()
	handle := &fakeHandle{response: encodeResponse(t)}
	h := newTestHost(t, HostConfig{Backends: []Backend{&fakeBackend{handle: handle}}})

	if err := h.LoadRuleModule(ctx, testManifest("no-todo", "todo"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}
	if err := h.LoadRuleModule(ctx, testManifest("other", "other-alias"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}
	if err := h.ConfigureRule("no-todo", map[string]any{"max": 7}); err != nil {
		t.Fatal(err)
	}

	if err := h.RenameRule("todo", "no-todo-v2", nil); err != nil {
		t.Fatalf("RenameRule() via alias error = %v", err)
	}

	if _, err := h.RunRule(ctx, "no-todo", nil, nil, `""`, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("RunRule(old name) error = %v, want not found", err)
	}
	for _, name := range []string{"no-todo-v2", "todo"} {
		if _, err := h.RunRule(ctx, name, nil, nil, `""`, ""); err != nil {
			t.Fatalf("RunRule(%s) error = %v", name, err)
		}
		if got := handle.lastRequest().Config; !reflect.DeepEqual(got, map[string]any{"max": int64(7)}) {
			t.Errorf("RunRule(%s) config = %#v, want the configured options", name, got)
		}
	}
	if canonical, ok := h.Resolve("todo"); !ok || canonical != "no-todo-v2" {
		t.Errorf("Resolve(todo) = %s, %v", canonical, ok)
	}
	info, err := h.Info("no-todo-v2")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "no-todo-v2" || !reflect.DeepEqual(info.Aliases, []string{"todo"}) {
		t.Errorf("Info() = %+v", info)
	}
	if handle.closed != 0 {
		t.Errorf("rename closed the handle %d times", handle.closed)
	}
	if got := h.LoadedRules(); !reflect.DeepEqual(got, []string{"no-todo-v2", "other"}) {
		t.Errorf("LoadedRules() = %v", got)
	}

	tests := []struct {
		name    string
		oldName string
		newName string
		want    error
	}{
		{name: "unknown rule", oldName: "missing", newName: "x", want: ErrNotFound},
		{name: "released old name", oldName: "no-todo", newName: "x", want: ErrNotFound},
		{name: "taken rule name", oldName: "no-todo-v2", newName: "other", want: ErrInvalidManifest},
		{name: "taken alias", oldName: "todo", newName: "other-alias", want: ErrInvalidManifest},
		{name: "empty name", oldName: "todo", newName: "", want: ErrInvalidManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.RenameRule(tt.oldName, tt.newName, nil); !errors.Is(err, tt.want) {
				t.Errorf("RenameRule(%s, %s) error = %v, want %v", tt.oldName, tt.newName, err, tt.want)
			}
			if canonical, ok := h.Resolve("todo"); !ok || canonical != "no-todo-v2" {
				t.Errorf("Resolve(todo) after failed rename = %s, %v", canonical, ok)
			}
		})
	}

	// A replacement manifest brings its own aliases.
	replacement := testManifest("ignored", "fresh", "no-todo-v3")
	replacement.Version = "2.0.0"
	if err := h.RenameRule("no-todo-v2", "no-todo-v3", replacement); err != nil {
		t.Fatalf("RenameRule() with manifest error = %v", err)
	}
	if _, ok := h.Resolve("todo"); ok {
		t.Error("alias of the replaced manifest still resolves")
	}
	if canonical, ok := h.Resolve("fresh"); !ok || canonical != "no-todo-v3" {
		t.Errorf("Resolve(fresh) = %s, %v", canonical, ok)
	}
	m, err := h.Manifest("fresh")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "no-todo-v3" || m.Version != "2.0.0" || !reflect.DeepEqual(m.Aliases, []string{"fresh"}) {
		t.Errorf("Manifest() = %+v", m)
	}
	if replacement.Name != "ignored" {
		t.Error("RenameRule() modified the caller's manifest")
	}
	if got, err := h.RuleConfig("no-todo-v3"); err != nil || !reflect.DeepEqual(got, map[string]any{"max": 7}) {
		t.Errorf("RuleConfig() = %#v, %v", got, err)
	}
}

func TestHostReplaceRule(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	v1 := wasmtest.ConstRule(encodeResponse(t, protocol.Diagnostic{RuleID: "r", Message: "v1"}))
	v2 := wasmtest.ConstRule(encodeResponse(t, protocol.Diagnostic{RuleID: "r", Message: "v2"}))

	if err := h.LoadRuleModule(ctx, testManifest("r", "alias"), v1); err != nil {
		t.Fatal(err)
	}
	if err := h.LoadRuleModule(ctx, testManifest("other", "taken"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}
	old, _, _ := h.lookup("r")

	// The replacement reuses the name and alias of the rule it replaces.
	if err := h.ReplaceRule(ctx, "r", testManifest("r", "alias"), v2); err != nil {
		t.Fatalf("ReplaceRule() error = %v", err)
	}
	assertMessage(t, h, "alias", "v2")
	if old.info().State != RuleUnloaded {
		t.Error("replaced rule handle not released")
	}

	failures := []struct {
		name     string
		manifest *Manifest
		module   []byte
		want     error
	}{
		{name: "broken artifact", manifest: testManifest("r", "alias"), module: []byte("broken"), want: ErrInvalidManifest},
		{name: "missing lint", manifest: testManifest("r", "alias"), module: wasmtest.NoLintRule(), want: ErrInvalidManifest},
		{name: "alias taken", manifest: testManifest("r", "taken"), module: v1, want: ErrInvalidManifest},
		{name: "name taken", manifest: testManifest("other"), module: v1, want: ErrInvalidManifest},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.ReplaceRule(ctx, "r", tt.manifest, tt.module); !errors.Is(err, tt.want) {
				t.Fatalf("ReplaceRule() error = %v, want %v", err, tt.want)
			}
			assertMessage(t, h, "r", "v2")
			assertMessage(t, h, "alias", "v2")
		})
	}

	// An unknown previous rule is a plain load.
	if err := h.ReplaceRule(ctx, "missing", testManifest("new"), v1); err != nil {
		t.Fatalf("ReplaceRule(missing) error = %v", err)
	}
	assertMessage(t, h, "new", "v1")
	if got := h.LoadedRules(); !reflect.DeepEqual(got, []string{"new", "other", "r"}) {
		t.Errorf("LoadedRules() = %v", got)
	}
}

func TestHostUnloadAll(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	for _, name := range []string{"a", "b", "c"} {
		if err := h.LoadRuleModule(ctx, testManifest(name), wasmtest.EchoRule()); err != nil {
			t.Fatal(err)
		}
	}
	rule, _, _ := h.lookup("a")

	if err := h.UnloadAll(ctx); err != nil {
		t.Fatalf("UnloadAll() error = %v", err)
	}
	if len(h.LoadedRules()) != 0 {
		t.Errorf("LoadedRules() = %v", h.LoadedRules())
	}
	if rule.info().State != RuleUnloaded {
		t.Error("rule handle not released")
	}
	if err := h.UnloadAll(ctx); err != nil {
		t.Errorf("second UnloadAll() error = %v", err)
	}
}

func TestHostRunAllRules(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	first := protocol.Diagnostic{RuleID: "a-first", Message: "one"}
	second := protocol.Diagnostic{RuleID: "c-second", Message: "two", Severity: protocol.SeverityError}

	load := map[string][]byte{
		"a-first":  wasmtest.ConstRule(encodeResponse(t, first)),
		"b-trap":   wasmtest.TrapRule(),
		"c-second": wasmtest.ConstRule(encodeResponse(t, second)),
	}
	for name, module := range load {
		if err := h.LoadRuleModule(ctx, testManifest(name), module); err != nil {
			t.Fatal(err)
		}
	}

	diags, failures := h.RunAllRules(ctx, nil, `"text"`, "x.md")
	if !reflect.DeepEqual(diags, []protocol.Diagnostic{first, second}) {
		t.Errorf("RunAllRules() diagnostics = %+v", diags)
	}
	if len(failures) != 1 || !errors.Is(failures["b-trap"], ErrCall) {
		t.Errorf("RunAllRules() failures = %v", failures)
	}
}

func TestHostConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, HostConfig{})

	diag := protocol.Diagnostic{RuleID: "r", Message: "m"}
	if err := h.LoadRuleModule(ctx, testManifest("r"), wasmtest.ConstRule(encodeResponse(t, diag))); err != nil {
		t.Fatal(err)
	}
	if err := h.LoadRuleModule(ctx, testManifest("echo"), wasmtest.EchoRule()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "r"
			if i%2 == 1 {
				name = "echo"
			}
			if _, err := h.RunRule(ctx, name, map[string]any{"i": i}, nil, fmt.Sprintf(`"%d"`, i), ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent RunRule() error = %v", err)
	}
}

func TestHostLoadDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRule(t, dir, "no-todo", wasmtest.ConstRule(encodeResponse(t, protocol.Diagnostic{RuleID: "no-todo", Message: "m"})))
	writeRule(t, dir, "echo", wasmtest.EchoRule())
	broken := filepath.Join(dir, "broken")
	writeRuleManifest(t, broken, "name: broken\nversion: '1'\nwasm: missing.wasm\n")

	h := newTestHost(t, HostConfig{})
	loaded, err := h.LoadDir(ctx, dir)
	if !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("LoadDir() error = %v, want the broken rule reported", err)
	}
	if !reflect.DeepEqual(loaded, []string{"echo", "no-todo"}) {
		t.Errorf("LoadDir() loaded = %v", loaded)
	}

	m, err := h.Manifest("no-todo")
	if err != nil {
		t.Fatal(err)
	}
	if m.Path != filepath.Join(dir, "no-todo", ManifestFileName) {
		t.Errorf("Manifest().Path = %s", m.Path)
	}

	diags, err := h.RunRule(ctx, "no-todo", nil, nil, `"TODO"`, "")
	if err != nil || len(diags) != 1 {
		t.Errorf("RunRule() = %v, %v", diags, err)
	}

	if infos := h.Rules(); len(infos) != 2 || infos[0].Name != "echo" {
		t.Errorf("Rules() = %+v", infos)
	}
}

func writeRule(t *testing.T, dir, name string, module []byte) string {
	t.Helper()
	ruleDir := filepath.Join(dir, name)
	writeRuleManifest(t, ruleDir, fmt.Sprintf("name: %s\nversion: 1.0.0\nwasm: %s.wasm\n", name, name))
	writeFile(t, filepath.Join(ruleDir, name+".wasm"), module)
	return filepath.Join(ruleDir, ManifestFileName)
}

func writeRuleManifest(t *testing.T, ruleDir, manifest string) {
	t.Helper()
	if err := os.MkdirAll(ruleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(ruleDir, ManifestFileName), []byte(manifest))
}
