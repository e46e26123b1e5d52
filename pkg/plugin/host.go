package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lintforge/lintforge/pkg/protocol"
	"github.com/lintforge/lintforge/pkg/telemetry"
)

// RuleState is the lifecycle state of a rule.
type RuleState int

const (
	// RuleUnloaded rules have released their handle.
	RuleUnloaded RuleState = iota

	// RuleLoaded rules own a live handle.
	RuleLoaded
)

// String returns the state name.
func (s RuleState) String() string {
	switch s {
	case RuleLoaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Rule is a registered lint rule. Its handle is serialized by mu.
type Rule struct {
	name     string
	manifest *Manifest
	backend  BackendKind
	digest   string

	mu     sync.Mutex
	handle Handle
	state  RuleState
	config any
}

// RuleInfo is a snapshot of a registered rule.
type RuleInfo struct {
	Name    string
	Aliases []string
	Version string
	Backend BackendKind
	Digest  string
	State   RuleState
}

func (r *Rule) info() RuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RuleInfo{
		Name:    r.name,
		Aliases: append([]string(nil), r.manifest.Aliases...),
		Version: r.manifest.Version,
		Backend: r.backend,
		Digest:  r.digest,
		State:   r.state,
	}
}

// HostConfig configures a Host.
type HostConfig struct {
	// Backend holds the resource limits of the default backends.
	Backend BackendConfig

	// BaseDir resolves artifact paths of manifests loaded from bytes.
	BaseDir string

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics

	// Tracer defaults to a no-op tracer.
	Tracer *telemetry.Tracer

	// Backends replaces the default interpreter and runtime backends.
	Backends []Backend
}

// Host owns the rule registry and dispatches lint calls to rule handles.
type Host struct {
	// mu guards rules and aliases.
	mu      sync.RWMutex
	rules   map[string]*Rule
	aliases map[string]string

	loader   *ManifestLoader
	backends map[BackendKind]Backend
	budget   uint64

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewHost creates an empty host.
func NewHost(cfg HostConfig) *Host {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "plugin-host").Logger()

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}

	backendCfg := cfg.Backend.withDefaults()
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = []Backend{
			NewInterpreterBackend(backendCfg, logger),
			NewRuntimeBackend(backendCfg, logger),
		}
	}

	h := &Host{
		rules:    make(map[string]*Rule),
		aliases:  make(map[string]string),
		loader:   NewManifestLoader(cfg.BaseDir),
		backends: make(map[BackendKind]Backend, len(backends)),
		budget:   backendCfg.Fuel,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}
	for _, b := range backends {
		h.backends[b.Kind()] = b
	}
	return h
}

// LoadRule loads the rule described by the manifest at manifestPath.
func (h *Host) LoadRule(ctx context.Context, manifestPath string) (*Manifest, error) {
	return h.loadFile(ctx, "", manifestPath)
}

// loadFile loads the manifest at manifestPath, replacing the rule registered
// as previous when it is set.
func (h *Host) loadFile(ctx context.Context, previous, manifestPath string) (*Manifest, error) {
	m, err := h.loader.LoadFromFile(manifestPath)
	if err != nil {
		return nil, err
	}

	module, err := h.loader.ReadModule(m)
	if err != nil {
		return nil, err
	}

	if err := h.install(ctx, previous, m, module); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadRuleModule registers a rule from a manifest and its artifact bytes.
// The registry is left unchanged on failure.
func (h *Host) LoadRuleModule(ctx context.Context, m *Manifest, module []byte) error {
	return h.install(ctx, "", m, module)
}

// ReplaceRule loads a rule from a manifest and its artifact bytes and, once
// the new handle is ready, swaps it in for the rule currently registered as
// previous. The new rule may reuse the names of the rule it replaces. On
// failure the previous rule stays registered and keeps serving calls. An
// unknown previous name makes ReplaceRule behave like LoadRuleModule.
func (h *Host) ReplaceRule(ctx context.Context, previous string, m *Manifest, module []byte) error {
	return h.install(ctx, previous, m, module)
}

func (h *Host) install(ctx context.Context, previous string, m *Manifest, module []byte) error {
	if m == nil {
		return NewInvalidManifestError("", "manifest is nil", nil)
	}
	if err := ValidateManifest(m); err != nil {
		return err
	}
	if err := m.VerifyChecksum(module); err != nil {
		return err
	}

	h.mu.RLock()
	err := h.checkNamesLocked(m, h.canonicalLocked(previous))
	h.mu.RUnlock()
	if err != nil {
		return err
	}

	kind, err := selectBackend(m, module)
	if err != nil {
		return err
	}
	backend, ok := h.backends[kind]
	if !ok {
		return NewInvalidManifestError(m.Name, fmt.Sprintf("backend %q is not available", kind), nil)
	}

	start := time.Now()
	handle, err := backend.Load(ctx, m, module)
	if err != nil {
		h.logger.Warn().Err(err).Str("rule", m.Name).Str("backend", string(kind)).Msg("Failed to load rule")
		return withRule(m.Name, err)
	}

	sum := sha256.Sum256(module)
	rule := &Rule{
		name:     m.Name,
		manifest: m,
		backend:  kind,
		digest:   hex.EncodeToString(sum[:]),
		handle:   handle,
		state:    RuleLoaded,
		config:   defaultConfig(m),
	}

	h.mu.Lock()
	replaced := h.canonicalLocked(previous)
	if err := h.checkNamesLocked(m, replaced); err != nil {
		h.mu.Unlock()
		_ = handle.Close(ctx)
		return err
	}
	var old *Rule
	if replaced != "" {
		old = h.rules[replaced]
		h.removeLocked(old)
	}
	h.rules[m.Name] = rule
	for _, alias := range m.Aliases {
		h.aliases[alias] = m.Name
	}
	loaded := len(h.rules)
	h.mu.Unlock()

	h.metrics.SetRulesLoaded(loaded)
	if old != nil {
		if err := old.release(ctx); err != nil {
			h.logger.Warn().Err(err).Str("rule", replaced).Msg("Failed to close replaced rule")
		}
	}

	event := h.logger.Info().
		Str("rule", m.Name).
		Str("version", m.Version).
		Str("backend", string(kind)).
		Strs("aliases", m.Aliases).
		Dur("duration", time.Since(start))
	if old != nil {
		event.Str("replaced", replaced).Msg("Rule replaced")
	} else {
		event.Msg("Rule loaded")
	}
	return nil
}

// canonicalLocked resolves name, returning "" when it is not registered.
func (h *Host) canonicalLocked(name string) string {
	if name == "" {
		return ""
	}
	canonical, _ := h.resolveLocked(name)
	return canonical
}

// checkNamesLocked rejects a manifest whose name or aliases are taken by a
// rule other than except.
func (h *Host) checkNamesLocked(m *Manifest, except string) error {
	if _, exists := h.rules[m.Name]; exists && m.Name != except {
		return NewInvalidManifestError(m.Name, fmt.Sprintf("rule %q is already loaded", m.Name), nil)
	}
	if owner, exists := h.aliases[m.Name]; exists && owner != except {
		return NewInvalidManifestError(m.Name, fmt.Sprintf("name %q is an alias of rule %q", m.Name, owner), nil)
	}
	for _, alias := range m.Aliases {
		if _, exists := h.rules[alias]; exists && alias != except {
			return NewInvalidManifestError(m.Name, fmt.Sprintf("alias %q shadows rule %q", alias, alias), nil)
		}
		if owner, exists := h.aliases[alias]; exists && owner != except {
			return NewInvalidManifestError(m.Name, fmt.Sprintf("alias %q is already owned by rule %q", alias, owner), nil)
		}
	}
	return nil
}

// RenameRule moves a loaded rule to newName. oldName may be the rule's name
// or one of its aliases. The handle and the configured options move with the
// rule and aliases keep pointing at it. A non-nil m replaces the manifest,
// aliases included. The old name is released.
func (h *Host) RenameRule(oldName, newName string, m *Manifest) error {
	rule, canonical, err := h.lookup(oldName)
	if err != nil {
		return err
	}

	// rule.mu before h.mu: an in-flight call finishes under the old name.
	rule.mu.Lock()
	defer rule.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rules[canonical] != rule {
		return NewNotFoundError(oldName)
	}

	src := rule.manifest
	if m != nil {
		src = m
	}
	next := *src
	next.Name = newName
	next.Aliases = make([]string, 0, len(src.Aliases))
	for _, alias := range src.Aliases {
		if alias != newName {
			next.Aliases = append(next.Aliases, alias)
		}
	}
	if err := ValidateManifest(&next); err != nil {
		return err
	}
	if err := h.checkNamesLocked(&next, canonical); err != nil {
		return err
	}

	h.removeLocked(rule)
	rule.name = newName
	rule.manifest = &next
	h.rules[newName] = rule
	for _, alias := range next.Aliases {
		h.aliases[alias] = newName
	}

	h.logger.Info().Str("rule", newName).Str("previous", canonical).Strs("aliases", next.Aliases).Msg("Rule renamed")
	return nil
}

func defaultConfig(m *Manifest) any {
	if m.Options == nil {
		return map[string]any{}
	}
	return m.Options
}

// Resolve maps a rule name or alias to the canonical rule name.
func (h *Host) Resolve(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resolveLocked(name)
}

func (h *Host) resolveLocked(name string) (string, bool) {
	if _, ok := h.rules[name]; ok {
		return name, true
	}
	if canonical, ok := h.aliases[name]; ok {
		return canonical, true
	}
	return "", false
}

// lookup returns the rule registered under name or alias, with its
// canonical name at the time of the lookup.
func (h *Host) lookup(name string) (*Rule, string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	canonical, ok := h.resolveLocked(name)
	if !ok {
		return nil, "", NewNotFoundError(name)
	}
	return h.rules[canonical], canonical, nil
}

// RunRule runs one rule against a node. sourceJSON is the document's source
// text as a JSON string literal. A nil config selects the rule's configured
// default.
func (h *Host) RunRule(ctx context.Context, name string, node, config any, sourceJSON, filePath string) ([]protocol.Diagnostic, error) {
	rule, canonical, err := h.lookup(name)
	if err != nil {
		return nil, err
	}

	source, err := DecodeSource(sourceJSON)
	if err != nil {
		return nil, NewCallError(canonical, "invalid source JSON", err)
	}

	callID := uuid.NewString()
	ctx, span := h.tracer.StartRuleSpan(ctx, canonical, callID, filePath)
	defer span.End()

	diags, err := h.call(ctx, rule, callID, node, config, source, filePath)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return diags, nil
}

func (h *Host) call(ctx context.Context, rule *Rule, callID string, node, config any, source, filePath string) ([]protocol.Diagnostic, error) {
	rule.mu.Lock()
	defer rule.mu.Unlock()

	if rule.state != RuleLoaded || rule.handle == nil {
		return nil, NewNotFoundError(rule.name)
	}
	if config == nil {
		config = rule.config
	}

	input, err := protocol.EncodeRequest(&protocol.LintRequest{
		Node:     node,
		Config:   config,
		Source:   source,
		FilePath: filePath,
	})
	if err != nil {
		return nil, NewCallError(rule.name, "failed to encode request", err)
	}

	logger := h.logger.With().Str("rule", rule.name).Str("call_id", callID).Logger()

	start := time.Now()
	output, err := rule.handle.CallLint(ctx, rule.name, input)
	duration := time.Since(start)

	var fuelUsed uint64
	if f, ok := rule.handle.(interface{ FuelUsed() uint64 }); ok {
		fuelUsed = f.FuelUsed()
	}

	if err != nil {
		err = withRule(rule.name, err)
		kind := KindOf(err)
		h.metrics.RecordRuleCall(rule.name, string(kind), duration, fuelUsed)
		logger.Warn().Err(err).Str("kind", string(kind)).Dur("duration", duration).Msg("Rule call failed")
		return nil, err
	}

	resp, err := protocol.DecodeResponse(output)
	if err != nil {
		err = NewCallError(rule.name, fmt.Sprintf("Invalid response from '%s'", rule.name), err)
		h.metrics.RecordRuleCall(rule.name, string(KindCall), duration, fuelUsed)
		logger.Warn().Err(err).Int("output_bytes", len(output)).Msg("Rule returned an invalid response")
		return nil, err
	}

	h.metrics.RecordRuleCall(rule.name, "ok", duration, fuelUsed)
	h.metrics.RecordDiagnostics(rule.name, resp.Diagnostics)
	logger.Debug().
		Int("input_bytes", len(input)).
		Int("output_bytes", len(output)).
		Int("diagnostics", len(resp.Diagnostics)).
		Uint64("fuel", fuelUsed).
		Dur("duration", duration).
		Msg("Rule call completed")

	return resp.Diagnostics, nil
}

// RunAllRules runs every loaded rule in name order. A failing rule is logged
// and skipped; its error is reported in the returned map.
func (h *Host) RunAllRules(ctx context.Context, node any, sourceJSON, filePath string) ([]protocol.Diagnostic, map[string]error) {
	var all []protocol.Diagnostic
	failures := make(map[string]error)

	for _, name := range h.LoadedRules() {
		diags, err := h.RunRule(ctx, name, node, nil, sourceJSON, filePath)
		if err != nil {
			h.logger.Warn().Err(err).Str("rule", name).Str("file", filePath).Msg("Skipping failed rule")
			failures[name] = err
			continue
		}
		all = append(all, diags...)
	}

	if all == nil {
		all = []protocol.Diagnostic{}
	}
	return all, failures
}

// ConfigureRule sets the configuration used when RunRule is given none.
func (h *Host) ConfigureRule(name string, config any) error {
	rule, _, err := h.lookup(name)
	if err != nil {
		return err
	}

	rule.mu.Lock()
	rule.config = config
	rule.mu.Unlock()
	return nil
}

// RuleConfig returns the configuration RunRule uses when given none.
func (h *Host) RuleConfig(name string) (any, error) {
	rule, _, err := h.lookup(name)
	if err != nil {
		return nil, err
	}

	rule.mu.Lock()
	defer rule.mu.Unlock()
	return rule.config, nil
}

// Manifest returns the manifest of a rule.
func (h *Host) Manifest(name string) (*Manifest, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	canonical, ok := h.resolveLocked(name)
	if !ok {
		return nil, NewNotFoundError(name)
	}
	return h.rules[canonical].manifest, nil
}

// Info returns a snapshot of a rule.
func (h *Host) Info(name string) (RuleInfo, error) {
	rule, _, err := h.lookup(name)
	if err != nil {
		return RuleInfo{}, err
	}
	return rule.info(), nil
}

// LoadedRules returns the canonical names of all loaded rules, sorted.
func (h *Host) LoadedRules() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.rules))
	for name := range h.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rules returns snapshots of all loaded rules, sorted by name.
func (h *Host) Rules() []RuleInfo {
	names := h.LoadedRules()
	infos := make([]RuleInfo, 0, len(names))
	for _, name := range names {
		if info, err := h.Info(name); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// UnloadRule removes a rule and releases its handle. It reports whether a
// rule was removed; unknown names are a no-op.
func (h *Host) UnloadRule(ctx context.Context, name string) (bool, error) {
	h.mu.Lock()
	canonical, ok := h.resolveLocked(name)
	if !ok {
		h.mu.Unlock()
		return false, nil
	}
	rule := h.rules[canonical]
	h.removeLocked(rule)
	loaded := len(h.rules)
	h.mu.Unlock()

	h.metrics.SetRulesLoaded(loaded)
	err := rule.release(ctx)
	h.logger.Info().Str("rule", canonical).Msg("Rule unloaded")
	return true, err
}

// UnloadAll removes every rule.
func (h *Host) UnloadAll(ctx context.Context) error {
	h.mu.Lock()
	rules := make([]*Rule, 0, len(h.rules))
	names := make([]string, 0, len(h.rules))
	for name, rule := range h.rules {
		rules = append(rules, rule)
		names = append(names, name)
	}
	h.rules = make(map[string]*Rule)
	h.aliases = make(map[string]string)
	h.mu.Unlock()

	h.metrics.SetRulesLoaded(0)

	var errs []error
	for i, rule := range rules {
		if err := rule.release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rule %s: %w", names[i], err))
		}
	}
	if len(rules) > 0 {
		h.logger.Info().Int("rules", len(rules)).Msg("All rules unloaded")
	}
	return errors.Join(errs...)
}

func (h *Host) removeLocked(rule *Rule) {
	delete(h.rules, rule.name)
	for _, alias := range rule.manifest.Aliases {
		if h.aliases[alias] == rule.name {
			delete(h.aliases, alias)
		}
	}
}

// release waits for any in-flight call and closes the handle.
func (r *Rule) release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle == nil {
		return nil
	}
	err := r.handle.Close(ctx)
	r.handle = nil
	r.state = RuleUnloaded
	return err
}

// LoadDir loads every manifest found by FindManifests. Failures are logged
// and returned joined; the remaining rules still load.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]string, error) {
	paths, err := FindManifests(dir)
	if err != nil {
		return nil, err
	}

	var loaded []string
	var errs []error
	for _, path := range paths {
		m, err := h.LoadRule(ctx, path)
		if err != nil {
			h.logger.Warn().Err(err).Str("manifest", path).Msg("Failed to load rule manifest")
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded = append(loaded, m.Name)
	}
	return loaded, errors.Join(errs...)
}

// Budget returns the per-call instruction budget of interpreter rules.
func (h *Host) Budget() uint64 {
	return h.budget
}
