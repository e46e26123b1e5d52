// Package linter drives the plugin host over a set of files: it reads them,
// builds the document node, runs every enabled rule and consults the result
// cache.
package linter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lintforge/lintforge/pkg/config"
	"github.com/lintforge/lintforge/pkg/plugin"
	"github.com/lintforge/lintforge/pkg/protocol"
	"github.com/lintforge/lintforge/pkg/stores"
	"github.com/lintforge/lintforge/pkg/telemetry"
)

// Options configures a Linter.
type Options struct {
	Host *plugin.Host

	// Store caches rule results. Nil disables caching.
	Store stores.Store

	// Rules holds per-rule overrides keyed by rule name or alias.
	Rules map[string]config.RuleConfig

	// Extensions selects files when a directory is linted.
	Extensions []string

	// Concurrency bounds the number of files processed at once.
	Concurrency int

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Linter runs the host's rules over files.
type Linter struct {
	host        *plugin.Host
	store       stores.Store
	rules       map[string]config.RuleConfig
	extensions  []string
	concurrency int

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// New creates a linter.
func New(opts Options) *Linter {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = config.Default().Extensions
	}

	return &Linter{
		host:        opts.Host,
		store:       opts.Store,
		rules:       opts.Rules,
		extensions:  extensions,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "linter").Logger(),
		metrics:     opts.Metrics,
		tracer:      tracer,
		events:      opts.Events,
	}
}

// RuleFailure is a rule that could not produce diagnostics for a file.
type RuleFailure struct {
	Rule string
	Err  error
}

// FileResult is the outcome of linting one file.
type FileResult struct {
	Path        string
	Diagnostics []protocol.Diagnostic
	Failures    []RuleFailure

	// Err is set when the file itself could not be linted.
	Err error

	// CacheHits counts rules answered from the cache.
	CacheHits int
}

// Report is the outcome of one Lint call.
type Report struct {
	RunID    string
	Files    []FileResult
	Duration time.Duration
}

// DiagnosticCount returns the number of diagnostics across all files.
func (r *Report) DiagnosticCount() int {
	n := 0
	for _, f := range r.Files {
		n += len(f.Diagnostics)
	}
	return n
}

// FailureCount returns the number of failed rule calls and unreadable files.
func (r *Report) FailureCount() int {
	n := 0
	for _, f := range r.Files {
		n += len(f.Failures)
		if f.Err != nil {
			n++
		}
	}
	return n
}

// HasErrors reports whether any diagnostic has error severity.
func (r *Report) HasErrors() bool {
	for _, f := range r.Files {
		for _, d := range f.Diagnostics {
			if d.Severity.OrDefault() == protocol.SeverityError {
				return true
			}
		}
	}
	return false
}

// ConfigureRules applies the rule overrides to the host: every loaded rule is
// configured with its override options, or its manifest options when the
// override sets none. Overrides naming no loaded rule are logged.
func (l *Linter) ConfigureRules() error {
	var errs []error
	for _, info := range l.host.Rules() {
		override, _ := l.ruleOverride(info)
		ruleConfig, err := l.effectiveConfig(info, override)
		if err == nil {
			err = l.host.ConfigureRule(info.Name, ruleConfig)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to configure rule %s: %w", info.Name, err))
		}
	}

	names := make([]string, 0, len(l.rules))
	for name := range l.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := l.host.Resolve(name); !ok {
			l.logger.Warn().Str("rule", name).Msg("Configured rule is not loaded")
		}
	}
	return errors.Join(errs...)
}

// Lint configures the host's rules and lints every file named by paths;
// directories are walked for files with a configured extension. Results are
// ordered by path.
func (l *Linter) Lint(ctx context.Context, paths []string) (*Report, error) {
	start := time.Now()

	if err := l.ConfigureRules(); err != nil {
		l.logger.Warn().Err(err).Msg("Some rules could not be configured")
	}

	files, err := l.CollectFiles(paths)
	if err != nil {
		return nil, err
	}

	run := &stores.Run{
		ID:        uuid.NewString(),
		Status:    stores.RunStatusRunning,
		StartedAt: start,
	}
	if l.store != nil {
		if err := l.store.CreateRun(ctx, run); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to record lint run")
		}
	}

	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, path := range files {
		g.Go(func() error {
			results[i] = l.LintFile(gctx, path)
			return gctx.Err()
		})
	}
	waitErr := g.Wait()

	report := &Report{
		RunID:    run.ID,
		Files:    results,
		Duration: time.Since(start),
	}

	l.completeRun(ctx, run, report, waitErr)
	if waitErr != nil {
		return report, waitErr
	}

	l.logger.Info().
		Str("run_id", run.ID).
		Int("files", len(files)).
		Int("diagnostics", report.DiagnosticCount()).
		Int("failures", report.FailureCount()).
		Dur("duration", report.Duration).
		Msg("Lint run completed")
	return report, nil
}

func (l *Linter) completeRun(ctx context.Context, run *stores.Run, report *Report, runErr error) {
	if l.store == nil {
		return
	}

	run.Status = stores.RunStatusCompleted
	run.Files = len(report.Files)
	run.Diagnostics = report.DiagnosticCount()
	run.Failures = report.FailureCount()
	if runErr != nil {
		msg := runErr.Error()
		run.Status = stores.RunStatusFailed
		run.Error = &msg
	}

	// The run context may already be cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := l.store.CompleteRun(ctx, run); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to complete lint run")
	}
}

// LintFile lints one file with every enabled rule, using the configuration
// the rules currently hold on the host.
func (l *Linter) LintFile(ctx context.Context, path string) FileResult {
	ctx, span := l.tracer.StartFileSpan(ctx, path)
	defer span.End()

	result := FileResult{Path: path, Diagnostics: []protocol.Diagnostic{}}

	content, err := os.ReadFile(path)
	if err != nil {
		result.Err = fmt.Errorf("failed to read %s: %w", path, err)
		l.finishFile(span, &result)
		return result
	}

	sourceJSON, err := plugin.EncodeSource(string(content))
	if err != nil {
		result.Err = fmt.Errorf("failed to encode %s: %w", path, err)
		l.finishFile(span, &result)
		return result
	}

	node := DocumentNode(string(content))
	contentHash := hashBytes(content)

	for _, info := range l.host.Rules() {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		override, _ := l.ruleOverride(info)
		if !override.IsEnabled() {
			continue
		}

		diags, hit, err := l.runRule(ctx, info, node, sourceJSON, path, contentHash)
		if err != nil {
			result.Failures = append(result.Failures, RuleFailure{Rule: info.Name, Err: err})
			continue
		}
		if hit {
			result.CacheHits++
		}
		result.Diagnostics = append(result.Diagnostics, diags...)
	}

	l.finishFile(span, &result)
	return result
}

func (l *Linter) finishFile(span trace.Span, result *FileResult) {
	status := "ok"
	switch {
	case result.Err != nil:
		status = "error"
	case len(result.Failures) > 0:
		status = "partial"
	}
	l.metrics.RecordFileLinted(status)

	if result.Err != nil {
		telemetry.RecordError(span, result.Err)
		l.logger.Warn().Err(result.Err).Str("file", result.Path).Msg("Failed to lint file")
	} else {
		telemetry.RecordSuccess(span)
	}

	l.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeFileLinted,
		Path:    result.Path,
		Message: fmt.Sprintf("%d diagnostics, %d failures", len(result.Diagnostics), len(result.Failures)),
		Level:   eventLevel(status),
	})
}

func eventLevel(status string) string {
	switch status {
	case "error":
		return telemetry.EventLevelError
	case "partial":
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}

func (l *Linter) ruleOverride(info plugin.RuleInfo) (config.RuleConfig, bool) {
	if l.rules == nil {
		return config.RuleConfig{}, false
	}
	cfg := &config.Config{Rules: l.rules}
	return cfg.Rule(info.Name, info.Aliases)
}

// runRule answers from the cache when the rule digest, content and config
// all match, and otherwise calls the rule and stores its result.
func (l *Linter) runRule(ctx context.Context, info plugin.RuleInfo, node any, sourceJSON, path, contentHash string) ([]protocol.Diagnostic, bool, error) {
	ruleConfig, err := l.host.RuleConfig(info.Name)
	if err != nil {
		return nil, false, err
	}

	configBytes, err := protocol.Marshal(ruleConfig)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode config of rule %s: %w", info.Name, err)
	}

	key := stores.ResultKey{
		FilePath:    path,
		Rule:        info.Name,
		RuleDigest:  info.Digest,
		ContentHash: contentHash,
		ConfigHash:  hashBytes(configBytes),
	}

	if l.store != nil {
		cached, err := l.store.GetResult(ctx, key)
		switch {
		case err == nil:
			l.metrics.RecordCacheLookup(true)
			return cached.Diagnostics, true, nil
		case errors.Is(err, stores.ErrNotFound):
			l.metrics.RecordCacheLookup(false)
		default:
			l.logger.Warn().Err(err).Str("rule", info.Name).Str("file", path).Msg("Cache lookup failed")
		}
	}

	diags, err := l.host.RunRule(ctx, info.Name, node, nil, sourceJSON, path)
	if err != nil {
		return nil, false, err
	}

	if l.store != nil {
		if err := l.store.PutResult(ctx, &stores.Result{Key: key, Diagnostics: diags}); err != nil {
			l.logger.Warn().Err(err).Str("rule", info.Name).Str("file", path).Msg("Failed to cache result")
		}
	}
	return diags, false, nil
}

// effectiveConfig is the override's options when set, else the manifest's.
func (l *Linter) effectiveConfig(info plugin.RuleInfo, override config.RuleConfig) (any, error) {
	if override.Options != nil {
		return override.Options, nil
	}
	m, err := l.host.Manifest(info.Name)
	if err != nil {
		return nil, err
	}
	if m.Options == nil {
		return map[string]any{}, nil
	}
	return m.Options, nil
}

// CollectFiles expands paths into a sorted, de-duplicated file list.
// Directories are walked for files with a configured extension; hidden
// directories are skipped. Files named explicitly are always included.
func (l *Linter) CollectFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(path string) {
		clean := filepath.Clean(path)
		if !seen[clean] {
			seen[clean] = true
			files = append(files, clean)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if l.matches(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

func (l *Linter) matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range l.extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
