package stores

import (
	"context"
	"errors"
	"time"

	"github.com/lintforge/lintforge/pkg/protocol"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a lint run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of the linter over a set of files.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Files       int        `json:"files"`
	Diagnostics int        `json:"diagnostics"`
	Failures    int        `json:"failures"`
	Error       *string    `json:"error,omitempty"`
}

// ResultKey identifies a cached rule result. A cached result is only valid
// for the exact rule artifact, file content and rule configuration it was
// computed from.
type ResultKey struct {
	FilePath    string `json:"file_path"`
	Rule        string `json:"rule"`
	RuleDigest  string `json:"rule_digest"`
	ContentHash string `json:"content_hash"`
	ConfigHash  string `json:"config_hash"`
}

// Result is the cached output of one rule on one file.
type Result struct {
	Key         ResultKey             `json:"key"`
	Diagnostics []protocol.Diagnostic `json:"diagnostics"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Stats summarizes the cache contents.
type Stats struct {
	Results     int64 `json:"results"`
	Files       int64 `json:"files"`
	Rules       int64 `json:"rules"`
	Diagnostics int64 `json:"diagnostics"`
	Runs        int64 `json:"runs"`
}

// Store is the persistence interface used by the linter.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Results
	GetResult(ctx context.Context, key ResultKey) (*Result, error)
	PutResult(ctx context.Context, result *Result) error
	DeleteResultsForRule(ctx context.Context, rule string) (int64, error)
	DeleteResultsForFile(ctx context.Context, filePath string) (int64, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}
