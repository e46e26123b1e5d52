package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/lintforge/lintforge/pkg/protocol"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO lint_runs (id, status, started_at, completed_at, files, diagnostics, failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.StartedAt.UnixNano(),
		nullableTime(run.CompletedAt),
		run.Files,
		run.Diagnostics,
		run.Failures,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, status, started_at, completed_at, files, diagnostics, failures, error
		FROM lint_runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the outcome and counters of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE lint_runs
		SET status = ?, completed_at = ?, files = ?, diagnostics = ?, failures = ?, error = ?
		WHERE id = ?
	`

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		completedAt.UnixNano(),
		run.Files,
		run.Diagnostics,
		run.Failures,
		run.Error,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	run.CompletedAt = &completedAt
	return nil
}

// ListRuns lists runs, newest first, with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, status, started_at, completed_at, files, diagnostics, failures, error
		FROM lint_runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var startedAt int64
	var completedAt sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Status,
		&startedAt,
		&completedAt,
		&run.Files,
		&run.Diagnostics,
		&run.Failures,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.Unix(0, startedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

// GetResult returns the cached result for key. Entries computed from a
// different rule digest, content or configuration miss.
func (s *SQLiteStore) GetResult(ctx context.Context, key ResultKey) (*Result, error) {
	query := `
		SELECT diagnostics, created_at
		FROM results
		WHERE file_path = ? AND rule = ? AND rule_digest = ? AND content_hash = ? AND config_hash = ?
	`

	var blob []byte
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query,
		key.FilePath,
		key.Rule,
		key.RuleDigest,
		key.ContentHash,
		key.ConfigHash,
	).Scan(&blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var diags []protocol.Diagnostic
	if err := protocol.Unmarshal(blob, &diags); err != nil {
		return nil, fmt.Errorf("failed to decode cached diagnostics: %w", err)
	}
	if diags == nil {
		diags = []protocol.Diagnostic{}
	}

	return &Result{
		Key:         key,
		Diagnostics: diags,
		CreatedAt:   time.Unix(0, createdAt),
	}, nil
}

// PutResult stores a result, replacing any earlier result for the same file
// and rule.
func (s *SQLiteStore) PutResult(ctx context.Context, result *Result) error {
	diags := result.Diagnostics
	if diags == nil {
		diags = []protocol.Diagnostic{}
	}
	blob, err := protocol.Marshal(diags)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}

	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO results (file_path, rule, rule_digest, content_hash, config_hash, diagnostics, diagnostic_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, rule) DO UPDATE SET
			rule_digest = excluded.rule_digest,
			content_hash = excluded.content_hash,
			config_hash = excluded.config_hash,
			diagnostics = excluded.diagnostics,
			diagnostic_count = excluded.diagnostic_count,
			created_at = excluded.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		result.Key.FilePath,
		result.Key.Rule,
		result.Key.RuleDigest,
		result.Key.ContentHash,
		result.Key.ConfigHash,
		blob,
		len(diags),
		result.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to put result: %w", err)
	}

	return nil
}

// DeleteResultsForRule drops every cached result of a rule.
func (s *SQLiteStore) DeleteResultsForRule(ctx context.Context, rule string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE rule = ?`, rule)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results for rule: %w", err)
	}
	return result.RowsAffected()
}

// DeleteResultsForFile drops every cached result of a file.
func (s *SQLiteStore) DeleteResultsForFile(ctx context.Context, filePath string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE file_path = ?`, filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results for file: %w", err)
	}
	return result.RowsAffected()
}

// Clear removes all cached results and runs in one transaction.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"results", "lint_runs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// Stats summarizes the cache.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(DISTINCT file_path),
			COUNT(DISTINCT rule),
			COALESCE(SUM(diagnostic_count), 0),
			(SELECT COUNT(*) FROM lint_runs)
		FROM results
	`

	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Results,
		&stats.Files,
		&stats.Rules,
		&stats.Diagnostics,
		&stats.Runs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return stats, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
