package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/converge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path string
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open creates, initializes and migrates the journal at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database, creating its directory, and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer per invocation; a single connection also keeps :memory:
	// databases alive across queries.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// StartRun records a run in the running state.
func (s *SQLiteStore) StartRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = RunStatusRunning

	query := `
		INSERT INTO runs (id, catalog, revision, version, hosts, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Catalog,
		run.Revision,
		run.Version,
		strings.Join(run.Hosts, ","),
		run.Status,
		run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed, or failed when runErr is non-nil.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, runErr error) error {
	status := RunStatusCompleted
	var msg *string
	if runErr != nil {
		status = RunStatusFailed
		m := runErr.Error()
		msg = &m
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordPass stores a host pass and its outcomes in one transaction. The
// pass ID is set on success.
func (s *SQLiteStore) RecordPass(ctx context.Context, pass *HostPass) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO host_passes (run_id, host, status, error, error_kind, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		pass.RunID,
		pass.Host,
		pass.Status,
		nullString(pass.Error),
		nullString(pass.ErrorKind),
		pass.StartedAt.UnixMilli(),
		pass.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record pass: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read pass id: %w", err)
	}

	for i, o := range pass.Outcomes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outcomes (pass_id, position, resource, kind, changed, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, i, o.Name, o.Kind, o.Changed, o.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to record outcome %s: %w", o.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pass: %w", err)
	}
	pass.ID = id
	return nil
}

// GetRun retrieves a run with its passes and outcomes.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, catalog, revision, version, hosts, status, error, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Passes, err = s.passes(ctx, `WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, without passes.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, catalog, revision, version, hosts, status, error, started_at, finished_at
		FROM runs
	`
	var args []any
	if filter.Host != "" {
		query += ` WHERE id IN (SELECT run_id FROM host_passes WHERE host = ?)`
		args = append(args, filter.Host)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastPass returns the most recent pass over host, or nil if it has none.
func (s *SQLiteStore) LastPass(ctx context.Context, host string) (*HostPass, error) {
	passes, err := s.passes(ctx, `WHERE host = ? ORDER BY id DESC LIMIT 1`, host)
	if err != nil {
		return nil, err
	}
	if len(passes) == 0 {
		return nil, nil
	}
	return passes[0], nil
}

// passes loads host passes matching where, with their outcomes.
func (s *SQLiteStore) passes(ctx context.Context, where string, args ...any) ([]*HostPass, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, host, status, error, error_kind, started_at, finished_at
		FROM host_passes `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}

	var passes []*HostPass
	for rows.Next() {
		var (
			p                 HostPass
			passErr, errKind  sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&p.ID, &p.RunID, &p.Host, &p.Status, &passErr, &errKind, &started, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		p.Error = passErr.String
		p.ErrorKind = errKind.String
		p.StartedAt = time.UnixMilli(started)
		p.FinishedAt = time.UnixMilli(finished)
		passes = append(passes, &p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}

	// The single connection is free again once rows is closed.
	for _, p := range passes {
		if p.Outcomes, err = s.outcomes(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return passes, nil
}

func (s *SQLiteStore) outcomes(ctx context.Context, passID int64) ([]engine.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, kind, changed, duration_ms
		FROM outcomes
		WHERE pass_id = ?
		ORDER BY position
	`, passID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var out []engine.Outcome
	for rows.Next() {
		var (
			o  engine.Outcome
			ms int64
		)
		if err := rows.Scan(&o.Name, &o.Kind, &o.Changed, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run      Run
		hosts    string
		runErr   sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Catalog, &run.Revision, &run.Version, &hosts, &run.Status, &runErr, &started, &finished); err != nil {
		return nil, err
	}
	if hosts != "" {
		run.Hosts = strings.Split(hosts, ",")
	}
	run.Error = runErr.String
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PassFromReport builds the journal entry for one host pass. A nil report
// with a nil error marks a host skipped after a fail-fast abort.
func PassFromReport(runID, host string, report *engine.Report, passErr error) *HostPass {
	p := &HostPass{RunID: runID, Host: host, Status: PassStatusOK}
	if report != nil {
		p.StartedAt = report.StartedAt
		p.FinishedAt = report.FinishedAt
		p.Outcomes = report.Outcomes
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}
	if p.FinishedAt.IsZero() {
		p.FinishedAt = p.StartedAt
	}

	switch {
	case passErr != nil:
		p.Status = PassStatusFailed
		p.Error = passErr.Error()
		p.ErrorKind = string(engine.KindOf(passErr))
	case report == nil:
		p.Status = PassStatusSkipped
	}
	return p
}

var _ Store = (*SQLiteStore)(nil)
