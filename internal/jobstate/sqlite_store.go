package jobstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/book-expert/audiobook-service/internal/core"
)

type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "001_job_states",
		sql: `CREATE TABLE job_states (
            job_id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            book_title TEXT NOT NULL,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            total_chapters INTEGER NOT NULL DEFAULT 0,
            completed_chapters INTEGER NOT NULL DEFAULT 0,
            source_key TEXT,
            error TEXT,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            completed_at TEXT,
            failed_at TEXT
        )`,
	},
	{
		version: "002_job_states_user_status",
		sql:     `CREATE INDEX idx_job_states_user_status ON job_states(user_id, status)`,
	},
}

const selectColumns = `job_id, user_id, book_title, status, progress, total_chapters, completed_chapters,
        source_key, error, created_at, updated_at, completed_at, failed_at`

// SQLiteStore implements core.JobStateStore on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("ensure database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One connection keeps the read-validate-write sequence in Save serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the state of jobID.
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*core.JobState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM job_states WHERE job_id = ?`, jobID)

	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job '%s': %w", jobID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get job state %s: %w", jobID, err)
	}

	return state, nil
}

// Save validates the transition and upserts state in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, state *core.JobState) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM job_states WHERE job_id = ?`, state.JobID)

	prev, err := scanState(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load job state %s: %w", state.JobID, err)
	}

	if err := CheckTransition(prev, state); err != nil {
		return err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO job_states (
            job_id, user_id, book_title, status, progress, total_chapters, completed_chapters,
            source_key, error, created_at, updated_at, completed_at, failed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(job_id) DO UPDATE SET
            status = excluded.status,
            progress = excluded.progress,
            total_chapters = excluded.total_chapters,
            completed_chapters = excluded.completed_chapters,
            source_key = excluded.source_key,
            error = excluded.error,
            updated_at = excluded.updated_at,
            completed_at = excluded.completed_at,
            failed_at = excluded.failed_at`,
		state.JobID,
		state.UserID,
		state.BookTitle,
		string(state.Status),
		state.Progress,
		state.TotalChapters,
		state.CompletedChapters,
		nullableString(state.SourceKey),
		nullableString(state.Error),
		formatTime(state.CreatedAt),
		formatTime(state.UpdatedAt),
		nullableTime(state.CompletedAt),
		nullableTime(state.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job state %s: %w", state.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job state %s: %w", state.JobID, err)
	}

	return nil
}

// List returns every job state ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]*core.JobState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM job_states ORDER BY created_at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("list job states: %w", err)
	}
	defer rows.Close()

	states := []*core.JobState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job states: %w", err)
	}

	return states, nil
}

// CountByStatus returns the number of jobs in each status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_states GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count job states: %w", err)
	}
	defer rows.Close()

	counts := map[core.JobStatus]int{
		core.JobStatusProcessing: 0,
		core.JobStatusCompleted:  0,
		core.JobStatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[core.JobStatus(status)] = count
	}

	return counts, rows.Err()
}

func (s *SQLiteStore) applyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, migration := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", migration.version)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, migration.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", migration.version); err != nil {
			return fmt.Errorf("record migration %s: %w", migration.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*core.JobState, error) {
	var (
		state       core.JobState
		status      string
		sourceKey   sql.NullString
		errorText   sql.NullString
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
		failedAt    sql.NullString
	)

	err := row.Scan(
		&state.JobID,
		&state.UserID,
		&state.BookTitle,
		&status,
		&state.Progress,
		&state.TotalChapters,
		&state.CompletedChapters,
		&sourceKey,
		&errorText,
		&createdAt,
		&updatedAt,
		&completedAt,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = core.JobStatus(status)
	state.SourceKey = sourceKey.String
	state.Error = errorText.String
	state.CreatedAt = parseTime(createdAt)
	state.UpdatedAt = parseTime(updatedAt)
	state.CompletedAt = parseNullableTime(completedAt)
	state.FailedAt = parseNullableTime(failedAt)

	return &state, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed := parseTime(value.String)
	return &parsed
}
