// Package store provides SQLite persistence for recording metadata and
// enrichment status. It is safe for concurrent callers; database/sql
// serializes access and busy_timeout covers writer contention.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Status is the enrichment lifecycle state of a recording.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Result is the enriched metadata produced for a recording.
type Result struct {
	Transcription string   `json:"transcription"`
	SpeakerNames  []string `json:"speaker_names"`
	Category      string   `json:"category"`
	Summary       string   `json:"summary"`
	Confidence    float64  `json:"confidence"`
}

// Recording is one metadata row, keyed by filename.
type Recording struct {
	Filename        string     `json:"filename"`
	CreatedAt       time.Time  `json:"created_at"`
	FileSizeBytes   int64      `json:"file_size_bytes"`
	DurationSeconds float64    `json:"duration_seconds"`
	Status          Status     `json:"processing_status"`
	Result          *Result    `json:"ai_result,omitempty"`
	LastError       string     `json:"error,omitempty"`
	ErrorAt         *time.Time `json:"error_at,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ErrNotFound is returned when no row exists for a filename.
var ErrNotFound = errors.New("recording not found")

// Store wraps the recordings database.
type Store struct {
	db *sql.DB
}

// Open initializes the store at dbPath and runs migrations. WAL mode and
// busy_timeout are set in the DSN so they apply to every pooled connection.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		filename TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'completed', 'failed', 'skipped')),
		transcription TEXT,
		summary TEXT,
		category TEXT,
		speaker_names TEXT,
		confidence REAL,
		last_error TEXT,
		error_at TEXT,
		processed_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Initialize creates the metadata row for a new recording in pending state.
func (s *Store) Initialize(ctx context.Context, filename string, sizeBytes int64, duration time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (filename, created_at, file_size_bytes, duration_seconds, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			file_size_bytes = excluded.file_size_bytes,
			duration_seconds = excluded.duration_seconds,
			updated_at = excluded.updated_at`,
		filename, now, sizeBytes, duration.Seconds(), StatusPending, now)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", filename, err)
	}
	return nil
}

// MarkProcessing transitions a recording to the processing state.
func (s *Store) MarkProcessing(ctx context.Context, filename string) error {
	return s.setStatus(ctx, filename, StatusProcessing)
}

// MarkPending transitions a recording back to pending, e.g. while waiting
// for connectivity.
func (s *Store) MarkPending(ctx context.Context, filename string) error {
	return s.setStatus(ctx, filename, StatusPending)
}

// MarkSkipped flags a recording that automatic processing will not touch.
func (s *Store) MarkSkipped(ctx context.Context, filename string) error {
	return s.setStatus(ctx, filename, StatusSkipped)
}

func (s *Store) setStatus(ctx context.Context, filename string, status Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, updated_at = ? WHERE filename = ?`,
		status, now, filename)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", filename, status, err)
	}
	return checkAffected(res, filename)
}

// MarkCompleted stores the enrichment result and clears any previous error.
func (s *Store) MarkCompleted(ctx context.Context, filename string, result Result) error {
	names, err := json.Marshal(result.SpeakerNames)
	if err != nil {
		return fmt.Errorf("marshal speaker names: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET
			status = ?,
			transcription = ?,
			summary = ?,
			category = ?,
			speaker_names = ?,
			confidence = ?,
			last_error = NULL,
			error_at = NULL,
			processed_at = ?,
			updated_at = ?
		WHERE filename = ?`,
		StatusCompleted, result.Transcription, result.Summary, result.Category,
		string(names), result.Confidence, now, now, filename)
	if err != nil {
		return fmt.Errorf("mark %s completed: %w", filename, err)
	}
	return checkAffected(res, filename)
}

// MarkFailed stores the failure and its timestamp for external inspection.
func (s *Store) MarkFailed(ctx context.Context, filename, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET
			status = ?,
			last_error = ?,
			error_at = ?,
			updated_at = ?
		WHERE filename = ?`,
		StatusFailed, errMsg, now, now, filename)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", filename, err)
	}
	return checkAffected(res, filename)
}

// Get fetches the metadata row for a single recording.
func (s *Store) Get(ctx context.Context, filename string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE filename = ?`, filename)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%s: %w", filename, ErrNotFound)
	}
	return rec, err
}

// List returns all metadata rows, newest first.
func (s *Store) List(ctx context.Context) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Unprocessed returns rows with pending or failed status, oldest first so
// backlog drains in arrival order.
func (s *Store) Unprocessed(ctx context.Context) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status IN (?, ?) ORDER BY created_at ASC`,
		StatusPending, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Remove deletes the metadata row for a recording.
func (s *Store) Remove(ctx context.Context, filename string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE filename = ?`, filename)
	if err != nil {
		return fmt.Errorf("remove %s: %w", filename, err)
	}
	return nil
}

// ResetStaleProcessing returns rows stuck in processing since before the
// threshold back to pending. Crash recovery: a previous run died mid-job.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		StatusPending, now, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `
	SELECT filename, created_at, file_size_bytes, duration_seconds, status,
	       transcription, summary, category, speaker_names, confidence,
	       last_error, error_at, processed_at, updated_at
	FROM recordings`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (Recording, error) {
	var (
		rec           Recording
		createdAt     string
		updatedAt     string
		transcription sql.NullString
		summary       sql.NullString
		category      sql.NullString
		speakerNames  sql.NullString
		confidence    sql.NullFloat64
		lastError     sql.NullString
		errorAt       sql.NullString
		processedAt   sql.NullString
	)
	err := row.Scan(&rec.Filename, &createdAt, &rec.FileSizeBytes, &rec.DurationSeconds,
		&rec.Status, &transcription, &summary, &category, &speakerNames, &confidence,
		&lastError, &errorAt, &processedAt, &updatedAt)
	if err != nil {
		return Recording{}, err
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	rec.LastError = lastError.String
	if errorAt.Valid {
		if t, err := time.Parse(time.RFC3339, errorAt.String); err == nil {
			rec.ErrorAt = &t
		}
	}
	if processedAt.Valid {
		if t, err := time.Parse(time.RFC3339, processedAt.String); err == nil {
			rec.ProcessedAt = &t
		}
	}

	if rec.Status == StatusCompleted || transcription.Valid {
		result := &Result{
			Transcription: transcription.String,
			Summary:       summary.String,
			Category:      category.String,
			Confidence:    confidence.Float64,
		}
		if speakerNames.Valid && speakerNames.String != "" {
			_ = json.Unmarshal([]byte(speakerNames.String), &result.SpeakerNames)
		}
		rec.Result = result
	}
	return rec, nil
}

func collect(rows *sql.Rows) ([]Recording, error) {
	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result, filename string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", filename, ErrNotFound)
	}
	return nil
}
