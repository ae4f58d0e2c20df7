package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown request id.
var ErrNotFound = errors.New("eventstore: job not found")

// Store wraps a SQLite-backed history of synthesis jobs.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL contention out of the request path.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    request_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    model TEXT,
    language TEXT,
    chunk_size INTEGER,
    text_preview TEXT,
    text_length INTEGER,
    status TEXT NOT NULL,
    bytes INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether jobs are actually persisted.
func (s *Store) Enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// ObserveJob records the latest state of a job, inserting it on first sight.
func (s *Store) ObserveJob(ctx context.Context, job protocol.SynthesisJob) error {
	if !s.Enabled() {
		return nil
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(request_id, mode, model, language, chunk_size, text_preview, text_length,
		                  status, bytes, chunks, error, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		     status=excluded.status, bytes=excluded.bytes, chunks=excluded.chunks,
		     error=excluded.error, finished_at=excluded.finished_at`,
		job.RequestID, job.Mode, job.Model, job.Language, job.ChunkSize, job.TextPreview, job.TextLength,
		job.Status, job.Bytes, job.Chunks, nullString(job.Error), job.StartedAt.UnixNano(), nullTime(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.RequestID, err)
	}
	return nil
}

const jobColumns = `request_id, mode, model, language, chunk_size, text_preview, text_length,
	status, bytes, chunks, error, started_at, finished_at`

// Get returns a single job by request id.
func (s *Store) Get(ctx context.Context, requestID string) (protocol.SynthesisJob, error) {
	if !s.Enabled() {
		return protocol.SynthesisJob{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE request_id = ?`, requestID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.SynthesisJob{}, ErrNotFound
	}
	return job, err
}

// Recent returns up to limit jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]protocol.SynthesisJob, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []protocol.SynthesisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (protocol.SynthesisJob, error) {
	var (
		job      protocol.SynthesisJob
		model    sql.NullString
		language sql.NullString
		preview  sql.NullString
		jobErr   sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&job.RequestID, &job.Mode, &model, &language, &job.ChunkSize, &preview, &job.TextLength,
		&job.Status, &job.Bytes, &job.Chunks, &jobErr, &started, &finished); err != nil {
		return protocol.SynthesisJob{}, err
	}
	job.Model = model.String
	job.Language = language.String
	job.TextPreview = preview.String
	job.Error = jobErr.String
	job.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		job.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return job, nil
}

// Prune applies configured retention (called on startup and periodically by the runtime).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE started_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE request_id IN (
			SELECT request_id FROM jobs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
