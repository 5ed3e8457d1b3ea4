// Package storage persists run history in SQLite so past pipeline runs and
// their per-stage timings can be inspected from the CLI and the status
// server.
package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for pipeline runs. A nil *Store is a
// valid no-op store.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
            id TEXT PRIMARY KEY,
            input_dir TEXT,
            status TEXT NOT NULL,
            frame_count INTEGER,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS stage_events (
            run_id TEXT,
            stage TEXT NOT NULL,
            status TEXT NOT NULL,
            duration_ms INTEGER,
            frame_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_events_run_id ON stage_events(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one persisted pipeline run.
type RunRecord struct {
	ID          string
	InputDir    string
	Status      string
	FrameCount  int
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// StageRecord captures one stage execution within a run.
type StageRecord struct {
	RunID      string
	Stage      string
	Status     string
	Duration   time.Duration
	FrameCount int
}

// RecordRunStart inserts a running pipeline run.
func (s *Store) RecordRunStart(id, inputDir string, frames int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`INSERT OR REPLACE INTO pipeline_runs (id, input_dir, status, frame_count) VALUES (?, ?, 'running', ?);`,
		id, inputDir, frames)
	return err
}

// RecordRunDone finalizes a run with its status and optional error message.
func (s *Store) RecordRunDone(id, status, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`UPDATE pipeline_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, errMsg, id)
	return err
}

// RecordStage persists one stage execution.
func (s *Store) RecordStage(runID, stage, status string, d time.Duration, frames int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`INSERT INTO stage_events (run_id, stage, status, duration_ms, frame_count) VALUES (?, ?, ?, ?, ?);`,
		runID, stage, status, d.Milliseconds(), frames)
	return err
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(
		`SELECT id, input_dir, status, frame_count, started_at, completed_at, error_message
         FROM pipeline_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var inputDir, errorMsg sql.NullString
		var frames sql.NullInt64
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &inputDir, &rec.Status, &frames, &rec.StartedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputDir = inputDir.String
		rec.FrameCount = int(frames.Int64)
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunStages returns the stage executions of one run in insertion order.
func (s *Store) RunStages(runID string) ([]StageRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(
		`SELECT run_id, stage, status, duration_ms, frame_count FROM stage_events WHERE run_id=? ORDER BY rowid;`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StageRecord
	for rows.Next() {
		var rec StageRecord
		var durationMS, frames sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Status, &durationMS, &frames); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		rec.FrameCount = int(frames.Int64)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
