// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs structuring jobs (quality check, row linking,
// full pipeline, discoverability, continuation) as cancellable background
// tasks with durable status, logs and per-stage results.
//
// # Description
//
// Status and logs live in one SQLite database, bulky stage outputs in a
// second one, so result writes never block status polling. Stage work is
// delegated to configured external commands running in their own process
// group; the runtime owns lifecycle, cancellation and persistence only.
//
// # Thread Safety
//
// StatusStore, ResultsStore and Runtime are safe for concurrent use.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Register SQLite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

// ErrJobNotFound marks a job id with no status row.
var ErrJobNotFound = errors.New("job not found")

// Status is the durable progress record of one job.
type Status struct {
	TaskID    string `json:"task_id"`
	Step      string `json:"step"`
	Progress  int    `json:"progress"`
	Result    string `json:"result,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

// LogEntry is one persisted job log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// openDB opens a SQLite database in WAL mode so status readers never
// block on job writers.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// StatusStore persists job status and logs.
type StatusStore struct {
	db *sql.DB
}

// OpenStatusStore opens (and if needed creates) the status database.
func OpenStatusStore(path string) (*StatusStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_status (
			task_id TEXT PRIMARY KEY,
			step TEXT,
			progress INTEGER,
			result TEXT,
			started_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_logs (
			task_id TEXT,
			timestamp TEXT,
			log_level TEXT,
			message TEXT,
			FOREIGN KEY (task_id) REFERENCES pipeline_status (task_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init status db: %w", err)
		}
	}
	return &StatusStore{db: db}, nil
}

// Close releases the underlying database.
func (s *StatusStore) Close() error {
	return s.db.Close()
}

// Update upserts a job's status row. started_at is stamped on first
// insert and preserved on every later update.
func (s *StatusStore) Update(ctx context.Context, taskID, step string, progress int, result string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_status (task_id, step, progress, result, started_at)
		VALUES (?, ?, ?, ?, COALESCE((SELECT started_at FROM pipeline_status WHERE task_id = ?), datetime('now')))
		ON CONFLICT(task_id) DO UPDATE SET step = excluded.step, progress = excluded.progress, result = excluded.result`,
		taskID, step, progress, result, taskID,
	)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", taskID, err)
	}
	return nil
}

// Get loads one job's status. The boolean reports whether a row exists;
// callers decide whether a missing row is an error or a queued default.
func (s *StatusStore) Get(ctx context.Context, taskID string) (Status, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT step, progress, COALESCE(result, ''), COALESCE(started_at, '')
		FROM pipeline_status WHERE task_id = ?`, taskID)
	st := Status{TaskID: taskID}
	if err := row.Scan(&st.Step, &st.Progress, &st.Result, &st.StartedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, false, nil
		}
		return Status{}, false, fmt.Errorf("load status for %s: %w", taskID, err)
	}
	return st, true, nil
}

// Recent returns the most recently started jobs by insertion order.
func (s *StatusStore) Recent(ctx context.Context, limit int) ([]Status, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, step, progress, COALESCE(result, ''), COALESCE(started_at, '')
		FROM pipeline_status ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()

	out := []Status{}
	for rows.Next() {
		var st Status
		if err := rows.Scan(&st.TaskID, &st.Step, &st.Progress, &st.Result, &st.StartedAt); err != nil {
			return nil, fmt.Errorf("scan recent job: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Log appends one job log line.
func (s *StatusStore) Log(ctx context.Context, taskID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_logs (task_id, timestamp, log_level, message)
		VALUES (?, ?, ?, ?)`,
		taskID, time.Now().UTC().Format(time.RFC3339), level, message,
	)
	if err != nil {
		return fmt.Errorf("log for %s: %w", taskID, err)
	}
	return nil
}

// Logs returns a job's log lines in timestamp order.
func (s *StatusStore) Logs(ctx context.Context, taskID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, log_level, message
		FROM pipeline_logs WHERE task_id = ? ORDER BY timestamp`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load logs for %s: %w", taskID, err)
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log for %s: %w", taskID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TaskLogger mirrors a job's log lines into the status database and the
// process logger.
type TaskLogger struct {
	store  *StatusStore
	taskID string
}

// TaskLogger returns a logger bound to one job.
func (s *StatusStore) TaskLogger(taskID string) *TaskLogger {
	return &TaskLogger{store: s, taskID: taskID}
}

func (l *TaskLogger) emit(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case "WARNING":
		slog.Warn(msg, "task_id", l.taskID)
	case "ERROR":
		slog.Error(msg, "task_id", l.taskID)
	default:
		slog.Info(msg, "task_id", l.taskID)
	}
	if err := l.store.Log(context.Background(), l.taskID, level, msg); err != nil {
		slog.Warn("persisting job log failed", "task_id", l.taskID, "error", err)
	}
}

func (l *TaskLogger) Infof(format string, args ...any)  { l.emit("INFO", format, args...) }
func (l *TaskLogger) Warnf(format string, args ...any)  { l.emit("WARNING", format, args...) }
func (l *TaskLogger) Errorf(format string, args ...any) { l.emit("ERROR", format, args...) }
