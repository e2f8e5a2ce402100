// SPDX-License-Identifier: AGPL-3.0-only

// Package store keeps session history and report jobs in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// MaxTurns caps GetTurns.
const MaxTurns = 100

// SQLiteStore implements model.TurnStore and model.JobStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveSession records a newly started session.
func (s *SQLiteStore) SaveSession(rec *model.SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, agent_id, origin, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AgentID,
		rec.Origin,
		formatTime(rec.StartedAt),
		formatOptional(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession stamps the end time of a session.
func (s *SQLiteStore) EndSession(id string, at time.Time) error {
	result, err := s.db.Exec("UPDATE sessions SET ended_at=? WHERE id=?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check end session result: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}

// GetSession returns the session with the given id, or nil, nil.
func (s *SQLiteStore) GetSession(id string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	var startStr, endStr string
	err := s.db.QueryRow(`
		SELECT id, agent_id, origin, started_at, ended_at
		FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.Origin, &startStr, &endStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	rec.StartedAt, _ = time.Parse(timeFormat, startStr)
	rec.EndedAt = parseOptional(endStr)
	return &rec, nil
}

// SaveTurn persists the outcome of one turn.
func (s *SQLiteStore) SaveTurn(turn *model.TurnRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (session_id, prompt, output, error, start_time, end_time, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID,
		turn.Prompt,
		turn.Output,
		turn.Error,
		formatTime(turn.StartTime),
		formatTime(turn.EndTime),
		turn.Duration,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetLatestTurn returns the most recent turn of the session.
// Returns nil, nil if the session has no turns.
func (s *SQLiteStore) GetLatestTurn(sessionID string) (*model.TurnRecord, error) {
	turns, err := s.GetTurns(sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return turns[0], nil
}

// GetTurns returns up to limit turns of the session, most recent first.
func (s *SQLiteStore) GetTurns(sessionID string, limit int) ([]*model.TurnRecord, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxTurns {
		limit = MaxTurns
	}

	rows, err := s.db.Query(`
		SELECT session_id, prompt, output, error, start_time, end_time, duration
		FROM turns
		WHERE session_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*model.TurnRecord
	for rows.Next() {
		var t model.TurnRecord
		var startStr, endStr string
		if err := rows.Scan(
			&t.SessionID, &t.Prompt, &t.Output, &t.Error,
			&startStr, &endStr, &t.Duration,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.StartTime, _ = time.Parse(timeFormat, startStr)
		t.EndTime, _ = time.Parse(timeFormat, endStr)
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	return turns, nil
}

// SaveJob persists a new report job.
func (s *SQLiteStore) SaveJob(job *model.ReportJob) error {
	_, err := s.db.Exec(`
		INSERT INTO report_jobs (name, schedule, prompt, enabled, last_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.Name,
		job.Schedule,
		job.Prompt,
		boolToInt(job.Enabled),
		job.LastSessionID,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert report job: %w", err)
	}
	return nil
}

// UpdateJob updates an existing report job.
func (s *SQLiteStore) UpdateJob(job *model.ReportJob) error {
	result, err := s.db.Exec(`
		UPDATE report_jobs SET schedule=?, prompt=?, enabled=?, last_session_id=?, updated_at=?
		WHERE name=?`,
		job.Schedule,
		job.Prompt,
		boolToInt(job.Enabled),
		job.LastSessionID,
		formatTime(job.UpdatedAt),
		job.Name,
	)
	if err != nil {
		return fmt.Errorf("update report job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update result: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("report job", job.Name)
	}
	return nil
}

// DeleteJob removes a report job by name.
func (s *SQLiteStore) DeleteJob(name string) error {
	if _, err := s.db.Exec("DELETE FROM report_jobs WHERE name=?", name); err != nil {
		return fmt.Errorf("delete report job: %w", err)
	}
	return nil
}

// LoadJobs returns all persisted report jobs.
func (s *SQLiteStore) LoadJobs() ([]*model.ReportJob, error) {
	rows, err := s.db.Query(`
		SELECT name, schedule, prompt, enabled, last_session_id, created_at, updated_at
		FROM report_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query report jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.ReportJob
	for rows.Next() {
		var j model.ReportJob
		var enabled int
		var createdStr, updatedStr string
		if err := rows.Scan(
			&j.Name, &j.Schedule, &j.Prompt, &enabled,
			&j.LastSessionID, &createdStr, &updatedStr,
		); err != nil {
			return nil, fmt.Errorf("scan report job row: %w", err)
		}
		j.Enabled = enabled != 0
		j.CreatedAt, _ = time.Parse(timeFormat, createdStr)
		j.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
		j.Status = model.JobPending
		if !j.Enabled {
			j.Status = model.JobDisabled
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report job rows: %w", err)
	}
	return jobs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseOptional(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
