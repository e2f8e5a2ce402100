// SPDX-License-Identifier: AGPL-3.0-only

// Package model holds the records shared by the session, store and
// scheduler packages.
package model

import (
	"context"
	"time"
)

// SessionRecord describes one chat session.
type SessionRecord struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Origin    string    `json:"origin,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the session has not been ended.
func (s *SessionRecord) Active() bool {
	return s.EndedAt.IsZero()
}

// TurnRecord is the outcome of one submitted question.
type TurnRecord struct {
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Duration  string    `json:"duration"`
}

// JobStatus is the state of a scheduled report job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDisabled  JobStatus = "disabled"
)

// ReportJob asks the agent a fixed prompt on a cron schedule.
type ReportJob struct {
	Name          string    `json:"name"`
	Schedule      string    `json:"schedule"`
	Prompt        string    `json:"prompt"`
	Enabled       bool      `json:"enabled"`
	Status        JobStatus `json:"status"`
	LastRun       time.Time `json:"lastRun,omitempty"`
	NextRun       time.Time `json:"nextRun,omitempty"`
	LastSessionID string    `json:"lastSessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TurnStore persists sessions and their turns.
type TurnStore interface {
	SaveSession(s *SessionRecord) error
	EndSession(id string, at time.Time) error
	SaveTurn(t *TurnRecord) error
	GetTurns(sessionID string, limit int) ([]*TurnRecord, error)
	GetLatestTurn(sessionID string) (*TurnRecord, error)
	Close() error
}

// JobStore persists report job definitions.
type JobStore interface {
	SaveJob(job *ReportJob) error
	UpdateJob(job *ReportJob) error
	DeleteJob(name string) error
	LoadJobs() ([]*ReportJob, error)
}

// JobRunner executes one report job and returns the id of the session
// that served it.
type JobRunner interface {
	RunJob(ctx context.Context, job *ReportJob, timeout time.Duration) (string, error)
}
