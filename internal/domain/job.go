package domain

import (
	"encoding/json"
	"time"
)

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// AllowedFrom returns the statuses a job may be in to move to s.
func (s JobStatus) AllowedFrom() []JobStatus {
	switch s {
	case JobStatusRunning:
		return []JobStatus{JobStatusPending}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusRunning}
	}
	return nil
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	for _, s := range to.AllowedFrom() {
		if s == from {
			return true
		}
	}
	return false
}

// JobError is the structured failure recorded on a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Job represents one asynchronous unit of work.
type Job struct {
	ID         string          `json:"id" db:"id"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	Capability string          `json:"capability" db:"capability"`
	Arguments  json.RawMessage `json:"arguments,omitempty" db:"arguments"`
	Status     JobStatus       `json:"status" db:"status"`
	LogCount   int64           `json:"log_count" db:"log_count"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Error      *JobError       `json:"error,omitempty" db:"-"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// NewJob holds the fields supplied by the caller when a job is created.
type NewJob struct {
	OwnerID    string
	Capability string
	Arguments  json.RawMessage
}

// StatusUpdate describes a status transition and its payload.
// Result is only kept for completed, Error only for failed.
type StatusUpdate struct {
	Status JobStatus
	Result json.RawMessage
	Error  *JobError
}

// LogLine is one immutable line of job output.
type LogLine struct {
	JobID     string    `json:"job_id" db:"job_id"`
	Sequence  int64     `json:"sequence" db:"sequence"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Text      string    `json:"text" db:"text"`
}
