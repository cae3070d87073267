// Package execution defines the Execution entity: the record of one
// attempt to run a Job, including its timings, output, and errors.
package execution

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LogLine is one structured log message emitted by a worker during a run.
type LogLine struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HTTPRequestRecord captures one fetch() call a script made, for audit
// and for the optional on-disk recording referenced by RecordingPath.
type HTTPRequestRecord struct {
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Execution is the persisted record of one attempt to run a Job.
//
// Invariants: StartedAt >= QueuedAt; CompletedAt >= StartedAt when both
// set; DurationMs = CompletedAt - StartedAt when both set; Status ==
// Completed implies Output is set and Error* are unset; once a
// terminal status is reached it does not change.
type Execution struct {
	ID             int64               `json:"id" db:"id"`
	UUID           string              `json:"uuid" db:"uuid"`
	TaskID         int64               `json:"task_id" db:"task_id"`
	JobID          *int64              `json:"job_id,omitempty" db:"job_id"`
	Input          json.RawMessage     `json:"input" db:"input"`
	Output         json.RawMessage     `json:"output,omitempty" db:"output"`
	Status         Status              `json:"status" db:"status"`
	ErrorMessage   string              `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails   json.RawMessage     `json:"error_details,omitempty" db:"error_details"`
	ErrorKind      string              `json:"error_kind,omitempty" db:"error_kind"`
	QueuedAt       time.Time           `json:"queued_at" db:"queued_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs     *int64              `json:"duration_ms,omitempty" db:"duration_ms"`
	HTTPRequests   []HTTPRequestRecord `json:"http_requests,omitempty" db:"-"`
	RecordingPath  string              `json:"recording_path,omitempty" db:"recording_path"`
	Logs           []LogLine           `json:"logs,omitempty" db:"-"`
}

// MarkStarted transitions the execution to Running and stamps StartedAt.
// It never moves StartedAt backwards of QueuedAt.
func (e *Execution) MarkStarted(now time.Time) {
	if now.Before(e.QueuedAt) {
		now = e.QueuedAt
	}
	e.Status = StatusRunning
	e.StartedAt = &now
}

// MarkCompleted transitions the execution to Completed with the given
// output, recording duration relative to StartedAt.
func (e *Execution) MarkCompleted(now time.Time, output json.RawMessage, requests []HTTPRequestRecord) {
	e.Status = StatusCompleted
	e.Output = output
	e.ErrorMessage = ""
	e.ErrorDetails = nil
	e.ErrorKind = ""
	e.HTTPRequests = requests
	e.completeAt(now)
}

// MarkFailed transitions the execution to Failed with the given error.
func (e *Execution) MarkFailed(now time.Time, kind, message string, details json.RawMessage) {
	e.Status = StatusFailed
	e.ErrorKind = kind
	e.ErrorMessage = message
	e.ErrorDetails = details
	e.completeAt(now)
}

// MarkCancelled transitions the execution to Cancelled.
func (e *Execution) MarkCancelled(now time.Time) {
	e.Status = StatusCancelled
	e.completeAt(now)
}

func (e *Execution) completeAt(now time.Time) {
	if e.StartedAt != nil && now.Before(*e.StartedAt) {
		now = *e.StartedAt
	}
	e.CompletedAt = &now
	if e.StartedAt != nil {
		d := now.Sub(*e.StartedAt).Milliseconds()
		e.DurationMs = &d
	}
}
