// Package task defines the Task entity: a versioned scripted unit of
// work with JSON input/output schemas, as discovered by the registry
// and persisted by the store.
package task

import (
	"encoding/json"
	"time"
)

// Task is a versioned, scripted unit of work. (name, version) is unique;
// enabled=false means the task is not eligible for execution.
type Task struct {
	ID          int64           `json:"id" db:"id"`
	UUID        string          `json:"uuid" db:"uuid"`
	Name        string          `json:"name" db:"name"`
	Version     string          `json:"version" db:"version"`
	Enabled     bool            `json:"enabled" db:"enabled"`
	SourceRef   string          `json:"source_ref" db:"source_ref"`
	InputSchema json.RawMessage `json:"input_schema" db:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema" db:"output_schema"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	Checksum    string          `json:"checksum" db:"checksum"`
	Available   bool            `json:"available" db:"available"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	ValidatedAt *time.Time      `json:"validated_at,omitempty" db:"validated_at"`
}

// Content is the loadable body of a task: the script source plus the
// schemas and metadata needed to validate and register it.
type Content struct {
	Name         string
	Version      string
	SourceURI    string
	Source       string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Tags         []string
	UUID         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reference uniquely identifies a task within a source.
type Reference struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	SourceURI string `json:"source_uri"`
}

// Eligible reports whether the task may be dispatched for execution.
func (t Task) Eligible() bool {
	return t.Enabled && t.Available
}
