// Package ipc defines the line-delimited JSON envelope protocol
// between the coordinator's worker pool (internal/worker) and a
// cmd/taskworker subprocess, per spec.md §4.6. Grounded on the
// teacher pack's closest analogue to a line-oriented JSON-RPC loop:
// emergent-company-specmcp/internal/mcp.Server.Run, which reads
// newline-delimited JSON requests off stdin with a buffered
// bufio.Scanner and writes responses with a json.Encoder on stdout.
// This package supplies the same read/write plumbing to both ends of
// the coordinator<->worker pipe instead of duplicating it.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is the only version cmd/taskworker speaks. A
// received envelope with a different version is fatal per spec.md
// §4.6: the worker is killed and a replacement spawned.
const ProtocolVersion uint32 = 1

// Kind tags the payload variant carried by an Envelope.
type Kind string

const (
	KindPing        Kind = "ping"
	KindExecuteTask Kind = "execute_task"
	KindCancel      Kind = "cancel"
	KindShutdown    Kind = "shutdown"
	KindPong        Kind = "pong"
	KindTaskResult  Kind = "task_result"
	KindTaskError   Kind = "task_error"
	KindProgress    Kind = "progress"
	KindLog         Kind = "log"
)

// Envelope is the wire message exchanged in both directions.
type Envelope struct {
	ProtocolVersion uint32          `json:"protocol_version"`
	MessageID       string          `json:"message_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// ExecuteTaskPayload is the coordinator -> worker request to run a task.
type ExecuteTaskPayload struct {
	TaskUUID     string            `json:"task_uuid"`
	Source       string            `json:"source"`
	Input        json.RawMessage   `json:"input"`
	InputSchema  json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	Secrets      map[string]string `json:"secrets,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms"`
}

// CancelPayload asks the worker to abort the execution identified by
// the envelope's CorrelationID.
type CancelPayload struct{}

// TaskResultPayload is the worker -> coordinator success response.
type TaskResultPayload struct {
	Output       json.RawMessage   `json:"output"`
	HTTPRequests []json.RawMessage `json:"http_requests,omitempty"`
}

// TaskErrorPayload is the worker -> coordinator failure response.
type TaskErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ProgressPayload is an optional worker -> coordinator progress update.
type ProgressPayload struct {
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// LogPayload forwards a worker-side log line to the coordinator.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// DecodePayload unmarshals e.Payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEnvelope builds an outgoing envelope with the current protocol
// version, encoding payload as v.
func NewEnvelope(kind Kind, messageID, correlationID string, v any) (Envelope, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("ipc: marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		MessageID:       messageID,
		CorrelationID:   correlationID,
		Kind:            kind,
		Payload:         raw,
	}, nil
}

// Reader decodes one line-delimited Envelope per Read call.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{scanner: scanner}
}

// Read returns the next envelope, io.EOF when the stream closes
// cleanly, or ErrMalformed when a line isn't valid JSON (which per
// spec.md §4.6 the caller must treat as fatal to the connection).
func (r *Reader) Read() (Envelope, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, io.EOF
	}
	line := r.scanner.Bytes()
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// ErrMalformed marks a line that failed to parse as JSON.
var ErrMalformed = fmt.Errorf("ipc: malformed message")

// Writer writes one line-delimited Envelope per Write call.
type Writer struct {
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) Write(env Envelope) error {
	return w.enc.Encode(env)
}
