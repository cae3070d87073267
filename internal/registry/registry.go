// Package registry discovers Task definitions from external sources
// (filesystem, HTTP, Git) and validates them before internal/sync
// admits them into the store. Grounded on the teacher's tagged-
// capability-interface pattern for pluggable backends (e.g.
// infrastructure/chain's per-network contract registries), and on
// original_source/ratchet-registry/src/loaders/validation.rs for the
// validation pass itself (name/version checks, schema compile checks,
// a function-definition heuristic warning) reimplemented idiomatically
// rather than translated line for line.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/taskengine/internal/domain/task"
)

// DiscoveredTask is what a Source reports during Discover, before its
// content has been loaded or validated.
type DiscoveredTask struct {
	Reference   task.Reference
	UUID        string
	Tags        []string
	Checksum    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DiscoveredAt time.Time
}

// Source is a pluggable backend a task definition can be discovered
// from and loaded out of. Filesystem, HTTP, and Git are the three
// built-in implementations; the interface is kept narrow enough that
// an extension (e.g. S3) needs only these three methods.
type Source interface {
	// Discover lists every task the source currently exposes, without
	// loading full script/schema bodies.
	Discover(ctx context.Context) ([]DiscoveredTask, error)

	// Load fetches the full content (script source, schemas, tags) for
	// a single discovered task.
	Load(ctx context.Context, ref task.Reference) (task.Content, error)

	// Push writes content back to the source. spec.md §9 Open
	// Questions explicitly excludes "push_on_change" from this core;
	// every built-in Source returns errs.ErrUnsupported so the
	// interface shape is ready for an extension to implement it later
	// without a breaking change.
	Push(ctx context.Context, ref task.Reference, content task.Content) error
}

// fieldsForChecksum returns the byte sequence checksum hashes over, in
// the stable field order spec.md §3 and SPEC_FULL.md's expansion
// define: metadata, script, input schema, output schema.
func fieldsForChecksum(c task.Content) [][]byte {
	metadata, _ := json.Marshal(struct {
		Name    string   `json:"name"`
		Version string   `json:"version"`
		Tags    []string `json:"tags,omitempty"`
	}{Name: c.Name, Version: c.Version, Tags: c.Tags})

	return [][]byte{
		metadata,
		[]byte(c.Source),
		[]byte(c.InputSchema),
		[]byte(c.OutputSchema),
	}
}
