// Package sync reconciles tasks discovered by internal/registry's
// Source implementations against the store of record, per spec.md
// §4.2's Sync algorithm. Grounded on the teacher's
// services/automation.Service trigger-hydration pass
// (automation_service.go's "Hydrate scheduler cache from DB" step),
// generalized from a one-shot cache fill into a full two-way
// reconciliation with conflict resolution and per-task error
// collection.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/registry"
	"github.com/r3e-network/taskengine/internal/store"
)

// ConflictPolicy decides what happens when a discovered task's
// checksum differs from the stored task's.
type ConflictPolicy string

const (
	PreferRegistry ConflictPolicy = "prefer_registry"
	PreferDatabase ConflictPolicy = "prefer_database"
	PreferNewer    ConflictPolicy = "prefer_newer"
	// Merge is an unimplemented Open Question per spec.md §9(a); it
	// silently degrades to PreferRegistry rather than erroring, since
	// the spec treats that degradation as documented, acceptable
	// behavior rather than a caller-visible failure.
	Merge ConflictPolicy = "merge"
)

// Report summarizes one Sync pass.
type Report struct {
	Added       []task.Reference
	Updated     []task.Reference
	Skipped     []task.Reference
	Unavailable []task.Reference
	Errors      map[string]error
}

func newReport() Report {
	return Report{Errors: map[string]error{}}
}

// Syncer reconciles one or more registry.Source instances against
// store.TaskStore.
type Syncer struct {
	Sources   []registry.Source
	Store     store.TaskStore
	Validator *registry.Validator
	Policy    ConflictPolicy
	Logger    *logging.Logger
}

// Sync runs one full reconciliation pass: discover + load + validate
// every task from every configured source, upsert per the conflict
// policy, then mark as unavailable any previously-known task that no
// source reported this pass.
func (s *Syncer) Sync(ctx context.Context) Report {
	report := newReport()
	seen := map[string]bool{}

	for _, source := range s.Sources {
		discovered, err := source.Discover(ctx)
		if err != nil {
			report.Errors["<source>"] = err
			continue
		}
		for _, d := range discovered {
			s.syncOne(ctx, source, d, &report, seen)
		}
	}

	s.markUnseenUnavailable(ctx, seen, &report)
	return report
}

func (s *Syncer) syncOne(ctx context.Context, source registry.Source, d registry.DiscoveredTask, report *Report, seen map[string]bool) {
	content, err := source.Load(ctx, d.Reference)
	if err != nil {
		report.Errors[d.Reference.Name] = err
		return
	}

	if s.Validator != nil {
		if _, err := s.Validator.Validate(ctx, content); err != nil {
			report.Errors[d.Reference.Name] = err
			return
		}
	}

	checksum := registry.Checksum(content)
	existing, err := s.lookupExisting(ctx, d, content)
	if err != nil && errs.KindOf(err) != errs.KindNotFound {
		report.Errors[d.Reference.Name] = err
		return
	}

	if errs.KindOf(err) == errs.KindNotFound {
		t := toTask(d, content, checksum)
		out, err := s.Store.UpsertTask(ctx, t)
		if err != nil {
			report.Errors[d.Reference.Name] = err
			return
		}
		seen[out.UUID] = true
		report.Added = append(report.Added, d.Reference)
		return
	}

	seen[existing.UUID] = true
	if existing.Checksum == checksum {
		return
	}

	switch s.resolvePolicy() {
	case PreferDatabase:
		report.Skipped = append(report.Skipped, d.Reference)
	case PreferNewer:
		if content.UpdatedAt.After(existing.UpdatedAt) {
			s.overwrite(ctx, existing, d, content, checksum, report)
		} else {
			report.Skipped = append(report.Skipped, d.Reference)
		}
	default: // PreferRegistry, and Merge degrading to it per spec.md §9(a)
		s.overwrite(ctx, existing, d, content, checksum, report)
	}
}

func (s *Syncer) overwrite(ctx context.Context, existing task.Task, d registry.DiscoveredTask, content task.Content, checksum string, report *Report) {
	t := toTask(d, content, checksum)
	t.ID = existing.ID
	t.UUID = existing.UUID
	t.CreatedAt = existing.CreatedAt
	if _, err := s.Store.UpsertTask(ctx, t); err != nil {
		report.Errors[d.Reference.Name] = err
		return
	}
	report.Updated = append(report.Updated, d.Reference)
}

func (s *Syncer) resolvePolicy() ConflictPolicy {
	if s.Policy == "" {
		return PreferRegistry
	}
	return s.Policy
}

func (s *Syncer) lookupExisting(ctx context.Context, d registry.DiscoveredTask, content task.Content) (task.Task, error) {
	if d.UUID != "" {
		if t, err := s.Store.GetTask(ctx, d.UUID); err == nil {
			return t, nil
		}
	}
	return s.Store.GetTaskByName(ctx, content.Name, content.Version)
}

// markUnseenUnavailable implements spec.md §4.2 step 4: tasks present
// in the store but not observed by any source this pass are marked
// unavailable (not deleted), preserving referential integrity with
// existing jobs/executions.
func (s *Syncer) markUnseenUnavailable(ctx context.Context, seen map[string]bool, report *Report) {
	all, err := s.Store.ListTasks(ctx, false)
	if err != nil {
		report.Errors["<unavailable-pass>"] = err
		return
	}
	for _, t := range all {
		if seen[t.UUID] || !t.Available {
			continue
		}
		t.Available = false
		t.UpdatedAt = time.Now().UTC()
		if _, err := s.Store.UpsertTask(ctx, t); err != nil {
			report.Errors[t.Name] = err
			continue
		}
		report.Unavailable = append(report.Unavailable, task.Reference{Name: t.Name, Version: t.Version, SourceURI: t.SourceRef})
	}
}

func toTask(d registry.DiscoveredTask, content task.Content, checksum string) task.Task {
	metadata, _ := json.Marshal(struct {
		Tags []string `json:"tags,omitempty"`
	}{Tags: content.Tags})

	now := time.Now().UTC()
	return task.Task{
		UUID:         d.UUID,
		Name:         content.Name,
		Version:      content.Version,
		Enabled:      true,
		Available:    true,
		SourceRef:    d.Reference.SourceURI,
		InputSchema:  content.InputSchema,
		OutputSchema: content.OutputSchema,
		Metadata:     metadata,
		Checksum:     checksum,
		CreatedAt:    now,
		UpdatedAt:    now,
		ValidatedAt:  &now,
	}
}
