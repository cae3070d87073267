package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
)

const taskColumns = `id, uuid, name, version, enabled, source_ref, input_schema, output_schema, metadata, checksum, available, created_at, updated_at, validated_at`

// UpsertTask inserts a task or, when (name, version) already exists,
// updates it in place. The registry sync loop calls this once per
// discovered task on every sync pass.
func (p *Postgres) UpsertTask(ctx context.Context, t task.Task) (task.Task, error) {
	now := time.Now().UTC()
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO tasks (uuid, name, version, enabled, source_ref, input_schema, output_schema, metadata, checksum, available, created_at, updated_at, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name, version) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			source_ref = EXCLUDED.source_ref,
			input_schema = EXCLUDED.input_schema,
			output_schema = EXCLUDED.output_schema,
			metadata = EXCLUDED.metadata,
			checksum = EXCLUDED.checksum,
			available = EXCLUDED.available,
			updated_at = EXCLUDED.updated_at,
			validated_at = EXCLUDED.validated_at
		RETURNING `+taskColumns,
		t.UUID, t.Name, t.Version, t.Enabled, t.SourceRef, t.InputSchema, t.OutputSchema, t.Metadata, t.Checksum, t.Available, t.CreatedAt, t.UpdatedAt, t.ValidatedAt,
	)

	var out task.Task
	if err := row.StructScan(&out); err != nil {
		return task.Task{}, errs.Wrap(errs.KindInternal, "task", t.UUID, err)
	}
	return out, nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (task.Task, error) {
	var out task.Task
	err := p.db.GetContext(ctx, &out, `SELECT `+taskColumns+` FROM tasks WHERE uuid = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, errs.NotFound("task", id)
	}
	if err != nil {
		return task.Task{}, errs.Wrap(errs.KindInternal, "task", id, err)
	}
	return out, nil
}

// GetTaskByID resolves a Job's or Execution's int64 TaskID to its
// Task, since neither row carries the task's UUID directly.
func (p *Postgres) GetTaskByID(ctx context.Context, id int64) (task.Task, error) {
	var out task.Task
	err := p.db.GetContext(ctx, &out, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, errs.NotFound("task", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return task.Task{}, errs.Wrap(errs.KindInternal, "task", fmt.Sprintf("%d", id), err)
	}
	return out, nil
}

func (p *Postgres) GetTaskByName(ctx context.Context, name, version string) (task.Task, error) {
	var out task.Task
	err := p.db.GetContext(ctx, &out, `SELECT `+taskColumns+` FROM tasks WHERE name = $1 AND version = $2`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, errs.NotFound("task", name+"@"+version)
	}
	if err != nil {
		return task.Task{}, errs.Wrap(errs.KindInternal, "task", name, err)
	}
	return out, nil
}

func (p *Postgres) ListTasks(ctx context.Context, onlyEnabled bool) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if onlyEnabled {
		query += ` WHERE enabled = true AND available = true`
	}
	query += ` ORDER BY name, version`

	var out []task.Task
	if err := p.db.SelectContext(ctx, &out, query); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "task", "", err)
	}
	return out, nil
}

// taskFilterColumns is the filter-field allow-list for tasks, per
// spec.md §4.1's find_with_filters(filter, pagination) contract.
var taskFilterColumns = map[string]string{
	"uuid":       "uuid",
	"name":       "name",
	"version":    "version",
	"enabled":    "enabled",
	"available":  "available",
	"source_ref": "source_ref",
	"checksum":   "checksum",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func (p *Postgres) FindTasksWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[task.Task], error) {
	where, args, err := buildWhere(taskFilterColumns, filter.Predicates, 0)
	if err != nil {
		return ListResponse[task.Task]{}, err
	}

	total, err := p.countWithWhere(ctx, "tasks", where, args)
	if err != nil {
		return ListResponse[task.Task]{}, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY name, version LIMIT $%d OFFSET $%d`
	query = paginate(query, &args, pagination)

	var out []task.Task
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return ListResponse[task.Task]{}, errs.Wrap(errs.KindInternal, "task", "", err)
	}
	return ListResponse[task.Task]{Items: out, Meta: newListMeta(pagination, total)}, nil
}

func (p *Postgres) CountTasks(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(taskFilterColumns, filter.Predicates, 0)
	if err != nil {
		return 0, err
	}
	return p.countWithWhere(ctx, "tasks", where, args)
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE uuid = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "task", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errs.NotFound("task", id)
	}
	return nil
}
