package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/internal/domain/execution"
	"github.com/r3e-network/taskengine/internal/errs"
)

const executionColumns = `id, uuid, task_id, job_id, input, output, status, error_message, error_details, error_kind, queued_at, started_at, completed_at, duration_ms, http_requests, recording_path, logs`

// executionRow mirrors execution.Execution but stores HTTPRequests/Logs as
// raw JSON columns, since the domain struct marks those db:"-" (they are
// assembled from structured slices, not scanned directly).
type executionRow struct {
	execution.Execution
	HTTPRequestsJSON json.RawMessage `db:"http_requests"`
	LogsJSON         json.RawMessage `db:"logs"`
}

func (p *Postgres) CreateExecution(ctx context.Context, e execution.Execution) (execution.Execution, error) {
	now := time.Now().UTC()
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = now
	}
	if e.Status == "" {
		e.Status = execution.StatusPending
	}

	httpJSON, logsJSON, err := marshalExecutionExtras(e)
	if err != nil {
		return execution.Execution{}, errs.Wrap(errs.KindInternal, "execution", e.UUID, err)
	}

	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO executions (uuid, task_id, job_id, input, status, queued_at, http_requests, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+executionColumns,
		e.UUID, e.TaskID, e.JobID, e.Input, e.Status, e.QueuedAt, httpJSON, logsJSON,
	)
	return scanExecutionRow(row)
}

func (p *Postgres) UpdateExecution(ctx context.Context, e execution.Execution) (execution.Execution, error) {
	httpJSON, logsJSON, err := marshalExecutionExtras(e)
	if err != nil {
		return execution.Execution{}, errs.Wrap(errs.KindInternal, "execution", e.UUID, err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE executions SET
			output = $2, status = $3, error_message = $4, error_details = $5, error_kind = $6,
			started_at = $7, completed_at = $8, duration_ms = $9, http_requests = $10,
			recording_path = $11, logs = $12
		WHERE uuid = $1
	`, e.UUID, e.Output, e.Status, e.ErrorMessage, e.ErrorDetails, e.ErrorKind, e.StartedAt, e.CompletedAt, e.DurationMs, httpJSON, e.RecordingPath, logsJSON)
	if err != nil {
		return execution.Execution{}, errs.Wrap(errs.KindInternal, "execution", e.UUID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return execution.Execution{}, errs.NotFound("execution", e.UUID)
	}
	return p.GetExecution(ctx, e.UUID)
}

func (p *Postgres) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	row := p.db.QueryRowxContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE uuid = $1`, id)
	out, err := scanExecutionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Execution{}, errs.NotFound("execution", id)
	}
	return out, err
}

func (p *Postgres) ListExecutions(ctx context.Context, taskID int64, limit int) ([]execution.Execution, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE task_id = $1 ORDER BY queued_at DESC LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "execution", "", err)
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var executionFilterColumns = map[string]string{
	"uuid":         "uuid",
	"task_id":      "task_id",
	"job_id":       "job_id",
	"status":       "status",
	"error_kind":   "error_kind",
	"queued_at":    "queued_at",
	"started_at":   "started_at",
	"completed_at": "completed_at",
}

func (p *Postgres) FindExecutionsWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[execution.Execution], error) {
	where, args, err := buildWhere(executionFilterColumns, filter.Predicates, 0)
	if err != nil {
		return ListResponse[execution.Execution]{}, err
	}

	total, err := p.countWithWhere(ctx, "executions", where, args)
	if err != nil {
		return ListResponse[execution.Execution]{}, err
	}

	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY queued_at DESC LIMIT $%d OFFSET $%d`
	query = paginate(query, &args, pagination)

	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return ListResponse[execution.Execution]{}, errs.Wrap(errs.KindInternal, "execution", "", err)
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return ListResponse[execution.Execution]{}, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return ListResponse[execution.Execution]{}, errs.Wrap(errs.KindInternal, "execution", "", err)
	}
	return ListResponse[execution.Execution]{Items: out, Meta: newListMeta(pagination, total)}, nil
}

func (p *Postgres) CountExecutions(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(executionFilterColumns, filter.Predicates, 0)
	if err != nil {
		return 0, err
	}
	return p.countWithWhere(ctx, "executions", where, args)
}

type rowScanner interface {
	StructScan(dest any) error
}

func scanExecutionRow(row rowScanner) (execution.Execution, error) {
	var r executionRow
	if err := row.StructScan(&r); err != nil {
		return execution.Execution{}, errs.Wrap(errs.KindInternal, "execution", "", err)
	}
	out := r.Execution
	if len(r.HTTPRequestsJSON) > 0 {
		if err := json.Unmarshal(r.HTTPRequestsJSON, &out.HTTPRequests); err != nil {
			return execution.Execution{}, errs.Wrap(errs.KindInternal, "execution", out.UUID, err)
		}
	}
	if len(r.LogsJSON) > 0 {
		if err := json.Unmarshal(r.LogsJSON, &out.Logs); err != nil {
			return execution.Execution{}, errs.Wrap(errs.KindInternal, "execution", out.UUID, err)
		}
	}
	return out, nil
}

func marshalExecutionExtras(e execution.Execution) (httpJSON, logsJSON json.RawMessage, err error) {
	if e.HTTPRequests != nil {
		httpJSON, err = json.Marshal(e.HTTPRequests)
		if err != nil {
			return nil, nil, err
		}
	}
	if e.Logs != nil {
		logsJSON, err = json.Marshal(e.Logs)
		if err != nil {
			return nil, nil, err
		}
	}
	return httpJSON, logsJSON, nil
}
