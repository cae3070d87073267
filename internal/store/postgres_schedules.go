package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/internal/domain/schedule"
	"github.com/r3e-network/taskengine/internal/errs"
)

const scheduleColumns = `id, uuid, task_id, cron_expression, input, enabled, next_run_at, last_run_at, execution_count, max_executions, created_at, updated_at`

func (p *Postgres) CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	now := time.Now().UTC()
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	s.CreatedAt, s.UpdatedAt = now, now

	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO schedules (uuid, task_id, cron_expression, input, enabled, next_run_at, last_run_at, execution_count, max_executions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+scheduleColumns,
		s.UUID, s.TaskID, s.CronExpression, s.Input, s.Enabled, s.NextRunAt, s.LastRunAt, s.ExecutionCount, s.MaxExecutions, s.CreatedAt, s.UpdatedAt,
	)
	var out schedule.Schedule
	if err := row.StructScan(&out); err != nil {
		return schedule.Schedule{}, errs.Wrap(errs.KindInternal, "schedule", s.UUID, err)
	}
	return out, nil
}

func (p *Postgres) UpdateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	s.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE schedules SET
			cron_expression = $2, input = $3, enabled = $4, next_run_at = $5,
			last_run_at = $6, execution_count = $7, max_executions = $8, updated_at = $9
		WHERE uuid = $1
	`, s.UUID, s.CronExpression, s.Input, s.Enabled, s.NextRunAt, s.LastRunAt, s.ExecutionCount, s.MaxExecutions, s.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, errs.Wrap(errs.KindInternal, "schedule", s.UUID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return schedule.Schedule{}, errs.NotFound("schedule", s.UUID)
	}
	return p.GetSchedule(ctx, s.UUID)
}

func (p *Postgres) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	var out schedule.Schedule
	err := p.db.GetContext(ctx, &out, `SELECT `+scheduleColumns+` FROM schedules WHERE uuid = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, errs.NotFound("schedule", id)
	}
	if err != nil {
		return schedule.Schedule{}, errs.Wrap(errs.KindInternal, "schedule", id, err)
	}
	return out, nil
}

// ListDue returns enabled schedules whose next_run_at has arrived, for
// the scheduler's polling loop to turn into Jobs.
func (p *Postgres) ListDue(ctx context.Context, asOf time.Time, limit int) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = true AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "schedule", "", err)
	}
	return out, nil
}

func (p *Postgres) ListSchedules(ctx context.Context, taskID int64) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	err := p.db.SelectContext(ctx, &out, `SELECT `+scheduleColumns+` FROM schedules WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "schedule", "", err)
	}
	return out, nil
}

var scheduleFilterColumns = map[string]string{
	"uuid":            "uuid",
	"task_id":         "task_id",
	"cron_expression": "cron_expression",
	"enabled":         "enabled",
	"next_run_at":     "next_run_at",
	"last_run_at":     "last_run_at",
	"created_at":      "created_at",
	"updated_at":      "updated_at",
}

func (p *Postgres) FindSchedulesWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[schedule.Schedule], error) {
	where, args, err := buildWhere(scheduleFilterColumns, filter.Predicates, 0)
	if err != nil {
		return ListResponse[schedule.Schedule]{}, err
	}

	total, err := p.countWithWhere(ctx, "schedules", where, args)
	if err != nil {
		return ListResponse[schedule.Schedule]{}, err
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules ` + where + ` ORDER BY id LIMIT $%d OFFSET $%d`
	query = paginate(query, &args, pagination)

	var out []schedule.Schedule
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return ListResponse[schedule.Schedule]{}, errs.Wrap(errs.KindInternal, "schedule", "", err)
	}
	return ListResponse[schedule.Schedule]{Items: out, Meta: newListMeta(pagination, total)}, nil
}

func (p *Postgres) CountSchedules(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(scheduleFilterColumns, filter.Predicates, 0)
	if err != nil {
		return 0, err
	}
	return p.countWithWhere(ctx, "schedules", where, args)
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE uuid = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "schedule", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.NotFound("schedule", id)
	}
	return nil
}
