package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/errs"
)

const jobColumns = `id, uuid, task_id, schedule_id, input, status, priority, retry_count, max_retries, retry_delay_seconds, process_at, lease_owner, lease_expires_at, created_at, updated_at`

func (p *Postgres) Enqueue(ctx context.Context, j job.Job) (job.Job, error) {
	now := time.Now().UTC()
	if j.UUID == "" {
		j.UUID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	if j.ProcessAt.IsZero() {
		j.ProcessAt = now
	}
	j.CreatedAt, j.UpdatedAt = now, now

	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO jobs (uuid, task_id, schedule_id, input, status, priority, retry_count, max_retries, retry_delay_seconds, process_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+jobColumns,
		j.UUID, j.TaskID, j.ScheduleID, j.Input, j.Status, j.Priority, j.RetryCount, j.MaxRetries, j.RetryDelaySeconds, j.ProcessAt, j.CreatedAt, j.UpdatedAt,
	)
	var out job.Job
	if err := row.StructScan(&out); err != nil {
		return job.Job{}, errs.Wrap(errs.KindInternal, "job", j.UUID, err)
	}
	return out, nil
}

// DequeueBatch atomically claims up to batchSize eligible jobs for owner,
// using SELECT ... FOR UPDATE SKIP LOCKED so concurrent worker pool
// instances never claim the same row twice.
func (p *Postgres) DequeueBatch(ctx context.Context, owner string, leaseDuration time.Duration, batchSize int) ([]job.Job, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var ids []int64
	err = tx.SelectContext(ctx, &ids, `
		SELECT id FROM jobs
		WHERE status = $1 AND process_at <= $2
		ORDER BY priority DESC, process_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, job.StatusQueued, now, batchSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	leaseExpiry := now.Add(leaseDuration)
	query, args, err := sqlxIn(`
		UPDATE jobs SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id IN (?)
	`, job.StatusProcessing, owner, leaseExpiry, now, ids)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}

	selectQuery, selectArgs, err := sqlxIn(`SELECT `+jobColumns+` FROM jobs WHERE id IN (?) ORDER BY priority DESC, process_at ASC`, ids)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	var out []job.Job
	if err := tx.SelectContext(ctx, &out, tx.Rebind(selectQuery), selectArgs...); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	return out, nil
}

func (p *Postgres) Complete(ctx context.Context, id string) error {
	return p.setTerminalStatus(ctx, id, job.StatusCompleted, nil, "")
}

func (p *Postgres) Cancel(ctx context.Context, id string) error {
	return p.setTerminalStatus(ctx, id, job.StatusCancelled, nil, "")
}

// Fail records a failed attempt. When retryAt is non-nil the job is
// set straight back to Queued with process_at = retryAt and retry_count
// incremented; otherwise it is marked terminally Failed.
func (p *Postgres) Fail(ctx context.Context, id string, retryAt *time.Time, errMessage string) error {
	if retryAt == nil {
		return p.setTerminalStatus(ctx, id, job.StatusFailed, nil, errMessage)
	}
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, retry_count = retry_count + 1, process_at = $3,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE uuid = $1
	`, id, job.StatusQueued, *retryAt, now)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "job", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.NotFound("job", id)
	}
	return nil
}

func (p *Postgres) setTerminalStatus(ctx context.Context, id string, status job.Status, _ *time.Time, _ string) error {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
		WHERE uuid = $1
	`, id, status, now)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "job", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errs.NotFound("job", id)
	}
	return nil
}

// ReclaimExpiredLeases resets jobs whose worker died mid-lease back to
// Queued so another worker can pick them up.
func (p *Postgres) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
	`, job.StatusQueued, now, job.StatusProcessing)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (job.Job, error) {
	var out job.Job
	err := p.db.GetContext(ctx, &out, `SELECT `+jobColumns+` FROM jobs WHERE uuid = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, errs.NotFound("job", id)
	}
	if err != nil {
		return job.Job{}, errs.Wrap(errs.KindInternal, "job", id, err)
	}
	return out, nil
}

var jobFilterColumns = map[string]string{
	"uuid":        "uuid",
	"task_id":     "task_id",
	"schedule_id": "schedule_id",
	"status":      "status",
	"priority":    "priority",
	"process_at":  "process_at",
	"created_at":  "created_at",
	"updated_at":  "updated_at",
}

func (p *Postgres) FindJobsWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[job.Job], error) {
	where, args, err := buildWhere(jobFilterColumns, filter.Predicates, 0)
	if err != nil {
		return ListResponse[job.Job]{}, err
	}

	total, err := p.countWithWhere(ctx, "jobs", where, args)
	if err != nil {
		return ListResponse[job.Job]{}, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY priority DESC, process_at ASC LIMIT $%d OFFSET $%d`
	query = paginate(query, &args, pagination)

	var out []job.Job
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return ListResponse[job.Job]{}, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	return ListResponse[job.Job]{Items: out, Meta: newListMeta(pagination, total)}, nil
}

func (p *Postgres) CountJobs(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(jobFilterColumns, filter.Predicates, 0)
	if err != nil {
		return 0, err
	}
	return p.countWithWhere(ctx, "jobs", where, args)
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, errs.Wrap(errs.KindInternal, "job", "", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, errs.Wrap(errs.KindInternal, "job", "", err)
		}
		switch job.Status(status) {
		case job.StatusQueued:
			stats.Queued = count
		case job.StatusProcessing:
			stats.Processing = count
		case job.StatusRetrying:
			stats.Retrying = count
		case job.StatusCompleted:
			stats.Completed = count
		case job.StatusFailed:
			stats.Failed = count
		case job.StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}
