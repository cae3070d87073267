package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
)

func newTestPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestUpsertTaskReturnsScannedRow(t *testing.T) {
	p, mock := newTestPostgres(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "uuid", "name", "version", "enabled", "source_ref", "input_schema", "output_schema", "metadata", "checksum", "available", "created_at", "updated_at", "validated_at"}).
		AddRow(1, "task-uuid", "my-task", "v1", true, "file:///tasks/my-task", []byte(`{}`), []byte(`{}`), nil, "abc123", true, now, now, nil)

	mock.ExpectQuery("INSERT INTO tasks").WillReturnRows(rows)

	out, err := p.UpsertTask(context.Background(), task.Task{
		UUID: "task-uuid", Name: "my-task", Version: "v1", Enabled: true,
		SourceRef: "file:///tasks/my-task", Checksum: "abc123", Available: true,
	})
	require.NoError(t, err)
	require.Equal(t, "my-task", out.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	p, mock := newTestPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM tasks").WillReturnError(sql.ErrNoRows)

	_, err := p.GetTask(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errs.IsNotFound(err))
}

func TestDequeueBatchClaimsAndReturnsJobs(t *testing.T) {
	p, mock := newTestPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 2))

	now := time.Now().UTC()
	jobRows := sqlmock.NewRows([]string{"id", "uuid", "task_id", "schedule_id", "input", "status", "priority", "retry_count", "max_retries", "retry_delay_seconds", "process_at", "lease_owner", "lease_expires_at", "created_at", "updated_at"}).
		AddRow(int64(1), "job-1", int64(10), nil, []byte(`{}`), job.StatusProcessing, job.PriorityNormal, 0, 3, 5, now, "worker-1", now.Add(time.Minute), now, now).
		AddRow(int64(2), "job-2", int64(10), nil, []byte(`{}`), job.StatusProcessing, job.PriorityNormal, 0, 3, 5, now, "worker-1", now.Add(time.Minute), now, now)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id IN").WillReturnRows(jobRows)
	mock.ExpectCommit()

	out, err := p.DequeueBatch(context.Background(), "worker-1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "job-1", out[0].UUID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueBatchReturnsEmptyWithoutClaiming(t *testing.T) {
	p, mock := newTestPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM jobs").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	out, err := p.DequeueBatch(context.Background(), "worker-1", time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailWithRetryRequeuesJob(t *testing.T) {
	p, mock := newTestPostgres(t)

	mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	retryAt := time.Now().Add(time.Minute)
	err := p.Fail(context.Background(), "job-1", &retryAt, "network error")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailWithoutRetryMarksTerminal(t *testing.T) {
	p, mock := newTestPostgres(t)

	mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Fail(context.Background(), "job-1", nil, "exhausted retries")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesCountsByStatus(t *testing.T) {
	p, mock := newTestPostgres(t)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow(string(job.StatusQueued), int64(3)).
		AddRow(string(job.StatusProcessing), int64(1)).
		AddRow(string(job.StatusCompleted), int64(42))
	mock.ExpectQuery("SELECT status, count").WillReturnRows(rows)

	stats, err := p.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Queued)
	require.Equal(t, int64(1), stats.Processing)
	require.Equal(t, int64(42), stats.Completed)
	require.NoError(t, mock.ExpectationsWereMet())
}
