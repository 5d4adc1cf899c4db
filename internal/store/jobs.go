package store

import (
	"context"
	"database/sql"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/model"
)

const jobColumns = `id, job_name, concurrency_key, prevent_concurrency, status, competing_task_id,
	cancellation_reason, created_at, completed_at`

func scanJobRecord(row interface{ Scan(...any) error }) (*model.QueuedJobRecord, error) {
	var (
		r           model.QueuedJobRecord
		completedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.JobName, &r.ConcurrencyKey, &r.PreventConcurrency, &r.Status,
		&r.CompetingJobID, &r.CancellationReason, &r.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func (q *Queries) InsertJobRecord(ctx context.Context, r *model.QueuedJobRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.now()
	}
	_, err := q.q.ExecContext(ctx, `INSERT INTO worker_tasks (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobName, r.ConcurrencyKey, r.PreventConcurrency, r.Status, r.CompetingJobID,
		r.CancellationReason, r.CreatedAt, nullTime(r))
	return errors.Wrapf(err, "insert job record %s", r.ID)
}

func (q *Queries) GetJobRecord(ctx context.Context, id string) (*model.QueuedJobRecord, error) {
	r, err := scanJobRecord(q.q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM worker_tasks WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "job record", id)
	}
	return r, nil
}

func (q *Queries) UpdateJobRecord(ctx context.Context, r *model.QueuedJobRecord) error {
	res, err := q.q.ExecContext(ctx, `UPDATE worker_tasks SET status = ?, competing_task_id = ?,
		cancellation_reason = ?, completed_at = ? WHERE id = ?`,
		r.Status, r.CompetingJobID, r.CancellationReason, nullTime(r), r.ID)
	if err != nil {
		return errors.Wrapf(err, "update job record %s", r.ID)
	}
	return mustAffect(res, "job record", r.ID)
}

// ActiveJobRecord returns the oldest started or in-progress record sharing
// the concurrency key, or the job name when key is empty. It returns
// ErrNotFound when there is none.
func (q *Queries) ActiveJobRecord(ctx context.Context, key, name string) (*model.QueuedJobRecord, error) {
	column, value := "concurrency_key", key
	if key == "" {
		column, value = "job_name", name
	}
	args := append([]any{value}, statusArgs(model.ActiveJobStatuses)...)
	r, err := scanJobRecord(q.q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM worker_tasks WHERE "+column+` = ?
		AND status IN (`+placeholders(len(model.ActiveJobStatuses))+`) ORDER BY created_at, id LIMIT 1`, args...))
	if err != nil {
		return nil, notFound(err, "active job", value)
	}
	return r, nil
}

func nullTime(r *model.QueuedJobRecord) sql.NullTime {
	if r.CompletedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: r.CompletedAt.UTC(), Valid: true}
}

// CompleteActiveJobRecords closes every record still marked active. Jobs
// do not survive a restart, so their records are stale at startup.
func (q *Queries) CompleteActiveJobRecords(ctx context.Context) (int64, error) {
	args := append([]any{model.JobCompleted, q.now()}, statusArgs(model.ActiveJobStatuses)...)
	res, err := q.q.ExecContext(ctx, `UPDATE worker_tasks SET status = ?, completed_at = ?
		WHERE status IN (`+placeholders(len(model.ActiveJobStatuses))+`)`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "complete active job records")
	}
	return res.RowsAffected()
}
