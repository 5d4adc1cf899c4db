package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/model"
)

const requestColumns = `id, kind, session_id, exercise_id, student_id, group_id, container_id,
	entry_file_path, status, job_id, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*model.Request, error) {
	var r model.Request
	err := row.Scan(&r.ID, &r.RequestKind, &r.SessionID, &r.ExerciseID, &r.Submitter.StudentID,
		&r.Submitter.GroupID, &r.Submitter.ContainerID, &r.EntryFilePath, &r.Status, &r.JobID,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *Queries) InsertRequest(ctx context.Context, r *model.Request) error {
	now := q.now()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := q.q.ExecContext(ctx, `INSERT INTO execution_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestKind, r.SessionID, r.ExerciseID, r.Submitter.StudentID, r.Submitter.GroupID,
		r.Submitter.ContainerID, r.EntryFilePath, r.Status, r.JobID, r.CreatedAt, r.UpdatedAt)
	return errors.Wrapf(err, "insert request %s", r.ID)
}

// GetRequest loads a request together with its logs and results.
func (q *Queries) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, err := scanRequest(q.q.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM execution_requests WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	if r.Logs, err = q.requestLogs(ctx, id); err != nil {
		return nil, err
	}
	if r.Results, err = q.requestResults(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRequests returns the submitter's requests of one kind in a session,
// newest first, without logs or results.
func (q *Queries) ListRequests(ctx context.Context, sessionID string, kind model.RequestKind, s model.Submitter) ([]*model.Request, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+requestColumns+` FROM execution_requests
		WHERE session_id = ? AND kind = ? AND student_id = ? AND group_id = ?
		ORDER BY created_at DESC, id`, sessionID, kind, s.StudentID, s.GroupID)
	if err != nil {
		return nil, errors.Wrap(err, "query requests")
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan request")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate requests")
}

// RequestsByStatus returns requests of every session in any of statuses,
// oldest first, without logs or results.
func (q *Queries) RequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.Request, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+requestColumns+` FROM execution_requests
		WHERE status IN (`+placeholders(len(statuses))+`)
		ORDER BY created_at, id`, statusArgs(statuses)...)
	if err != nil {
		return nil, errors.Wrap(err, "query requests by status")
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan request")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate requests")
}

// CountSessionRequests counts requests of a session in any of statuses.
func (q *Queries) CountSessionRequests(ctx context.Context, sessionID string, statuses ...model.RequestStatus) (int, error) {
	var n int
	args := append([]any{sessionID}, statusArgs(statuses)...)
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_requests
		WHERE session_id = ? AND status IN (`+placeholders(len(statuses))+`)`, args...).Scan(&n)
	return n, errors.Wrap(err, "count session requests")
}

// CountSubmitterRequests counts the submitter's requests of one kind in a
// session. With no statuses every historical request is counted.
func (q *Queries) CountSubmitterRequests(ctx context.Context, sessionID string, kind model.RequestKind, s model.Submitter, statuses ...model.RequestStatus) (int, error) {
	query := `SELECT COUNT(*) FROM execution_requests
		WHERE session_id = ? AND kind = ? AND student_id = ? AND group_id = ?`
	args := []any{sessionID, kind, s.StudentID, s.GroupID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		args = append(args, statusArgs(statuses)...)
	}
	var n int
	err := q.q.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, errors.Wrap(err, "count submitter requests")
}

// TransitionRequest moves a request to status `to` only if its current
// status is one of `from`. It reports whether the row changed.
func (q *Queries) TransitionRequest(ctx context.Context, id string, to model.RequestStatus, from ...model.RequestStatus) (bool, error) {
	args := append([]any{to, q.now(), id}, statusArgs(from)...)
	res, err := q.q.ExecContext(ctx, `UPDATE execution_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, errors.Wrapf(err, "transition request %s to %s", id, to)
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "rows affected")
}

func (q *Queries) SetRequestJobID(ctx context.Context, id, jobID string) error {
	res, err := q.q.ExecContext(ctx, "UPDATE execution_requests SET job_id = ? WHERE id = ?", jobID, id)
	if err != nil {
		return errors.Wrapf(err, "set job id of %s", id)
	}
	return mustAffect(res, "request", id)
}

// AppendLog adds a timestamped entry to the request's execution log.
func (q *Queries) AppendLog(ctx context.Context, requestID, message string) (model.ExecutionLog, error) {
	entry := model.ExecutionLog{Message: message, CreatedAt: q.now()}
	_, err := q.q.ExecContext(ctx,
		"INSERT INTO execution_logs (request_id, message, created_at) VALUES (?, ?, ?)",
		requestID, entry.Message, entry.CreatedAt)
	return entry, errors.Wrapf(err, "append log to %s", requestID)
}

// SaveResults attaches results to a request, in order.
func (q *Queries) SaveResults(ctx context.Context, requestID string, results []model.DatabaseExecutionResult) error {
	for i := range results {
		r := &results[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		var failedCompilation sql.NullBool
		if r.FailedCompilation != nil {
			failedCompilation = sql.NullBool{Bool: *r.FailedCompilation, Valid: true}
		}
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO execution_results (id, request_id, position, test_case_id, exit_code, stdin, stdout, stderr,
				server_error, success, expended_time_ns, state, failed_execution, failed_compilation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, requestID, i, nullString(r.TestCaseID), r.ExitCode, nullString(r.Stdin), nullString(r.Stdout), nullString(r.Stderr),
			r.ServerError, r.Success, int64(r.ExpendedTime), r.State, r.FailedExecution, failedCompilation)
		if err != nil {
			return errors.Wrapf(err, "insert result %d of %s", i, requestID)
		}
	}
	return nil
}

func (q *Queries) requestLogs(ctx context.Context, requestID string) ([]model.ExecutionLog, error) {
	rows, err := q.q.QueryContext(ctx,
		"SELECT message, created_at FROM execution_logs WHERE request_id = ? ORDER BY id", requestID)
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	defer rows.Close()

	var logs []model.ExecutionLog
	for rows.Next() {
		var l model.ExecutionLog
		if err := rows.Scan(&l.Message, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan log")
		}
		logs = append(logs, l)
	}
	return logs, errors.Wrap(rows.Err(), "iterate logs")
}

func (q *Queries) requestResults(ctx context.Context, requestID string) ([]model.DatabaseExecutionResult, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, test_case_id, exit_code, stdin, stdout, stderr, server_error, success, expended_time_ns,
			state, failed_execution, failed_compilation
		FROM execution_results WHERE request_id = ? ORDER BY position`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	var results []model.DatabaseExecutionResult
	for rows.Next() {
		var (
			r                 model.DatabaseExecutionResult
			testCaseID        sql.NullString
			stdin             sql.NullString
			stdout, stderr    sql.NullString
			expended          int64
			failedCompilation sql.NullBool
		)
		if err := rows.Scan(&r.ID, &testCaseID, &r.ExitCode, &stdin, &stdout, &stderr, &r.ServerError, &r.Success,
			&expended, &r.State, &r.FailedExecution, &failedCompilation); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		r.TestCaseID = stringPtr(testCaseID)
		r.Stdin = stringPtr(stdin)
		r.Stdout = stringPtr(stdout)
		r.Stderr = stringPtr(stderr)
		r.ExpendedTime = time.Duration(expended)
		if failedCompilation.Valid {
			r.FailedCompilation = model.Ptr(failedCompilation.Bool)
		}
		results = append(results, r)
	}
	return results, errors.Wrap(rows.Err(), "iterate results")
}
