package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/model"
)

// CreateSession inserts a session. Sessions are owned by the session layer;
// the pipeline only reads them.
func (q *Queries) CreateSession(ctx context.Context, s *model.Session) error {
	c := s.Configuration
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sessions (id, title, image_id, start_time, end_time, max_queue_size,
			max_number_of_runs, cpu_time_limit, memory_limit, max_processes, enable_network)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Title, s.ImageID, s.StartTime.UTC(), s.EndTime.UTC(), c.MaxQueueSize,
		c.MaxNumberOfRuns, c.CPUTimeLimit, c.MemoryLimit, c.MaxProcessesAndOrThreads, c.EnableNetwork)
	return errors.Wrapf(err, "insert session %s", s.ID)
}

func (q *Queries) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	c := &s.Configuration
	err := q.q.QueryRowContext(ctx, `
		SELECT id, title, image_id, start_time, end_time, max_queue_size, max_number_of_runs,
			cpu_time_limit, memory_limit, max_processes, enable_network
		FROM sessions WHERE id = ?`, id).Scan(
		&s.ID, &s.Title, &s.ImageID, &s.StartTime, &s.EndTime, &c.MaxQueueSize, &c.MaxNumberOfRuns,
		&c.CPUTimeLimit, &c.MemoryLimit, &c.MaxProcessesAndOrThreads, &c.EnableNetwork)
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return &s, nil
}

// AnySessionActive reports whether some session window contains at.
func (q *Queries) AnySessionActive(ctx context.Context, at time.Time) (bool, error) {
	var active bool
	err := q.q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE start_time <= ? AND end_time > ?)",
		at.UTC(), at.UTC()).Scan(&active)
	return active, errors.Wrap(err, "query active sessions")
}

func (q *Queries) CreateStudent(ctx context.Context, id, containerID string) error {
	_, err := q.q.ExecContext(ctx, "INSERT INTO students (id, container_id) VALUES (?, ?)", id, containerID)
	return errors.Wrapf(err, "insert student %s", id)
}

func (q *Queries) CreateGroup(ctx context.Context, id, sessionID, containerID string) error {
	_, err := q.q.ExecContext(ctx,
		"INSERT INTO student_groups (id, session_id, container_id) VALUES (?, ?, ?)", id, sessionID, containerID)
	return errors.Wrapf(err, "insert group %s", id)
}

// SubmitterContainer returns the reusable container id of a student or group.
func (q *Queries) SubmitterContainer(ctx context.Context, s model.Submitter) (string, error) {
	table, id := "students", s.StudentID
	if s.GroupID != "" {
		table, id = "student_groups", s.GroupID
	}
	var containerID string
	err := q.q.QueryRowContext(ctx, "SELECT container_id FROM "+table+" WHERE id = ?", id).Scan(&containerID)
	if err != nil {
		return "", notFound(err, "submitter", s.Key())
	}
	return containerID, nil
}

// CreateExercise inserts an exercise together with its test cases.
func (q *Queries) CreateExercise(ctx context.Context, e *model.Exercise) error {
	if _, err := q.q.ExecContext(ctx,
		"INSERT INTO exercises (id, session_id, title) VALUES (?, ?, ?)", e.ID, e.SessionID, e.Title); err != nil {
		return errors.Wrapf(err, "insert exercise %s", e.ID)
	}
	for i := range e.TestCases {
		tc := &e.TestCases[i]
		tc.ExerciseID = e.ID
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO test_cases (id, exercise_id, position, input, expected_output, visible)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tc.ID, tc.ExerciseID, tc.Position, tc.Input, tc.ExpectedOutput, tc.Visible); err != nil {
			return errors.Wrapf(err, "insert test case %s", tc.ID)
		}
	}
	return nil
}

// GetExercise loads an exercise of the given session with its test cases
// in position order.
func (q *Queries) GetExercise(ctx context.Context, sessionID, id string) (*model.Exercise, error) {
	var e model.Exercise
	err := q.q.QueryRowContext(ctx,
		"SELECT id, session_id, title FROM exercises WHERE id = ? AND session_id = ?", id, sessionID).
		Scan(&e.ID, &e.SessionID, &e.Title)
	if err != nil {
		return nil, notFound(err, "exercise", id)
	}

	rows, err := q.q.QueryContext(ctx, `
		SELECT id, exercise_id, position, input, expected_output, visible
		FROM test_cases WHERE exercise_id = ? ORDER BY position, id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query test cases of %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.ExerciseID, &tc.Position, &tc.Input, &tc.ExpectedOutput, &tc.Visible); err != nil {
			return nil, errors.Wrap(err, "scan test case")
		}
		e.TestCases = append(e.TestCases, tc)
	}
	return &e, errors.Wrap(rows.Err(), "iterate test cases")
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
