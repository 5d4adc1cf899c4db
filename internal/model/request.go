package model

import "time"

type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestExecuting RequestStatus = "executing"
	RequestExecuted  RequestStatus = "executed"
	RequestDropped   RequestStatus = "dropped"
	RequestCancelled RequestStatus = "cancelled"
)

// ActiveRequestStatuses are the states that occupy a queue slot.
var ActiveRequestStatuses = []RequestStatus{RequestQueued, RequestExecuting}

func (s RequestStatus) Terminal() bool {
	return s == RequestExecuted || s == RequestDropped || s == RequestCancelled
}

type RequestKind string

const (
	KindTask       RequestKind = "task"
	KindSubmission RequestKind = "submission"
)

type ExecutionLog struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExecutionRequest is the capability set shared by tasks and submissions.
type ExecutionRequest interface {
	Base() *Request
	Kind() RequestKind
	// ContainerName is the engine name of the owner's sandbox for this kind.
	ContainerName() string
	ContainerLabel() string
	SelectTestCases(cases []TestCase) []TestCase
}

// Request holds the persisted fields common to every execution request.
type Request struct {
	ID            string                    `json:"id"`
	RequestKind   RequestKind               `json:"kind"`
	SessionID     string                    `json:"sessionId"`
	ExerciseID    string                    `json:"exerciseId"`
	Submitter     Submitter                 `json:"submitter"`
	EntryFilePath string                    `json:"entryFilePath"`
	Status        RequestStatus             `json:"status"`
	JobID         string                    `json:"-"`
	Logs          []ExecutionLog            `json:"executionLogs"`
	Results       []DatabaseExecutionResult `json:"results"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

func (r *Request) Base() *Request {
	return r
}

// Typed wraps r in the concrete request type matching its kind.
func (r *Request) Typed() ExecutionRequest {
	if r.RequestKind == KindSubmission {
		return &Submission{Request: r}
	}
	return &Task{Request: r}
}

// Task is an ad-hoc run against the visible test cases.
type Task struct {
	*Request
}

func NewTask(r *Request) *Task {
	r.RequestKind = KindTask
	return &Task{Request: r}
}

func (t *Task) Kind() RequestKind { return KindTask }

func (t *Task) ContainerName() string { return t.Submitter.ContainerID }

func (t *Task) ContainerLabel() string { return "test" }

func (t *Task) SelectTestCases(cases []TestCase) []TestCase {
	visible := make([]TestCase, 0, len(cases))
	for _, tc := range cases {
		if tc.Visible {
			visible = append(visible, tc)
		}
	}
	return visible
}

// Submission is a graded run against every test case.
type Submission struct {
	*Request
}

func NewSubmission(r *Request) *Submission {
	r.RequestKind = KindSubmission
	return &Submission{Request: r}
}

func (s *Submission) Kind() RequestKind { return KindSubmission }

func (s *Submission) ContainerName() string { return "submission-" + s.Submitter.ContainerID }

func (s *Submission) ContainerLabel() string { return "submission" }

func (s *Submission) SelectTestCases(cases []TestCase) []TestCase {
	return cases
}
