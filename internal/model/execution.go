package model

import "time"

// ExecutionState classifies how a single command run ended.
type ExecutionState string

const (
	StateSuccess   ExecutionState = "success"
	StateFailed    ExecutionState = "failed"
	StateTimedOut  ExecutionState = "timed_out"
	StateCancelled ExecutionState = "cancelled"
	StateKilled    ExecutionState = "killed"
	StateUnknown   ExecutionState = "unknown"
)

// ExecutionResult is the raw outcome of one command run inside a container.
// Stdout and Stderr are nil when the engine itself failed.
type ExecutionResult struct {
	ExitCode    int     `json:"exitCode"`
	Stdout      *string `json:"stdout"`
	Stderr      *string `json:"stderr"`
	ServerError bool    `json:"serverError"`
	Success     bool    `json:"success"`
}

// DatabaseExecutionResult is the persisted form of an ExecutionResult.
type DatabaseExecutionResult struct {
	ExecutionResult
	ID                string         `json:"id"`
	Stdin             *string        `json:"stdin"`
	ExpendedTime      time.Duration  `json:"expendedTime"`
	State             ExecutionState `json:"state"`
	FailedExecution   bool           `json:"failedExecution"`
	FailedCompilation *bool          `json:"failedCompilation,omitempty"`
	TestCaseID        *string        `json:"testCaseId,omitempty"`
}

// ForTestCase returns a copy of r linked to the given test case.
func (r DatabaseExecutionResult) ForTestCase(testCaseID string) DatabaseExecutionResult {
	id := testCaseID
	r.TestCaseID = &id
	r.ID = ""
	return r
}

func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value behind p, or the zero value for nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
