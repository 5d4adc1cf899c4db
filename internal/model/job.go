package model

import "time"

type JobStatus string

const (
	JobStarted    JobStatus = "started"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

var ActiveJobStatuses = []JobStatus{JobStarted, JobInProgress}

// QueuedJobRecord is the bookkeeping row for one dispatched background job.
type QueuedJobRecord struct {
	ID                 string     `json:"id"`
	JobName            string     `json:"jobName"`
	ConcurrencyKey     string     `json:"concurrencyKey,omitempty"`
	PreventConcurrency bool       `json:"preventConcurrency"`
	Status             JobStatus  `json:"status"`
	CompetingJobID     string     `json:"competingJobId,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}
