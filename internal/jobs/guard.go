package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/metrics"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
)

const CancelledByConcurrency = "Task cancelled due to concurrency."

type RecordStore interface {
	InsertJobRecord(ctx context.Context, r *model.QueuedJobRecord) error
	GetJobRecord(ctx context.Context, id string) (*model.QueuedJobRecord, error)
	UpdateJobRecord(ctx context.Context, r *model.QueuedJobRecord) error
	ActiveJobRecord(ctx context.Context, key, name string) (*model.QueuedJobRecord, error)
	CompleteActiveJobRecords(ctx context.Context) (int64, error)
}

// Guard records every job and refuses to dispatch a job whose group
// already has an active one.
type Guard struct {
	mu    sync.Mutex
	store RecordStore
	log   *zap.SugaredLogger
}

func NewGuard(s RecordStore, log *zap.SugaredLogger) *Guard {
	return &Guard{store: s, log: logger.Named(log, "guard")}
}

func (g *Guard) BeforeSend(ctx context.Context, msg *Message) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := &model.QueuedJobRecord{
		ID:                 msg.ID,
		JobName:            msg.Name,
		ConcurrencyKey:     msg.ConcurrencyKey,
		PreventConcurrency: msg.PreventConcurrency,
		Status:             model.JobStarted,
	}
	if msg.PreventConcurrency {
		competing, err := g.store.ActiveJobRecord(ctx, msg.ConcurrencyKey, msg.Name)
		switch {
		case err == nil:
			rec.Status = model.JobCancelled
			rec.CompetingJobID = competing.ID
			rec.CancellationReason = CancelledByConcurrency
		case !errors.Is(err, store.ErrNotFound):
			return false, err
		}
	}

	if err := g.store.InsertJobRecord(ctx, rec); err != nil {
		return false, err
	}
	if rec.Status == model.JobCancelled {
		metrics.GuardCancellations.WithLabelValues(msg.Name).Inc()
		g.log.Infow("Job cancelled due to concurrency",
			"job", msg.Name,
			"job_id", msg.ID,
			"competing_job_id", rec.CompetingJobID,
		)
		return false, nil
	}
	return true, nil
}

func (g *Guard) BeforeExecute(ctx context.Context, msg *Message) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.store.GetJobRecord(ctx, msg.ID)
	if errors.Is(err, store.ErrNotFound) {
		g.log.Warnw("No record for job, letting it run", "job", msg.Name, "job_id", msg.ID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status == model.JobCancelled {
		return false, nil
	}
	rec.Status = model.JobInProgress
	return true, g.store.UpdateJobRecord(ctx, rec)
}

func (g *Guard) AfterExecute(ctx context.Context, msg *Message, _ error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.store.GetJobRecord(ctx, msg.ID)
	if err != nil {
		g.log.Warnw("Cannot complete job record", "job", msg.Name, "job_id", msg.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	rec.Status = model.JobCompleted
	rec.CompletedAt = &now
	if err := g.store.UpdateJobRecord(context.WithoutCancel(ctx), rec); err != nil {
		g.log.Warnw("Cannot complete job record", "job", msg.Name, "job_id", msg.ID, "error", err)
	}
}

// Busy reports whether a job with the given concurrency key is active.
func (g *Guard) Busy(ctx context.Context, key string) (bool, error) {
	_, err := g.store.ActiveJobRecord(ctx, key, "")
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Cancel marks a job that has not started running as cancelled so
// BeforeExecute skips it. It reports whether the record was changed.
func (g *Guard) Cancel(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.store.GetJobRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != model.JobStarted {
		return false, nil
	}
	rec.Status = model.JobCancelled
	return true, g.store.UpdateJobRecord(ctx, rec)
}

// Reset closes records left active by a previous process so they no
// longer block their concurrency group.
func (g *Guard) Reset(ctx context.Context) error {
	n, err := g.store.CompleteActiveJobRecords(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		g.log.Infow("Closed stale job records", "count", n)
	}
	return nil
}
