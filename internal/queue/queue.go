// Package queue admits execution requests, dispatches them to background
// workers and drives each one to a terminal status.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/resource"
	"github.com/namnv2496/go-codelab/internal/jobs"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/metrics"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
)

// JobName is the background job that runs one request.
const JobName = "execution.run"

var (
	ErrQueueFull         = errors.New("queue is full, please try again later")
	ErrThresholdExceeded = errors.New("execution threshold exceeded for this session")
	ErrAlreadyInQueue    = errors.New("submitter already has a request in the execution queue")
	ErrNotQueued         = errors.New("request is not queued")
	ErrNoSubmitter       = errors.New("exactly one of student or group must be set")
	ErrSessionInactive   = errors.New("session is not active")

	// errNotExecuting rolls back a completion whose request was moved away
	// from executing while it ran.
	errNotExecuting = errors.New("request is no longer executing")
)

const (
	logStarted        = "Execution started."
	logPulling        = "Pulling code repository."
	logPulled         = "Repository pulled successfully."
	logExecuting      = "Executing program."
	logCompleted      = "Execution completed."
	logPullFailed     = "Service error. Aborting, failed to pull code repository."
	logExecuteFailed  = "Service error: Aborting, failed to execute program. "
	logScheduleFailed = "Service error: Aborting, failed to schedule execution."
	logCancelled      = "Execution cancelled."
	logInterrupted    = "Service error: Aborting, execution interrupted."
)

type Dispatcher interface {
	EnqueueIn(ctx context.Context, delay time.Duration, name string, args jobs.Args) (string, error)
	Revoke(ctx context.Context, id string) error
}

type Puller interface {
	Pull(ctx context.Context, exerciseID, sessionID string) (*model.CodeRepository, error)
}

type Executor interface {
	Execute(ctx context.Context, req model.ExecutionRequest, repo *model.CodeRepository) ([]model.DatabaseExecutionResult, error)
}

type Publisher interface {
	Publish(room, kind string, payload any)
}

type Queue struct {
	store      *store.Store
	dispatcher Dispatcher
	puller     Puller
	executor   Executor
	publisher  Publisher
	delay      time.Duration
	locks      *xsync.MapOf[string, *sync.Mutex]
	now        func() time.Time
	log        *zap.SugaredLogger
}

func New(s *store.Store, dispatcher Dispatcher, puller Puller, executor Executor, delay time.Duration, log *zap.SugaredLogger) *Queue {
	return &Queue{
		store:      s,
		dispatcher: dispatcher,
		puller:     puller,
		executor:   executor,
		delay:      delay,
		locks:      xsync.NewMapOf[string, *sync.Mutex](),
		now:        time.Now,
		log:        logger.Named(log, "queue"),
	}
}

func (q *Queue) SetPublisher(p Publisher) {
	q.publisher = p
}

// Register binds the execution job to the broker.
func (q *Queue) Register(b *jobs.Broker) {
	b.Register(JobName, func(ctx context.Context, msg *jobs.Message) error {
		return q.Execute(ctx, msg.Args["request_id"])
	}, jobs.WithKeyFunc(func(a jobs.Args) string {
		return "execution:" + a["session_id"] + ":" + a["submitter"]
	}))
}

func (q *Queue) lock(sessionID string, s model.Submitter) func() {
	mu, _ := q.locks.LoadOrCompute(sessionID+"|"+s.Key(), func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// Submit admits req and schedules its execution. Admission checks run in
// order: capacity, run threshold, duplicate in flight.
func (q *Queue) Submit(ctx context.Context, req *model.Request) (*model.Request, error) {
	if !req.Submitter.Valid() {
		return nil, ErrNoSubmitter
	}
	defer q.lock(req.SessionID, req.Submitter)()

	err := q.store.InTx(ctx, func(tx *store.Queries) error {
		session, err := tx.GetSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !session.ActiveAt(q.now()) {
			return errors.WithDetailf(ErrSessionInactive, "session %s", session.ID)
		}
		if _, err := tx.GetExercise(ctx, session.ID, req.ExerciseID); err != nil {
			return err
		}
		if req.Submitter.ContainerID, err = tx.SubmitterContainer(ctx, req.Submitter); err != nil {
			return err
		}
		if err := q.admit(ctx, tx, session, req); err != nil {
			metrics.RequestsRejected.WithLabelValues(rejectReason(err)).Inc()
			return err
		}

		req.ID = uuid.NewString()
		req.Status = model.RequestQueued
		req.Logs, req.Results = nil, nil
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if err := q.dispatch(ctx, req); err != nil {
		return nil, err
	}
	metrics.RequestsAdmitted.WithLabelValues(string(req.RequestKind)).Inc()
	q.log.Infow("Request queued",
		"request_id", req.ID,
		"kind", req.RequestKind,
		"session_id", req.SessionID,
		"submitter", req.Submitter.Key(),
		"job_id", req.JobID,
	)
	q.publish(ctx, req.ID)
	return req, nil
}

// dispatch schedules the background job of a queued request and records
// its job id. A request that cannot be scheduled is dropped.
func (q *Queue) dispatch(ctx context.Context, req *model.Request) error {
	jobID, err := q.dispatcher.EnqueueIn(ctx, q.delay, JobName, jobs.Args{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"submitter":  req.Submitter.Key(),
	})
	if err != nil {
		q.abort(ctx, req.ID, model.RequestQueued, logScheduleFailed)
		return errors.Wrapf(err, "schedule request %s", req.ID)
	}
	if err := q.store.SetRequestJobID(ctx, req.ID, jobID); err != nil {
		return err
	}
	req.JobID = jobID
	metrics.QueueDepth.Inc()
	return nil
}

// Recover picks up requests left behind by a previous process. Queued
// requests are dispatched again; executing ones were interrupted and are
// dropped.
func (q *Queue) Recover(ctx context.Context) error {
	interrupted, err := q.store.RequestsByStatus(ctx, model.RequestExecuting)
	if err != nil {
		return err
	}
	for _, req := range interrupted {
		q.drop(ctx, req, logInterrupted)
	}

	queued, err := q.store.RequestsByStatus(ctx, model.RequestQueued)
	if err != nil {
		return err
	}
	var requeued int
	for _, req := range queued {
		if err := q.dispatch(ctx, req); err != nil {
			q.log.Errorw("Cannot requeue request", "request_id", req.ID, "error", err)
			continue
		}
		requeued++
		q.publish(ctx, req.ID)
	}
	if len(interrupted) > 0 || len(queued) > 0 {
		q.log.Infow("Recovered requests", "requeued", requeued, "dropped", len(interrupted))
	}
	return nil
}

func (q *Queue) admit(ctx context.Context, tx *store.Queries, session *model.Session, req *model.Request) error {
	cfg := session.Configuration

	active, err := tx.CountSessionRequests(ctx, session.ID, model.ActiveRequestStatuses...)
	if err != nil {
		return err
	}
	if active >= cfg.MaxQueueSize {
		return errors.WithDetailf(ErrQueueFull, "%d of %d slots in use", active, cfg.MaxQueueSize)
	}

	runs, err := tx.CountSubmitterRequests(ctx, session.ID, req.RequestKind, req.Submitter)
	if err != nil {
		return err
	}
	if runs >= cfg.MaxNumberOfRuns {
		return errors.WithDetailf(ErrThresholdExceeded, "%d of %d runs used", runs, cfg.MaxNumberOfRuns)
	}

	inFlight, err := tx.CountSubmitterRequests(ctx, session.ID, req.RequestKind, req.Submitter, duplicateStatuses(req.RequestKind)...)
	if err != nil {
		return err
	}
	if inFlight > 0 {
		return ErrAlreadyInQueue
	}
	return nil
}

// duplicateStatuses are the states that block a new request of the same
// kind. A submission is graded once, so an executed one blocks too.
func duplicateStatuses(kind model.RequestKind) []model.RequestStatus {
	if kind == model.KindSubmission {
		return []model.RequestStatus{model.RequestQueued, model.RequestExecuting, model.RequestExecuted}
	}
	return model.ActiveRequestStatuses
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrThresholdExceeded):
		return "threshold_exceeded"
	case errors.Is(err, ErrAlreadyInQueue):
		return "already_in_queue"
	default:
		return "error"
	}
}

// Execute runs a queued request to completion. Failures of the pipeline
// are recorded on the request; the returned error is reserved for the
// store.
func (q *Queue) Execute(ctx context.Context, requestID string) error {
	moved, err := q.store.TransitionRequest(ctx, requestID, model.RequestExecuting, model.RequestQueued)
	if err != nil {
		return err
	}
	if !moved {
		q.log.Warnw("Request not found or no longer queued", "request_id", requestID)
		return nil
	}
	metrics.QueueDepth.Dec()
	if err := q.step(ctx, requestID, logStarted); err != nil {
		return err
	}

	req, err := q.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if err := q.step(ctx, requestID, logPulling); err != nil {
		return err
	}
	repo, err := q.puller.Pull(ctx, req.ExerciseID, req.SessionID)
	if err != nil {
		q.log.Errorw("Repository pull failed", "request_id", requestID, "session_id", req.SessionID, "error", err)
		q.drop(ctx, req, logPullFailed)
		return nil
	}
	if err := q.step(ctx, requestID, logPulled); err != nil {
		return err
	}

	if err := q.step(ctx, requestID, logExecuting); err != nil {
		return err
	}
	results, err := q.executor.Execute(ctx, req.Typed(), repo)
	if err != nil {
		var failed *resource.ExecutionFailedError
		if !errors.As(err, &failed) {
			q.drop(ctx, req, logExecuteFailed+err.Error())
			return err
		}
		q.log.Errorw("Program execution failed", "request_id", requestID, "error", err)
		q.drop(ctx, req, logExecuteFailed+failed.Message)
		return nil
	}

	err = q.store.InTx(ctx, func(tx *store.Queries) error {
		if err := tx.SaveResults(ctx, requestID, results); err != nil {
			return err
		}
		moved, err := tx.TransitionRequest(ctx, requestID, model.RequestExecuted, model.RequestExecuting)
		if err != nil {
			return err
		}
		if !moved {
			return errNotExecuting
		}
		_, err = tx.AppendLog(ctx, requestID, logCompleted)
		return err
	})
	if errors.Is(err, errNotExecuting) {
		q.log.Warnw("Request left executing before completion, discarding results", "request_id", requestID)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RequestsFinished.WithLabelValues(string(req.RequestKind), string(model.RequestExecuted)).Inc()
	q.log.Infow("Request executed", "request_id", requestID, "results", len(results))
	q.publish(ctx, requestID)
	return nil
}

func (q *Queue) step(ctx context.Context, requestID, message string) error {
	if _, err := q.store.AppendLog(ctx, requestID, message); err != nil {
		return err
	}
	q.publish(ctx, requestID)
	return nil
}

func (q *Queue) drop(ctx context.Context, req *model.Request, message string) {
	if q.abort(ctx, req.ID, model.RequestExecuting, message) {
		metrics.RequestsFinished.WithLabelValues(string(req.RequestKind), string(model.RequestDropped)).Inc()
	}
}

// abort moves a request from `from` to dropped and logs why.
func (q *Queue) abort(ctx context.Context, requestID string, from model.RequestStatus, message string) bool {
	ctx = context.WithoutCancel(ctx)
	var moved bool
	err := q.store.InTx(ctx, func(tx *store.Queries) error {
		var err error
		if moved, err = tx.TransitionRequest(ctx, requestID, model.RequestDropped, from); err != nil || !moved {
			return err
		}
		_, err = tx.AppendLog(ctx, requestID, message)
		return err
	})
	if err != nil {
		q.log.Errorw("Failed to drop request", "request_id", requestID, "error", err)
		return false
	}
	q.publish(ctx, requestID)
	return moved
}

// Cancel withdraws a request that has not started executing.
func (q *Queue) Cancel(ctx context.Context, sessionID string, kind model.RequestKind, requestID string, owner model.Submitter) (*model.Request, error) {
	req, err := q.Get(ctx, sessionID, kind, requestID, owner)
	if err != nil {
		return nil, err
	}

	err = q.store.InTx(ctx, func(tx *store.Queries) error {
		moved, err := tx.TransitionRequest(ctx, requestID, model.RequestCancelled, model.RequestQueued)
		if err != nil {
			return err
		}
		if !moved {
			return errors.WithDetailf(ErrNotQueued, "request %s", requestID)
		}
		_, err = tx.AppendLog(ctx, requestID, logCancelled)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.Dec()
	metrics.RequestsFinished.WithLabelValues(string(req.RequestKind), string(model.RequestCancelled)).Inc()

	if req.JobID != "" {
		if err := q.dispatcher.Revoke(ctx, req.JobID); err != nil {
			q.log.Warnw("Failed to revoke job", "request_id", requestID, "job_id", req.JobID, "error", err)
		}
	}
	q.log.Infow("Request cancelled", "request_id", requestID)
	q.publish(ctx, requestID)
	return q.store.GetRequest(ctx, requestID)
}

// Get returns a request of the given kind in the session. When owner is set
// the request must belong to it.
func (q *Queue) Get(ctx context.Context, sessionID string, kind model.RequestKind, requestID string, owner model.Submitter) (*model.Request, error) {
	req, err := q.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.SessionID != sessionID || req.RequestKind != kind || (owner.Valid() && !owner.Same(req.Submitter)) {
		return nil, errors.Wrapf(store.ErrNotFound, "request %s", requestID)
	}
	return req, nil
}

func (q *Queue) List(ctx context.Context, sessionID string, kind model.RequestKind, owner model.Submitter) ([]*model.Request, error) {
	if !owner.Valid() {
		return nil, ErrNoSubmitter
	}
	return q.store.ListRequests(ctx, sessionID, kind, owner)
}

func (q *Queue) publish(ctx context.Context, requestID string) {
	if q.publisher == nil {
		return
	}
	req, err := q.store.GetRequest(context.WithoutCancel(ctx), requestID)
	if err != nil {
		q.log.Warnw("Cannot publish request status", "request_id", requestID, "error", err)
		return
	}
	q.publisher.Publish(req.SessionID, "request_status", req)
}
