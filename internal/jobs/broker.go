// Package jobs is the in-process background job substrate: named handlers,
// immediate and delayed dispatch, revocation, periodic jobs and a
// three-hook middleware chain.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/metrics"
)

var (
	// ErrRejected is returned by Enqueue when a middleware refused to
	// dispatch the job. The job is recorded but never runs.
	ErrRejected   = errors.New("job rejected before dispatch")
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("broker stopped")
)

type Args map[string]string

// Message is one dispatched job.
type Message struct {
	ID                 string
	Name               string
	Args               Args
	ConcurrencyKey     string
	PreventConcurrency bool
	EnqueuedAt         time.Time
}

type Handler func(ctx context.Context, msg *Message) error

// Middleware hooks into every job. BeforeSend runs when the job is
// enqueued and BeforeExecute when a worker picks it up; returning false
// from either drops the job. AfterExecute runs once the handler returned.
type Middleware interface {
	BeforeSend(ctx context.Context, msg *Message) (bool, error)
	BeforeExecute(ctx context.Context, msg *Message) (bool, error)
	AfterExecute(ctx context.Context, msg *Message, err error)
}

type JobOption func(*job)

// WithConcurrencyKey groups jobs for the guard. Without a key jobs are
// grouped by name.
func WithConcurrencyKey(key string) JobOption {
	return func(j *job) { j.key = func(Args) string { return key } }
}

// WithKeyFunc derives the concurrency key from the job arguments.
func WithKeyFunc(fn func(Args) string) JobOption {
	return func(j *job) { j.key = fn }
}

// PreventConcurrency cancels a job at dispatch while another job of the
// same group is active.
func PreventConcurrency() JobOption {
	return func(j *job) { j.prevent = true }
}

type job struct {
	handler Handler
	key     func(Args) string
	prevent bool
}

type periodic struct {
	interval time.Duration
	name     string
	args     Args
}

type Broker struct {
	mu          sync.RWMutex
	jobs        map[string]*job
	middlewares []Middleware
	periodic    []periodic

	queue   chan *Message
	done    chan struct{}
	timers  *xsync.MapOf[string, *time.Timer]
	// pending holds dispatched jobs no worker has picked up yet. The value
	// is true once the job was revoked.
	pending *xsync.MapOf[string, bool]
	workers int
	log     *zap.SugaredLogger
}

func NewBroker(workers int, log *zap.SugaredLogger) *Broker {
	if workers <= 0 {
		workers = 1
	}
	return &Broker{
		jobs:    map[string]*job{},
		queue:   make(chan *Message, 1024),
		done:    make(chan struct{}),
		timers:  xsync.NewMapOf[string, *time.Timer](),
		pending: xsync.NewMapOf[string, bool](),
		workers: workers,
		log:     logger.Named(log, "jobs"),
	}
}

func (b *Broker) Register(name string, h Handler, opts ...JobOption) {
	j := &job{handler: h}
	for _, opt := range opts {
		opt(j)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[name] = j
}

// Use appends middleware. BeforeSend and BeforeExecute run in order,
// AfterExecute in reverse.
func (b *Broker) Use(mw ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw...)
}

// Every enqueues name with args on each tick once Run has started.
func (b *Broker) Every(interval time.Duration, name string, args Args) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.periodic = append(b.periodic, periodic{interval: interval, name: name, args: args})
}

func (b *Broker) Enqueue(ctx context.Context, name string, args Args) (string, error) {
	return b.EnqueueIn(ctx, 0, name, args)
}

// EnqueueIn dispatches the job and hands it to a worker after delay. The
// returned id is valid even when err is ErrRejected.
func (b *Broker) EnqueueIn(ctx context.Context, delay time.Duration, name string, args Args) (string, error) {
	b.mu.RLock()
	j, ok := b.jobs[name]
	mws := b.middlewares
	b.mu.RUnlock()
	if !ok {
		return "", errors.Wrapf(ErrUnknownJob, "%q", name)
	}

	msg := &Message{
		ID:                 uuid.NewString(),
		Name:               name,
		Args:               args,
		PreventConcurrency: j.prevent,
		EnqueuedAt:         time.Now(),
	}
	if j.key != nil {
		msg.ConcurrencyKey = j.key(args)
	}

	for _, mw := range mws {
		send, err := mw.BeforeSend(ctx, msg)
		if err != nil {
			return msg.ID, errors.Wrapf(err, "dispatch %s", name)
		}
		if !send {
			b.log.Infow("Job cancelled before dispatch", "job", name, "job_id", msg.ID)
			return msg.ID, ErrRejected
		}
	}

	b.pending.Store(msg.ID, false)
	if delay <= 0 {
		if err := b.push(msg); err != nil {
			b.pending.Delete(msg.ID)
			return msg.ID, err
		}
		return msg.ID, nil
	}
	b.timers.Store(msg.ID, time.AfterFunc(delay, func() {
		b.timers.Delete(msg.ID)
		if err := b.push(msg); err != nil {
			b.pending.Delete(msg.ID)
			b.log.Warnw("Dropping delayed job", "job", name, "job_id", msg.ID, "error", err)
		}
	}))
	return msg.ID, nil
}

func (b *Broker) push(msg *Message) error {
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	select {
	case b.queue <- msg:
		return nil
	case <-b.done:
		return ErrStopped
	}
}

// Canceller is implemented by middleware that keeps per-job state which
// must follow a revocation.
type Canceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// Revoke marks a pending job so workers skip it. A job already picked up
// by a worker is not interrupted.
func (b *Broker) Revoke(ctx context.Context, id string) error {
	b.pending.Compute(id, func(_ bool, loaded bool) (bool, bool) {
		return true, !loaded
	})

	b.mu.RLock()
	mws := b.middlewares
	b.mu.RUnlock()
	for _, mw := range mws {
		if c, ok := mw.(Canceller); ok {
			if _, err := c.Cancel(ctx, id); err != nil {
				return errors.Wrapf(err, "revoke %s", id)
			}
		}
	}
	return nil
}

// Run consumes jobs until ctx is done. Pending delayed jobs are dropped on
// shutdown.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.RLock()
	schedule := append([]periodic(nil), b.periodic...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx)
		}()
	}
	for _, p := range schedule {
		wg.Add(1)
		go func(p periodic) {
			defer wg.Done()
			b.tick(ctx, p)
		}(p)
	}
	b.log.Infow("Broker started", "workers", b.workers, "periodic", len(schedule))

	<-ctx.Done()
	close(b.done)
	b.timers.Range(func(id string, t *time.Timer) bool {
		t.Stop()
		b.timers.Delete(id)
		return true
	})
	wg.Wait()
	b.log.Info("Broker stopped")
	return nil
}

func (b *Broker) tick(ctx context.Context, p periodic) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Enqueue(ctx, p.name, p.args); err != nil && !errors.Is(err, ErrRejected) {
				b.log.Errorw("Failed to enqueue periodic job", "job", p.name, "error", err)
			}
		}
	}
}

func (b *Broker) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.process(ctx, msg)
		}
	}
}

func (b *Broker) process(ctx context.Context, msg *Message) {
	b.mu.RLock()
	j := b.jobs[msg.Name]
	mws := b.middlewares
	b.mu.RUnlock()

	if revoked, _ := b.pending.LoadAndDelete(msg.ID); revoked {
		b.log.Infow("Skipping revoked job", "job", msg.Name, "job_id", msg.ID)
		metrics.JobsProcessed.WithLabelValues(msg.Name, "revoked").Inc()
		return
	}

	for _, mw := range mws {
		run, err := mw.BeforeExecute(ctx, msg)
		if err != nil {
			b.log.Errorw("Job middleware failed", "job", msg.Name, "job_id", msg.ID, "error", err)
			metrics.JobsProcessed.WithLabelValues(msg.Name, "error").Inc()
			return
		}
		if !run {
			metrics.JobsProcessed.WithLabelValues(msg.Name, "skipped").Inc()
			return
		}
	}

	err := j.handler(ctx, msg)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		b.log.Errorw("Job failed", "job", msg.Name, "job_id", msg.ID, "error", err)
	}
	metrics.JobsProcessed.WithLabelValues(msg.Name, outcome).Inc()
	for i := len(mws) - 1; i >= 0; i-- {
		mws[i].AfterExecute(ctx, msg, err)
	}
}
