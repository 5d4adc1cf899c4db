package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namnv2496/go-codelab/internal/coderepo"
	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/resource"
	"github.com/namnv2496/go-codelab/internal/jobs"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
	"github.com/namnv2496/go-codelab/internal/testutil"
)

type dispatch struct {
	delay time.Duration
	name  string
	args  jobs.Args
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []dispatch
	revoked []string
	err     error
}

func (d *fakeDispatcher) EnqueueIn(_ context.Context, delay time.Duration, name string, args jobs.Args) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, dispatch{delay: delay, name: name, args: args})
	return "job-" + args["request_id"], nil
}

func (d *fakeDispatcher) Revoke(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, id)
	return nil
}

type fakePuller struct {
	err error
}

func (p *fakePuller) Pull(_ context.Context, exerciseID, sessionID string) (*model.CodeRepository, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &model.CodeRepository{Sub: []model.CodeRepository{{Path: "main.py", Content: model.Ptr("print(1)")}}}, nil
}

type fakeExecutor struct {
	results []model.DatabaseExecutionResult
	err     error
	seen    []model.RequestKind
	during  func()
}

func (e *fakeExecutor) Execute(_ context.Context, req model.ExecutionRequest, _ *model.CodeRepository) ([]model.DatabaseExecutionResult, error) {
	e.seen = append(e.seen, req.Kind())
	if e.during != nil {
		e.during()
	}
	return e.results, e.err
}

type events struct {
	mu    sync.Mutex
	rooms []string
	last  *model.Request
}

func (e *events) Publish(room, kind string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rooms = append(e.rooms, room)
	e.last, _ = payload.(*model.Request)
}

type harness struct {
	store      *store.Store
	fixture    *testutil.Fixture
	dispatcher *fakeDispatcher
	puller     *fakePuller
	executor   *fakeExecutor
	events     *events
	queue      *Queue
}

func newHarness(t *testing.T, cfg model.ResourceConfiguration) *harness {
	t.Helper()
	s := testutil.CreateTestStore(t)
	fx := testutil.SeedSession(t, s, cfg, model.TestCase{ID: "tc-1", Input: "5\n", ExpectedOutput: "120", Visible: true})
	h := &harness{
		store:      s,
		fixture:    fx,
		dispatcher: &fakeDispatcher{},
		puller:     &fakePuller{},
		executor: &fakeExecutor{results: []model.DatabaseExecutionResult{{
			ExecutionResult: model.ExecutionResult{Stdout: model.Ptr("120\n"), Stderr: model.Ptr(""), Success: true},
			State:           model.StateSuccess,
			TestCaseID:      model.Ptr("tc-1"),
		}}},
		events: &events{},
	}
	h.queue = New(s, h.dispatcher, h.puller, h.executor, 5*time.Second, nil)
	h.queue.SetPublisher(h.events)
	return h
}

func (h *harness) task(sub model.Submitter) *model.Request {
	return &model.Request{
		RequestKind:   model.KindTask,
		SessionID:     h.fixture.Session.ID,
		ExerciseID:    h.fixture.Exercise.ID,
		Submitter:     model.Submitter{StudentID: sub.StudentID, GroupID: sub.GroupID},
		EntryFilePath: "main.py",
	}
}

func defaultConfig() model.ResourceConfiguration {
	return model.ResourceConfiguration{MaxQueueSize: 5, MaxNumberOfRuns: 10, CPUTimeLimit: 60}
}

func TestSubmitQueuesAndDispatches(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, model.RequestQueued, req.Status)
	assert.Equal(t, "ctr-student-1", req.Submitter.ContainerID)
	assert.Equal(t, "job-"+req.ID, req.JobID)

	require.Len(t, h.dispatcher.sent, 1)
	sent := h.dispatcher.sent[0]
	assert.Equal(t, JobName, sent.name)
	assert.Equal(t, 5*time.Second, sent.delay)
	assert.Equal(t, req.ID, sent.args["request_id"])

	stored, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestQueued, stored.Status)
	assert.Equal(t, req.JobID, stored.JobID)
	assert.Equal(t, []string{"session-1"}, h.events.rooms)
}

func TestSubmitRejectsWhenQueueIsFull(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxQueueSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	other := testutil.AddStudent(t, h.store, "student-2")

	_, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)

	_, err = h.queue.Submit(ctx, h.task(other))
	assert.ErrorIs(t, err, ErrQueueFull)

	n, err := h.store.CountSessionRequests(ctx, "session-1", model.ActiveRequestStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a rejected request is not persisted")
}

func TestSubmitRejectsOverThreshold(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxNumberOfRuns = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	require.NoError(t, h.queue.Execute(ctx, req.ID))

	_, err = h.queue.Submit(ctx, h.task(h.fixture.Student))
	assert.ErrorIs(t, err, ErrThresholdExceeded)
}

func TestSubmitRejectsDuplicateInFlight(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	_, err = h.queue.Submit(ctx, h.task(h.fixture.Student))
	assert.ErrorIs(t, err, ErrAlreadyInQueue)
}

func TestSubmissionIsGradedOnce(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	submission := func() *model.Request {
		r := h.task(h.fixture.Student)
		r.RequestKind = model.KindSubmission
		return r
	}

	req, err := h.queue.Submit(ctx, submission())
	require.NoError(t, err)
	require.NoError(t, h.queue.Execute(ctx, req.ID))
	assert.Equal(t, []model.RequestKind{model.KindSubmission}, h.executor.seen)

	_, err = h.queue.Submit(ctx, submission())
	assert.ErrorIs(t, err, ErrAlreadyInQueue)

	_, err = h.queue.Submit(ctx, h.task(h.fixture.Student))
	assert.NoError(t, err, "tasks are counted separately")
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.queue.Submit(ctx, h.task(model.Submitter{}))
	assert.ErrorIs(t, err, ErrNoSubmitter)

	_, err = h.queue.Submit(ctx, h.task(model.Submitter{StudentID: "ghost"}))
	assert.ErrorIs(t, err, store.ErrNotFound)

	req := h.task(h.fixture.Student)
	req.ExerciseID = "missing"
	_, err = h.queue.Submit(ctx, req)
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.queue.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	_, err = h.queue.Submit(ctx, h.task(h.fixture.Student))
	assert.ErrorIs(t, err, ErrSessionInactive)
}

func TestSubmitDropsRequestWhenDispatchFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.dispatcher.err = errors.New("broker stopped")

	_, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.Error(t, err)

	reqs, err := h.store.ListRequests(ctx, "session-1", model.KindTask, h.fixture.Student)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.RequestDropped, reqs[0].Status)
}

func TestConcurrentSubmitsAdmitOnePerSubmitter(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		dupes    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrAlreadyInQueue):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 7, dupes)
}

func TestConcurrentSubmitsRespectCapacity(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxQueueSize = 3
	h := newHarness(t, cfg)
	ctx := context.Background()

	students := make([]model.Submitter, 6)
	for i := range students {
		students[i] = testutil.AddStudent(t, h.store, "s-"+string(rune('a'+i)))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for _, s := range students {
		wg.Add(1)
		go func(s model.Submitter) {
			defer wg.Done()
			_, err := h.queue.Submit(ctx, h.task(s))
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrQueueFull)
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
}

func logMessages(r *model.Request) []string {
	out := make([]string, 0, len(r.Logs))
	for _, l := range r.Logs {
		out = append(out, l.Message)
	}
	return out
}

func TestExecuteRecordsResults(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	require.NoError(t, h.queue.Execute(ctx, req.ID))

	got, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestExecuted, got.Status)
	assert.Equal(t, []string{logStarted, logPulling, logPulled, logExecuting, logCompleted}, logMessages(got))
	require.Len(t, got.Results, 1)
	assert.Equal(t, "120\n", *got.Results[0].Stdout)
	assert.Equal(t, "tc-1", *got.Results[0].TestCaseID)

	require.NotNil(t, h.events.last)
	assert.Equal(t, model.RequestExecuted, h.events.last.Status)
}

func TestExecuteDropsOnPullFailure(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.puller.err = &coderepo.PullError{ExerciseID: "exercise-1", SessionID: "session-1", Message: "unexpected status 502"}

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	require.NoError(t, h.queue.Execute(ctx, req.ID))

	got, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDropped, got.Status)
	assert.Equal(t, []string{logStarted, logPulling, logPullFailed}, logMessages(got))
	assert.Empty(t, h.executor.seen, "nothing runs without code")
}

func TestExecuteDropsOnExecutionFailure(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.executor.err = &resource.ExecutionFailedError{Message: "container build failed"}

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	require.NoError(t, h.queue.Execute(ctx, req.ID))

	got, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDropped, got.Status)
	msgs := logMessages(got)
	assert.Equal(t, logExecuteFailed+"container build failed", msgs[len(msgs)-1])
	assert.Empty(t, got.Results)
}

func TestExecuteIgnoresRequestsNoLongerQueued(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	_, err = h.queue.Cancel(ctx, "session-1", model.KindTask, req.ID, h.fixture.Student)
	require.NoError(t, err)

	require.NoError(t, h.queue.Execute(ctx, req.ID))
	assert.Empty(t, h.executor.seen)

	got, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, got.Status)
}

func TestCancelQueuedRequest(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)

	got, err := h.queue.Cancel(ctx, "session-1", model.KindTask, req.ID, h.fixture.Student)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, got.Status)
	assert.Equal(t, []string{logCancelled}, logMessages(got))
	assert.Equal(t, []string{req.JobID}, h.dispatcher.revoked)

	_, err = h.queue.Cancel(ctx, "session-1", model.KindTask, req.ID, h.fixture.Student)
	assert.ErrorIs(t, err, ErrNotQueued, "cancelling twice is a well-defined rejection")

	again, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, again.Status)
	assert.Len(t, again.Logs, 1)

	_, err = h.queue.Submit(ctx, h.task(h.fixture.Student))
	assert.NoError(t, err, "a cancelled request frees the slot")
}

func TestCancelWhileExecutingLeavesStatus(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	moved, err := h.store.TransitionRequest(ctx, req.ID, model.RequestExecuting, model.RequestQueued)
	require.NoError(t, err)
	require.True(t, moved)

	_, err = h.queue.Cancel(ctx, "session-1", model.KindTask, req.ID, h.fixture.Student)
	assert.ErrorIs(t, err, ErrNotQueued)

	got, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestExecuting, got.Status)
	assert.Empty(t, h.dispatcher.revoked)
}

func TestGetChecksOwnership(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	other := testutil.AddStudent(t, h.store, "student-2")

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)

	_, err = h.queue.Get(ctx, "session-1", model.KindTask, req.ID, other)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.queue.Get(ctx, "other-session", model.KindTask, req.ID, h.fixture.Student)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.queue.Cancel(ctx, "session-1", model.KindTask, req.ID, other)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.queue.Get(ctx, "session-1", model.KindSubmission, req.ID, h.fixture.Student)
	assert.ErrorIs(t, err, store.ErrNotFound, "a task is not reachable as a submission")
	_, err = h.queue.Cancel(ctx, "session-1", model.KindSubmission, req.ID, h.fixture.Student)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := h.queue.Get(ctx, "session-1", model.KindTask, req.ID, h.fixture.Student)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	list, err := h.queue.List(ctx, "session-1", model.KindTask, h.fixture.Student)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func runBroker(b *jobs.Broker) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRegisteredJobRunsRequest(t *testing.T) {
	h := newHarness(t, defaultConfig())
	broker := jobs.NewBroker(1, nil)
	h.queue.Register(broker)
	h.queue.dispatcher = broker
	h.queue.delay = 0
	defer runBroker(broker)()

	req, err := h.queue.Submit(context.Background(), h.task(h.fixture.Student))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := h.store.GetRequest(context.Background(), req.ID)
		return err == nil && got.Status == model.RequestExecuted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteDiscardsResultsWhenRequestMovedAway(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	req, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	h.executor.during = func() {
		moved, err := h.store.TransitionRequest(ctx, req.ID, model.RequestDropped, model.RequestExecuting)
		require.NoError(t, err)
		require.True(t, moved)
	}

	require.NoError(t, h.queue.Execute(ctx, req.ID))

	got, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDropped, got.Status)
	assert.Empty(t, got.Results)
	assert.NotContains(t, logMessages(got), logCompleted)
}

func TestRecoverAfterRestart(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	first := jobs.NewBroker(1, nil)
	h.queue.Register(first)
	h.queue.dispatcher = first
	h.queue.delay = 200 * time.Millisecond
	stop := runBroker(first)

	pending, err := h.queue.Submit(ctx, h.task(h.fixture.Student))
	require.NoError(t, err)
	other := testutil.AddStudent(t, h.store, "student-2")
	running, err := h.queue.Submit(ctx, h.task(other))
	require.NoError(t, err)
	moved, err := h.store.TransitionRequest(ctx, running.ID, model.RequestExecuting, model.RequestQueued)
	require.NoError(t, err)
	require.True(t, moved)
	stop()

	got, err := h.store.GetRequest(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, model.RequestQueued, got.Status, "delayed job was lost with the broker")

	second := jobs.NewBroker(1, nil)
	restarted := New(h.store, second, h.puller, h.executor, 0, nil)
	restarted.Register(second)
	require.NoError(t, restarted.Recover(ctx))
	defer runBroker(second)()

	assert.Eventually(t, func() bool {
		got, err := h.store.GetRequest(ctx, pending.ID)
		return err == nil && got.Status == model.RequestExecuted
	}, 2*time.Second, 10*time.Millisecond)

	got, err = h.store.GetRequest(ctx, pending.ID)
	require.NoError(t, err)
	assert.NotEqual(t, pending.JobID, got.JobID)

	interrupted, err := h.store.GetRequest(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestDropped, interrupted.Status)
	assert.Contains(t, logMessages(interrupted), logInterrupted)

	_, err = restarted.Submit(ctx, h.task(h.fixture.Student))
	assert.NoError(t, err)
	_, err = restarted.Submit(ctx, h.task(other))
	assert.NoError(t, err)
}
