package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
	"github.com/namnv2496/go-codelab/internal/testutil"
)

func TestMigrateIsIdempotent(t *testing.T) {
	s := testutil.CreateTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestImageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testutil.CreateTestStore(t)

	img := &model.LanguageImage{
		ID:               "img-1",
		Name:             "python",
		BaseImage:        "python:3.12-alpine",
		FileExtension:    "py",
		ExecutionCommand: "python <filename>",
		Status:           model.ImageCreated,
	}
	require.NoError(t, s.CreateImage(ctx, img))

	img.Status = model.ImageBuildFailed
	img.FailureMessage = "no such image"
	require.NoError(t, s.SaveImage(ctx, img))

	got, err := s.GetImage(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, model.ImageBuildFailed, got.Status)
	assert.Equal(t, "no such image", got.FailureMessage)

	n, err := s.CountImages(ctx, model.ImageBuilding, model.ImageTesting)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.DeleteImage(ctx, "img-1"))
	_, err = s.GetImage(ctx, "img-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestOldestScheduledImage(t *testing.T) {
	ctx := context.Background()
	s := testutil.CreateTestStore(t)

	_, err := s.OldestScheduledImage(ctx)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateImage(ctx, &model.LanguageImage{
			ID: id, Name: id, BaseImage: "alpine", FileExtension: "sh",
			ExecutionCommand: "sh <filename>", Status: model.ImageScheduledForRebuild,
		}))
		time.Sleep(2 * time.Millisecond)
	}

	first, err := s.OldestScheduledImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)

	// touching the head moves it to the back
	require.NoError(t, s.SaveImage(ctx, first))
	next, err := s.OldestScheduledImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	changed, err := s.ScheduleAllForPrune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), changed)
}

func TestRequestTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	s := testutil.CreateTestStore(t)
	fx := testutil.SeedSession(t, s, model.ResourceConfiguration{MaxQueueSize: 2, MaxNumberOfRuns: 5},
		model.TestCase{ID: "tc-1", Input: "5\n", ExpectedOutput: "120", Visible: true})

	req := &model.Request{
		ID:            "req-1",
		RequestKind:   model.KindTask,
		SessionID:     fx.Session.ID,
		ExerciseID:    fx.Exercise.ID,
		Submitter:     fx.Student,
		EntryFilePath: "main.py",
		Status:        model.RequestQueued,
	}
	require.NoError(t, s.InsertRequest(ctx, req))

	ok, err := s.TransitionRequest(ctx, req.ID, model.RequestExecuting, model.RequestQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionRequest(ctx, req.ID, model.RequestCancelled, model.RequestQueued)
	require.NoError(t, err)
	assert.False(t, ok, "executing requests cannot be cancelled")

	_, err = s.AppendLog(ctx, req.ID, "Execution started.")
	require.NoError(t, err)
	require.NoError(t, s.SaveResults(ctx, req.ID, []model.DatabaseExecutionResult{{
		ExecutionResult:   model.ExecutionResult{ExitCode: 0, Stdout: model.Ptr("120\n"), Success: true},
		State:             model.StateSuccess,
		ExpendedTime:      150 * time.Millisecond,
		TestCaseID:        model.Ptr("tc-1"),
		FailedCompilation: model.Ptr(false),
	}}))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestExecuting, got.Status)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "Execution started.", got.Logs[0].Message)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "120\n", *got.Results[0].Stdout)
	assert.Nil(t, got.Results[0].Stderr)
	assert.Equal(t, 150*time.Millisecond, got.Results[0].ExpendedTime)
	assert.False(t, *got.Results[0].FailedCompilation)

	active, err := s.CountSessionRequests(ctx, fx.Session.ID, model.ActiveRequestStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	total, err := s.CountSubmitterRequests(ctx, fx.Session.ID, model.KindTask, fx.Student)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := testutil.CreateTestStore(t)

	err := s.InTx(ctx, func(q *store.Queries) error {
		require.NoError(t, q.CreateStudent(ctx, "s-1", "ctr"))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.SubmitterContainer(ctx, model.Submitter{StudentID: "s-1"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestActiveJobRecordByKeyAndName(t *testing.T) {
	ctx := context.Background()
	s := testutil.CreateTestStore(t)

	require.NoError(t, s.InsertJobRecord(ctx, &model.QueuedJobRecord{
		ID: "j1", JobName: "images.build", ConcurrencyKey: "images", PreventConcurrency: true, Status: model.JobStarted,
	}))
	require.NoError(t, s.InsertJobRecord(ctx, &model.QueuedJobRecord{
		ID: "j2", JobName: "containers.prune", Status: model.JobInProgress,
	}))

	byKey, err := s.ActiveJobRecord(ctx, "images", "")
	require.NoError(t, err)
	assert.Equal(t, "j1", byKey.ID)

	byName, err := s.ActiveJobRecord(ctx, "", "containers.prune")
	require.NoError(t, err)
	assert.Equal(t, "j2", byName.ID)

	now := time.Now()
	byName.Status = model.JobCompleted
	byName.CompletedAt = &now
	require.NoError(t, s.UpdateJobRecord(ctx, byName))

	_, err = s.ActiveJobRecord(ctx, "", "containers.prune")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	got, err := s.GetJobRecord(ctx, "j2")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}
