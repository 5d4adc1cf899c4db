package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/jobs"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/testutil"
)

type fakeDispatcher struct {
	builds []string
	err    error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, name string, args jobs.Args) (string, error) {
	if d.err != nil {
		return "job-rejected", d.err
	}
	d.builds = append(d.builds, name+":"+args["image_id"])
	return "job-" + args["image_id"], nil
}

func python() *model.LanguageImage {
	return &model.LanguageImage{
		Name:             "python 3.12",
		BaseImage:        "python:3.12-alpine",
		FileExtension:    "py",
		ExecutionCommand: "python3 <filename>",
	}
}

func newCatalog(t *testing.T) (*Catalog, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	return New(testutil.CreateTestStore(t), d, nil), d
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*model.LanguageImage)
		field string
	}{
		{"valid", func(*model.LanguageImage) {}, ""},
		{"non alpine base", func(i *model.LanguageImage) { i.BaseImage = "python:3.12" }, "baseImage"},
		{"execution without filename", func(i *model.LanguageImage) { i.ExecutionCommand = "python3 main.py" }, "executionCommand"},
		{"test build without program", func(i *model.LanguageImage) { i.TestBuild = true }, "testProgram"},
		{"compile without filename", func(i *model.LanguageImage) {
			i.RequiresCompilation = true
			i.CompileCommand = "gcc main.c"
			i.CompileFileExtension = "out"
		}, "compileCommand"},
		{"compile without extension", func(i *model.LanguageImage) {
			i.RequiresCompilation = true
			i.CompileCommand = "gcc <filename> -o <output_filename>"
		}, "compileFileExtension"},
		{"compiled image", func(i *model.LanguageImage) {
			i.RequiresCompilation = true
			i.CompileCommand = "gcc <filename> -o <output_filename>"
			i.CompileFileExtension = "out"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := python()
			tt.edit(img)
			err := Validate(img)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateSchedulesBuild(t *testing.T) {
	c, d := newCatalog(t)
	ctx := context.Background()

	img, err := c.Create(ctx, python())
	require.NoError(t, err)
	assert.NotEmpty(t, img.ID)
	assert.Equal(t, model.ImageCreated, img.Status)
	assert.Equal(t, []string{BuildJob + ":" + img.ID}, d.builds)

	stored, err := c.Get(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageCreated, stored.Status)
}

func TestCreateRejectedWhileBuilding(t *testing.T) {
	c, d := newCatalog(t)
	ctx := context.Background()

	first, err := c.Create(ctx, python())
	require.NoError(t, err)
	first.Status = model.ImageBuilding
	require.NoError(t, c.store.SaveImage(ctx, first))

	_, err = c.Create(ctx, python())
	assert.ErrorIs(t, err, ErrBuildInProgress)
	_, err = c.Rebuild(ctx, first.ID)
	assert.ErrorIs(t, err, ErrBuildInProgress)
	assert.Len(t, d.builds, 1)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateWithBusyBuildSlotDefersToRebuild(t *testing.T) {
	c, d := newCatalog(t)
	d.err = jobs.ErrRejected

	img, err := c.Create(context.Background(), python())
	require.NoError(t, err)
	assert.Equal(t, model.ImageScheduledForRebuild, img.Status)
}

func TestCreateInvalid(t *testing.T) {
	c, d := newCatalog(t)
	img := python()
	img.BaseImage = "ubuntu:24.04"

	_, err := c.Create(context.Background(), img)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, d.builds)
}

func TestUpdateSchedulesRebuildOnlyForBuildInputs(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	img, err := c.Create(ctx, python())
	require.NoError(t, err)
	img.Status = model.ImageAvailable
	require.NoError(t, c.store.SaveImage(ctx, img))

	renamed, err := c.Update(ctx, img.ID, Patch{Name: model.Ptr("python")})
	require.NoError(t, err)
	assert.Equal(t, model.ImageAvailable, renamed.Status)
	assert.Equal(t, "python", renamed.Name)

	same, err := c.Update(ctx, img.ID, Patch{BaseImage: model.Ptr("python:3.12-alpine")})
	require.NoError(t, err)
	assert.Equal(t, model.ImageAvailable, same.Status, "unchanged values do not trigger a rebuild")

	changed, err := c.Update(ctx, img.ID, Patch{EntrypointScript: model.Ptr("pip install numpy")})
	require.NoError(t, err)
	assert.Equal(t, model.ImageScheduledForRebuild, changed.Status)

	_, err = c.Update(ctx, img.ID, Patch{BaseImage: model.Ptr("debian")})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	stored, err := c.Get(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "python:3.12-alpine", stored.BaseImage, "an invalid update is not persisted")
}

func TestDeletionLifecycle(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	img, err := c.Create(ctx, python())
	require.NoError(t, err)

	_, err = c.CancelDeletion(ctx, img.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	deleted, err := c.Delete(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageScheduledForDeletion, deleted.Status)

	restored, err := c.CancelDeletion(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageScheduledForRebuild, restored.Status)
}

func TestPrune(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	a, err := c.Create(ctx, python())
	require.NoError(t, err)
	b, err := c.Create(ctx, python())
	require.NoError(t, err)
	b.Status = model.ImageUnavailable
	require.NoError(t, c.store.SaveImage(ctx, b))

	_, err = c.Prune(ctx, b.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	pruned, err := c.Prune(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageScheduledForPrune, pruned.Status)

	a.Status = model.ImageAvailable
	require.NoError(t, c.store.SaveImage(ctx, a))
	n, err := c.PruneAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	available, err := c.Available(ctx)
	require.NoError(t, err)
	assert.Empty(t, available)
}

func TestAvailable(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	img, err := c.Create(ctx, python())
	require.NoError(t, err)

	available, err := c.Available(ctx)
	require.NoError(t, err)
	assert.Empty(t, available)

	img.Status = model.ImageAvailable
	require.NoError(t, c.store.SaveImage(ctx, img))
	available, err = c.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, img.ID, available[0].ID)
}
