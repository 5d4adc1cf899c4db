package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/engine"
	"github.com/namnv2496/go-codelab/internal/executor/engine/enginetest"
	"github.com/namnv2496/go-codelab/internal/model"
)

func testSpec() Spec {
	return Spec{
		Image:    "codelab-python",
		Name:     "ctr-student-1",
		MountDir: "/srv/testing/session-1/student-1",
		Workdir:  "/student-1",
		Profile:  model.DefaultContainerProfile(),
		Label:    LabelTest,
	}
}

func TestCreateOrReuseRequiresMountAndWorkdir(t *testing.T) {
	o := NewOrchestrator(enginetest.New(), nil)

	spec := testSpec()
	spec.MountDir = ""
	_, err := o.CreateOrReuse(context.Background(), spec)
	assert.True(t, errors.Is(err, ErrMissingMount))

	spec = testSpec()
	spec.Workdir = ""
	_, err = o.CreateOrReuse(context.Background(), spec)
	assert.True(t, errors.Is(err, ErrMissingMount))
}

func TestCreateOrReuseAppliesProfile(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("codelab-python")
	o := NewOrchestrator(fake, nil)

	spec := testSpec()
	spec.Profile.EnableNetwork = false
	h, err := o.CreateOrReuse(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "ctr-student-1", h.Name)
	assert.Equal(t, "/student-1", h.Workdir)

	c, ok := fake.Container(h.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"/srv/testing/session-1/student-1:/student-1:rw"}, c.Spec.Binds)
	assert.Equal(t, DefaultCommand, c.Spec.Cmd)
	assert.Equal(t, LabelTest, c.Spec.Labels[engine.LabelKey])
	assert.True(t, c.Spec.NetworkDisabled)
	assert.Len(t, c.Spec.Ulimits, 6)
}

func TestCreateOrReuseFallsBackToExisting(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("codelab-python")
	o := NewOrchestrator(fake, nil)

	first, err := o.CreateOrReuse(context.Background(), testSpec())
	require.NoError(t, err)

	second, err := o.CreateOrReuse(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "/student-1", second.Workdir)
}

func TestCreateOrReuseSurfacesCreationError(t *testing.T) {
	o := NewOrchestrator(enginetest.New(), nil)

	_, err := o.CreateOrReuse(context.Background(), testSpec())
	require.Error(t, err)

	var buildErr *BuildFailedError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, BuildFailedExitCode, buildErr.ExitCode)
	assert.Contains(t, buildErr.Message, "No such image")
}

func TestGetReturnsNotFound(t *testing.T) {
	o := NewOrchestrator(enginetest.New(), nil)

	_, err := o.Get(context.Background(), "missing")
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestPruneByLabel(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("codelab-python")
	o := NewOrchestrator(fake, nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		spec := testSpec()
		spec.Name = name
		_, err := o.CreateOrReuse(ctx, spec)
		require.NoError(t, err)
	}
	spec := testSpec()
	spec.Name = "submission-a"
	spec.Label = LabelSubmission
	_, err := o.CreateOrReuse(ctx, spec)
	require.NoError(t, err)

	n, err := o.PruneByLabel(ctx, LabelTest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := fake.Container("submission-a")
	assert.True(t, ok)
}

func TestUlimitsUseEngineUnits(t *testing.T) {
	p := model.DefaultContainerProfile()
	limits := map[string][2]int64{}
	for _, u := range Ulimits(p) {
		limits[u.Name] = [2]int64{u.Soft, u.Hard}
	}

	assert.Equal(t, [2]int64{300, 300}, limits["cpu"])
	assert.Equal(t, [2]int64{104800 * 1024, 104800 * 1024}, limits["as"])
	assert.Equal(t, [2]int64{50, 50}, limits["nproc"])
	assert.Equal(t, [2]int64{1024, 4096}, limits["nofile"])
	assert.Equal(t, [2]int64{8192 * 1024, 8192 * 1024}, limits["stack"])
	assert.Contains(t, FormatLimits(p), "cpu=300s")
}
