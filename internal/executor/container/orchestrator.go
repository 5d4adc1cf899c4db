package container

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/engine"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/metrics"
	"github.com/namnv2496/go-codelab/internal/model"
)

// BuildFailedExitCode is reported when the engine refuses to create a
// container, whether the image is missing or the API failed.
const BuildFailedExitCode = -1024

// Labels attached to sandbox containers.
const (
	LabelTest       = "test"
	LabelSubmission = "submission"
	LabelBuild      = "build"
)

// DefaultCommand keeps a sandbox alive so commands can be exec'd into it.
var DefaultCommand = []string{"sleep", "infinity"}

// ErrMissingMount is returned when a spec has no mount or working directory.
var ErrMissingMount = errors.New("mount dir and workdir must be set")

type BuildFailedError struct {
	ExitCode int
	Message  string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("container build failed with exit code %d: %s", e.ExitCode, e.Message)
}

type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return "container not found: " + e.Message
}

// Spec describes the sandbox to create or reuse.
type Spec struct {
	Image    string
	Name     string
	MountDir string
	Workdir  string
	Profile  model.ContainerProfile
	Command  []string
	Label    string
}

// Handle is a created or reused sandbox.
type Handle struct {
	ID      string
	Name    string
	Workdir string
	Profile model.ContainerProfile
}

type Orchestrator struct {
	engine engine.Engine
	log    *zap.SugaredLogger
}

func NewOrchestrator(e engine.Engine, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{engine: e, log: logger.Named(log, "orchestrator")}
}

// CreateOrReuse creates the sandbox described by spec. If creation fails it
// falls back to an existing container with the same name; when that lookup
// also fails the creation error is returned.
func (o *Orchestrator) CreateOrReuse(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.MountDir == "" || spec.Workdir == "" {
		return nil, errors.WithDetailf(ErrMissingMount, "container %s", spec.Name)
	}
	started := time.Now()
	defer func() {
		metrics.ContainerCreationTime.Observe(float64(time.Since(started).Milliseconds()))
	}()

	handle, buildErr := o.create(ctx, spec)
	if buildErr == nil {
		return handle, nil
	}

	handle, err := o.Get(ctx, spec.Name)
	if err != nil {
		o.log.Errorw("Container create and lookup failed",
			"container", spec.Name,
			"exit_code", buildErr.ExitCode,
			"error", buildErr.Message,
		)
		return nil, buildErr
	}
	handle.Workdir = spec.Workdir
	handle.Profile = spec.Profile
	o.log.Debugw("Reusing container", "container", spec.Name, "id", handle.ID)
	return handle, nil
}

// Get looks up an existing container by name or id.
func (o *Orchestrator) Get(ctx context.Context, nameOrID string) (*Handle, error) {
	state, err := o.engine.InspectContainer(ctx, nameOrID)
	if err != nil {
		return nil, &NotFoundError{Message: err.Error()}
	}
	return &Handle{ID: state.ID, Name: state.Name}, nil
}

// Remove force-removes a container. A container that is already gone is not
// an error.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	err := o.engine.RemoveContainer(ctx, id)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	return nil
}

// PruneByLabel removes every container carrying label and returns how many
// were removed.
func (o *Orchestrator) PruneByLabel(ctx context.Context, label string) (int, error) {
	list, err := o.engine.ListContainers(ctx, label)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range list {
		if err := o.Remove(ctx, c.ID); err != nil {
			o.log.Warnw("Failed to prune container", "container", c.Name, "id", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (o *Orchestrator) create(ctx context.Context, spec Spec) (*Handle, *BuildFailedError) {
	cmd := spec.Command
	if len(cmd) == 0 {
		cmd = DefaultCommand
	}
	id, err := o.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:            spec.Name,
		Image:           spec.Image,
		Cmd:             cmd,
		WorkingDir:      spec.Workdir,
		Binds:           []string{fmt.Sprintf("%s:%s:rw", spec.MountDir, spec.Workdir)},
		Labels:          map[string]string{engine.LabelKey: spec.Label},
		NetworkDisabled: !spec.Profile.EnableNetwork,
		Ulimits:         Ulimits(spec.Profile),
	})
	if err != nil {
		return nil, &BuildFailedError{ExitCode: BuildFailedExitCode, Message: err.Error()}
	}
	o.log.Infow("Container created", "container", spec.Name, "id", id, "label", spec.Label)
	return &Handle{ID: id, Name: spec.Name, Workdir: spec.Workdir, Profile: spec.Profile}, nil
}

// Ulimits converts a profile into the kernel limits enforced by the runtime.
// The engine takes cpu in seconds and sizes in bytes.
func Ulimits(p model.ContainerProfile) []*units.Ulimit {
	const kb = 1024
	return []*units.Ulimit{
		{Name: "cpu", Soft: p.CPUTimeLimitSeconds(), Hard: p.CPUTimeLimitSeconds()},
		{Name: "as", Soft: p.MemoryLimitKB * kb, Hard: p.MemoryLimitKB * kb},
		{Name: "nproc", Soft: p.MaxProcesses, Hard: p.MaxProcesses},
		{Name: "fsize", Soft: p.MaxFileSizeKB * kb, Hard: p.MaxFileSizeKB * kb},
		{Name: "nofile", Soft: p.MaxOpenFiles, Hard: p.MaxOpenFilesHard},
		{Name: "stack", Soft: p.StackSizeKB * kb, Hard: p.StackSizeKB * kb},
	}
}

// FormatLimits renders a profile for log lines.
func FormatLimits(p model.ContainerProfile) string {
	return fmt.Sprintf("cpu=%ds mem=%s nproc=%d fsize=%s nofile=%d/%d stack=%s net=%t",
		p.CPUTimeLimitSeconds(),
		units.BytesSize(float64(p.MemoryLimitKB*1024)),
		p.MaxProcesses,
		units.BytesSize(float64(p.MaxFileSizeKB*1024)),
		p.MaxOpenFiles, p.MaxOpenFilesHard,
		units.BytesSize(float64(p.StackSizeKB*1024)),
		p.EnableNetwork,
	)
}
