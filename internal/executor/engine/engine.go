// Package engine is the narrow view of the container engine the sandbox
// pipeline drives. Docker implements it on top of the Docker SDK; tests use
// in-memory fakes.
package engine

import (
	"context"
	"time"

	"github.com/docker/go-units"

	"github.com/namnv2496/go-codelab/internal/errors"
)

var (
	// ErrNotFound marks lookups of containers or images the engine does not know.
	ErrNotFound = errors.New("engine: not found")
	// ErrAPI marks failures of the engine API itself.
	ErrAPI = errors.New("engine: api error")
)

type Engine interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	InspectContainer(ctx context.Context, nameOrID string) (ContainerState, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, label string) ([]ContainerState, error)
	Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error)

	BuildImage(ctx context.Context, req BuildRequest) (BuildResult, error)
	InspectImage(ctx context.Context, ref string) (ImageInfo, error)
	RemoveImage(ctx context.Context, ref string) error
}

type ContainerSpec struct {
	Name            string
	Image           string
	Cmd             []string
	WorkingDir      string
	Binds           []string
	Labels          map[string]string
	NetworkDisabled bool
	Ulimits         []*units.Ulimit
}

type ContainerState struct {
	ID        string
	Name      string
	Running   bool
	StartedAt time.Time
	Labels    map[string]string
}

type ExecRequest struct {
	Cmd        []string
	WorkingDir string
}

// ExecResult carries demultiplexed output of a finished exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type BuildRequest struct {
	Dockerfile string
	Tag        string
}

type BuildResult struct {
	Logs string
}

type ImageInfo struct {
	ID           string
	Size         int64
	Architecture string
	Created      time.Time
}

// LabelKey is the label every sandbox container carries.
const LabelKey = "codelab.kind"
