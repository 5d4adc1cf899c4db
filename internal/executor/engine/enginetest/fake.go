// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/engine"
)

type Container struct {
	Spec    engine.ContainerSpec
	ID      string
	Running bool
}

// ExecFunc decides the outcome of an exec. It must honour ctx.
type ExecFunc func(ctx context.Context, c *Container, req engine.ExecRequest) (engine.ExecResult, error)

type Fake struct {
	mu         sync.Mutex
	containers map[string]*Container
	names      map[string]string
	images     map[string]engine.ImageInfo
	nextID     int

	CreateErr      error
	StartErr       error
	BuildErr       error
	BuildLogs      string
	RemoveImageErr error
	// NeverRunning keeps containers reported as stopped after start.
	NeverRunning bool
	OnExec       ExecFunc

	Execs   []engine.ExecRequest
	Stops   []string
	Removed []string
	Builds  []engine.BuildRequest
}

func New() *Fake {
	return &Fake{
		containers: map[string]*Container{},
		names:      map[string]string{},
		images:     map[string]engine.ImageInfo{},
	}
}

// AddImage registers an image reference as present.
func (f *Fake) AddImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = engine.ImageInfo{ID: "sha256:" + ref, Size: 10 << 20, Architecture: "amd64", Created: time.Now()}
}

func (f *Fake) Container(nameOrID string) (*Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(nameOrID)
}

func (f *Fake) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Execs)
}

func (f *Fake) StopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Stops)
}

func (f *Fake) lookup(nameOrID string) (*Container, bool) {
	if id, ok := f.names[nameOrID]; ok {
		nameOrID = id
	}
	c, ok := f.containers[nameOrID]
	return c, ok
}

func (f *Fake) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if _, ok := f.images[spec.Image]; !ok {
		return "", errors.Mark(errors.Newf("No such image: %s", spec.Image), engine.ErrNotFound)
	}
	if _, ok := f.names[spec.Name]; ok && spec.Name != "" {
		return "", errors.Mark(errors.Newf("Conflict. The container name %q is already in use", spec.Name), engine.ErrAPI)
	}
	f.nextID++
	c := &Container{Spec: spec, ID: fmt.Sprintf("c%04d", f.nextID)}
	f.containers[c.ID] = c
	if spec.Name != "" {
		f.names[spec.Name] = c.ID
	}
	return c.ID, nil
}

func (f *Fake) InspectContainer(_ context.Context, nameOrID string) (engine.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(nameOrID)
	if !ok {
		return engine.ContainerState{}, errors.Mark(errors.Newf("No such container: %s", nameOrID), engine.ErrNotFound)
	}
	return engine.ContainerState{ID: c.ID, Name: c.Spec.Name, Running: c.Running, Labels: c.Spec.Labels}, nil
}

func (f *Fake) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.lookup(id)
	if !ok {
		return errors.Mark(errors.Newf("No such container: %s", id), engine.ErrNotFound)
	}
	c.Running = !f.NeverRunning
	return nil
}

func (f *Fake) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stops = append(f.Stops, id)
	if c, ok := f.lookup(id); ok {
		c.Running = false
	}
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return errors.Mark(errors.Newf("No such container: %s", id), engine.ErrNotFound)
	}
	delete(f.containers, c.ID)
	delete(f.names, c.Spec.Name)
	f.Removed = append(f.Removed, c.ID)
	return nil
}

func (f *Fake) ListContainers(_ context.Context, label string) ([]engine.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.ContainerState
	for _, c := range f.containers {
		if c.Spec.Labels[engine.LabelKey] == label {
			out = append(out, engine.ContainerState{ID: c.ID, Name: c.Spec.Name, Running: c.Running, Labels: c.Spec.Labels})
		}
	}
	return out, nil
}

func (f *Fake) Exec(ctx context.Context, id string, req engine.ExecRequest) (engine.ExecResult, error) {
	f.mu.Lock()
	c, ok := f.lookup(id)
	f.Execs = append(f.Execs, req)
	fn := f.OnExec
	f.mu.Unlock()

	if !ok {
		return engine.ExecResult{}, errors.Mark(errors.Newf("No such container: %s", id), engine.ErrNotFound)
	}
	if fn == nil {
		return engine.ExecResult{}, nil
	}
	return fn(ctx, c, req)
}

func (f *Fake) BuildImage(_ context.Context, req engine.BuildRequest) (engine.BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Builds = append(f.Builds, req)
	if f.BuildErr != nil {
		return engine.BuildResult{Logs: f.BuildLogs}, f.BuildErr
	}
	f.images[req.Tag] = engine.ImageInfo{
		ID:           "sha256:" + req.Tag,
		Size:         15 << 20,
		Architecture: "amd64",
		Created:      time.Now(),
	}
	return engine.BuildResult{Logs: f.BuildLogs}, nil
}

func (f *Fake) InspectImage(_ context.Context, ref string) (engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.images[ref]
	if !ok {
		return engine.ImageInfo{}, errors.Mark(errors.Newf("No such image: %s", ref), engine.ErrNotFound)
	}
	return info, nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveImageErr != nil {
		return f.RemoveImageErr
	}
	if _, ok := f.images[ref]; !ok {
		return errors.Mark(errors.Newf("No such image: %s", ref), engine.ErrNotFound)
	}
	delete(f.images, ref)
	return nil
}

var _ engine.Engine = (*Fake)(nil)
