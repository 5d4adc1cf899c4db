package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/logger"
)

// Docker drives a local Docker daemon.
type Docker struct {
	cli *client.Client
	log *zap.SugaredLogger
}

// NewDocker connects using the DOCKER_* environment and negotiates the API
// version with the daemon.
func NewDocker(log *zap.SugaredLogger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return &Docker{cli: cli, log: logger.Named(log, "docker")}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return classify(err, "ping daemon")
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		Labels:          spec.Labels,
		NetworkDisabled: spec.NetworkDisabled,
	}, &container.HostConfig{
		Binds: spec.Binds,
		Resources: container.Resources{
			Ulimits: spec.Ulimits,
		},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", classify(err, "create container "+spec.Name)
	}
	for _, w := range resp.Warnings {
		d.log.Warnw("Container create warning", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

func (d *Docker) InspectContainer(ctx context.Context, nameOrID string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return ContainerState{}, classify(err, "inspect container "+nameOrID)
	}
	state := ContainerState{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.Config != nil {
		state.Labels = info.Config.Labels
	}
	if info.State != nil {
		state.Running = info.State.Running
		state.StartedAt = parseTime(info.State.StartedAt)
	}
	return state, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	return classify(d.cli.ContainerStart(ctx, id, container.StartOptions{}), "start container "+id)
}

func (d *Docker) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	return classify(d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}), "stop container "+id)
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	return classify(err, "remove container "+id)
}

func (d *Docker) ListContainers(ctx context.Context, label string) ([]ContainerState, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelKey+"="+label)),
	})
	if err != nil {
		return nil, classify(err, "list containers")
	}
	states := make([]ContainerState, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		states = append(states, ContainerState{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return states, nil
}

// Exec runs a command in a running container and returns its separated
// output. Cancelling ctx closes the attached stream and returns ctx.Err().
func (d *Docker) Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          req.Cmd,
		WorkingDir:   req.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classify(err, "create exec")
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, classify(err, "attach exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return ExecResult{}, errors.Mark(errors.Wrap(err, "read exec output"), ErrAPI)
		}
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	// the stream can close a moment before the daemon records the exit code
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return ExecResult{}, classify(err, "inspect exec")
		}
		if !inspect.Running {
			return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Docker) BuildImage(ctx context.Context, req BuildRequest) (BuildResult, error) {
	buildCtx, err := buildContext(req.Dockerfile)
	if err != nil {
		return BuildResult{}, err
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  "Dockerfile",
		PullParent:  true,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return BuildResult{}, classify(err, "build image "+req.Tag)
	}
	defer resp.Body.Close()

	logs, err := decodeBuildStream(resp.Body)
	return BuildResult{Logs: logs}, err
}

func (d *Docker) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	info, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ImageInfo{}, classify(err, "inspect image "+ref)
	}
	return ImageInfo{
		ID:           info.ID,
		Size:         info.Size,
		Architecture: info.Architecture,
		Created:      parseTime(info.Created),
	}, nil
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	return classify(err, "remove image "+ref)
}

// buildContext packs a single Dockerfile into the tar stream ImageBuild expects.
func buildContext(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Now(),
	}); err != nil {
		return nil, errors.Wrap(err, "write build context header")
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, errors.Wrap(err, "write build context")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close build context")
	}
	return &buf, nil
}

// decodeBuildStream collects the stream lines of a build response and turns
// an error message in the stream into an ErrAPI error.
func decodeBuildStream(r io.Reader) (string, error) {
	var logs strings.Builder
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return logs.String(), nil
			}
			return logs.String(), errors.Mark(errors.Wrap(err, "decode build output"), ErrAPI)
		}
		if msg.Error != nil {
			return logs.String(), errors.Mark(errors.New(msg.Error.Message), ErrAPI)
		}
		if msg.ErrorMessage != "" {
			return logs.String(), errors.Mark(errors.New(msg.ErrorMessage), ErrAPI)
		}
		logs.WriteString(msg.Stream)
	}
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return errors.Mark(errors.Wrap(err, op), ErrNotFound)
	}
	return errors.Mark(errors.Wrap(err, op), ErrAPI)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
