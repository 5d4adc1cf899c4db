package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/command"
	"github.com/namnv2496/go-codelab/internal/executor/container"
	"github.com/namnv2496/go-codelab/internal/executor/engine"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/metrics"
	"github.com/namnv2496/go-codelab/internal/model"
)

type Store interface {
	GetImage(ctx context.Context, id string) (*model.LanguageImage, error)
	SaveImage(ctx context.Context, img *model.LanguageImage) error
}

type Sandboxes interface {
	CreateOrReuse(ctx context.Context, spec container.Spec) (*container.Handle, error)
	Remove(ctx context.Context, id string) error
}

type Runner interface {
	Run(ctx context.Context, h *container.Handle, cmd string, opts command.Options) (*model.DatabaseExecutionResult, error)
}

// Publisher receives every image status change.
type Publisher interface {
	Publish(room, kind string, payload any)
}

// Room is the websocket room image updates are published to.
const Room = "images"

// Pipeline drives a language image through build, self-test and removal.
type Pipeline struct {
	engine    engine.Engine
	sandboxes Sandboxes
	runner    Runner
	images    Store
	publisher Publisher
	imagesDir string
	log       *zap.SugaredLogger
}

func NewPipeline(eng engine.Engine, sandboxes Sandboxes, runner Runner, images Store, imagesDir string, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		engine:    eng,
		sandboxes: sandboxes,
		runner:    runner,
		images:    images,
		imagesDir: imagesDir,
		log:       logger.Named(log, "image"),
	}
}

func (p *Pipeline) SetPublisher(pub Publisher) {
	p.publisher = pub
}

// Build builds the image and, when requested, self-tests it. Build and test
// failures are recorded on the image; the returned error is reserved for
// failures to load or persist it.
func (p *Pipeline) Build(ctx context.Context, imageID string) error {
	img, err := p.images.GetImage(ctx, imageID)
	if err != nil {
		return err
	}

	img.Status = model.ImageBuilding
	img.FailureMessage = ""
	if err := p.save(ctx, img); err != nil {
		return err
	}
	p.log.Infow("Building image", "image_id", img.ID, "base_image", img.BaseImage)

	res, err := p.engine.BuildImage(ctx, engine.BuildRequest{Dockerfile: Manifest(img), Tag: img.Tag()})
	img.BuildLogs = res.Logs
	if err == nil {
		var info engine.ImageInfo
		info, err = p.engine.InspectImage(ctx, img.Tag())
		img.DockerImageID = info.ID
		img.ImageSize = FormatSize(info.Size)
		img.Architecture = info.Architecture
	}
	if err != nil {
		p.log.Errorw("Image build failed", "image_id", img.ID, "error", err)
		img.Fail(model.ImageBuildFailed, err.Error())
		metrics.ImageBuilds.WithLabelValues(string(img.Status)).Inc()
		return p.save(ctx, img)
	}

	img.Status = model.ImageBuildSucceeded
	if err := p.save(ctx, img); err != nil {
		return err
	}

	if img.TestBuild {
		err = p.Test(ctx, img)
	} else {
		img.Status = model.ImageAvailable
		err = p.save(ctx, img)
	}
	metrics.ImageBuilds.WithLabelValues(string(img.Status)).Inc()
	return err
}

// Test runs the image's self-test program in a throwaway container and
// moves the image to available or testing_failed.
func (p *Pipeline) Test(ctx context.Context, img *model.LanguageImage) error {
	img.Status = model.ImageTesting
	if err := p.save(ctx, img); err != nil {
		return err
	}

	dir := filepath.Join(p.imagesDir, img.ID)
	filename := BuildTestName + "." + img.FileExtension
	if err := writeTestProgram(dir, filename, img.TestProgram); err != nil {
		img.Fail(model.ImageTestingFailed, err.Error())
		return errors.CombineErrors(err, p.save(ctx, img))
	}

	h, err := p.sandboxes.CreateOrReuse(ctx, container.Spec{
		Image:    img.Tag(),
		Name:     "tests-image-" + img.ID,
		MountDir: dir,
		Workdir:  "/" + img.ID,
		Profile:  model.DefaultContainerProfile(),
		Label:    container.LabelBuild,
	})
	if err != nil {
		exitCode := container.BuildFailedExitCode
		var buildErr *container.BuildFailedError
		if errors.As(err, &buildErr) {
			exitCode = buildErr.ExitCode
		}
		img.Fail(model.ImageTestingFailed, fmt.Sprintf("Container creation failed with exit_code %d: %s", exitCode, err))
		return p.save(ctx, img)
	}

	cmds := DeriveCommands(img, filename)
	if img.RequiresCompilation {
		res, err := p.runner.Run(ctx, h, cmds.Compile, command.Options{Compilation: true})
		if err != nil {
			return p.testCrashed(ctx, img, h, err)
		}
		if res.State != model.StateSuccess {
			p.discard(ctx, h)
			img.Fail(model.ImageTestingFailed, failureMessage("Compilation failed", res))
			return p.save(ctx, img)
		}
	}

	res, err := p.runner.Run(ctx, h, cmds.Execute, command.Options{Remove: true})
	if err != nil {
		return p.testCrashed(ctx, img, h, err)
	}
	if res.State != model.StateSuccess {
		img.Fail(model.ImageTestingFailed, failureMessage("Test Program Execution failed", res))
		return p.save(ctx, img)
	}

	img.BuildTestStdout = model.Deref(res.Stdout)
	img.Status = model.ImageAvailable
	p.log.Infow("Image passed self-test", "image_id", img.ID)
	return p.save(ctx, img)
}

// Remove deletes the engine image and its test files. An image the engine
// no longer has counts as removed.
func (p *Pipeline) Remove(ctx context.Context, img *model.LanguageImage) bool {
	err := p.engine.RemoveImage(ctx, img.Tag())
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		p.log.Errorw("Failed to remove image", "image_id", img.ID, "error", err)
		return false
	}
	if err := os.RemoveAll(filepath.Join(p.imagesDir, img.ID)); err != nil {
		p.log.Warnw("Failed to remove image test files", "image_id", img.ID, "error", err)
	}
	p.log.Infow("Image removed", "image_id", img.ID)
	return true
}

func (p *Pipeline) testCrashed(ctx context.Context, img *model.LanguageImage, h *container.Handle, runErr error) error {
	p.discard(ctx, h)
	img.Fail(model.ImageTestingFailed, "Testing failed: "+runErr.Error())
	if err := p.save(ctx, img); err != nil {
		return errors.CombineErrors(runErr, err)
	}
	return errors.Wrapf(runErr, "self-test image %s", img.ID)
}

func (p *Pipeline) discard(ctx context.Context, h *container.Handle) {
	if err := p.sandboxes.Remove(ctx, h.ID); err != nil {
		p.log.Warnw("Failed to remove test container", "container", h.Name, "error", err)
	}
}

func (p *Pipeline) save(ctx context.Context, img *model.LanguageImage) error {
	if err := p.images.SaveImage(ctx, img); err != nil {
		return errors.Wrapf(err, "save image %s", img.ID)
	}
	if p.publisher != nil {
		p.publisher.Publish(Room, "image_status", img)
	}
	return nil
}

func writeTestProgram(dir, filename, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func failureMessage(prefix string, res *model.DatabaseExecutionResult) string {
	return fmt.Sprintf("%s with exit code %d: %s\nResult state: %s\nExpended time: %s\n",
		prefix, res.ExitCode, model.Deref(res.Stderr), res.State, res.ExpendedTime)
}
