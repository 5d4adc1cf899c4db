// Package catalog holds the admin operations on language images. State
// changes here only schedule work; builds, pruning and deletion are carried
// out by background jobs.
package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/image"
	"github.com/namnv2496/go-codelab/internal/jobs"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
)

// BuildJob builds one image, identified by the "image_id" argument.
const BuildJob = "images.build"

var (
	ErrBuildInProgress = errors.New("an image build is already in progress")
	ErrInvalidState    = errors.New("image is not in a state that allows this action")
)

// ValidationError reports an image definition that cannot be built.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

type Dispatcher interface {
	Enqueue(ctx context.Context, name string, args jobs.Args) (string, error)
}

type Catalog struct {
	store      *store.Store
	dispatcher Dispatcher
	publisher  image.Publisher
	log        *zap.SugaredLogger
}

func New(s *store.Store, dispatcher Dispatcher, log *zap.SugaredLogger) *Catalog {
	return &Catalog{store: s, dispatcher: dispatcher, log: logger.Named(log, "catalog")}
}

func (c *Catalog) SetPublisher(p image.Publisher) {
	c.publisher = p
}

// Validate checks that img describes a buildable image.
func Validate(img *model.LanguageImage) error {
	if strings.TrimSpace(img.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if !strings.Contains(img.BaseImage, "alpine") {
		return &ValidationError{Field: "baseImage", Message: "only alpine based images are supported"}
	}
	if strings.TrimSpace(img.FileExtension) == "" {
		return &ValidationError{Field: "fileExtension", Message: "must not be empty"}
	}
	if !strings.Contains(img.ExecutionCommand, image.FilenamePlaceholder) {
		return &ValidationError{Field: "executionCommand", Message: "must contain " + image.FilenamePlaceholder}
	}
	if img.TestBuild && strings.TrimSpace(img.TestProgram) == "" {
		return &ValidationError{Field: "testProgram", Message: "required when testBuild is set"}
	}
	if img.RequiresCompilation {
		if !strings.Contains(img.CompileCommand, image.FilenamePlaceholder) {
			return &ValidationError{Field: "compileCommand", Message: "must contain " + image.FilenamePlaceholder}
		}
		if strings.TrimSpace(img.CompileFileExtension) == "" {
			return &ValidationError{Field: "compileFileExtension", Message: "required when requiresCompilation is set"}
		}
	}
	return nil
}

// Create persists a new image and schedules its first build.
func (c *Catalog) Create(ctx context.Context, img *model.LanguageImage) (*model.LanguageImage, error) {
	if err := Validate(img); err != nil {
		return nil, err
	}
	err := c.store.InTx(ctx, func(tx *store.Queries) error {
		if err := buildIdle(ctx, tx); err != nil {
			return err
		}
		if img.ID == "" {
			img.ID = uuid.NewString()
		}
		img.Status = model.ImageCreated
		img.FailureMessage, img.BuildLogs, img.BuildTestStdout = "", "", ""
		img.DockerImageID, img.ImageSize, img.Architecture = "", "", ""
		return tx.CreateImage(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	c.log.Infow("Image created", "image_id", img.ID, "name", img.Name)
	c.publish(img)
	return c.scheduleBuild(ctx, img)
}

func (c *Catalog) Get(ctx context.Context, id string) (*model.LanguageImage, error) {
	return c.store.GetImage(ctx, id)
}

func (c *Catalog) List(ctx context.Context) ([]*model.LanguageImage, error) {
	return c.store.ListImages(ctx)
}

// Available lists the images new sessions may use.
func (c *Catalog) Available(ctx context.Context) ([]*model.LanguageImage, error) {
	return c.store.ListImages(ctx, model.ImageAvailable)
}

// Patch is a partial update of an image. Nil fields are left unchanged.
type Patch struct {
	Name                 *string `json:"name"`
	BaseImage            *string `json:"baseImage"`
	FileExtension        *string `json:"fileExtension"`
	RequiresCompilation  *bool   `json:"requiresCompilation"`
	CompileCommand       *string `json:"compileCommand"`
	CompileFileExtension *string `json:"compileFileExtension"`
	ExecutionCommand     *string `json:"executionCommand"`
	EntrypointScript     *string `json:"entrypointScript"`
	TestBuild            *bool   `json:"testBuild"`
	TestProgram          *string `json:"testProgram"`
}

// apply writes p onto img and reports whether a field baked into the built
// image changed.
func (p Patch) apply(img *model.LanguageImage) bool {
	rebuild := false
	set := func(dst *string, v *string, relevant bool) {
		if v != nil && *v != *dst {
			*dst = *v
			rebuild = rebuild || relevant
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil && *v != *dst {
			*dst = *v
			rebuild = true
		}
	}
	set(&img.Name, p.Name, false)
	set(&img.BaseImage, p.BaseImage, true)
	set(&img.FileExtension, p.FileExtension, true)
	setBool(&img.RequiresCompilation, p.RequiresCompilation)
	set(&img.CompileCommand, p.CompileCommand, true)
	set(&img.CompileFileExtension, p.CompileFileExtension, true)
	set(&img.ExecutionCommand, p.ExecutionCommand, true)
	set(&img.EntrypointScript, p.EntrypointScript, true)
	setBool(&img.TestBuild, p.TestBuild)
	set(&img.TestProgram, p.TestProgram, true)
	return rebuild
}

// Update applies patch. Changing anything that ends up in the built image
// schedules a rebuild.
func (c *Catalog) Update(ctx context.Context, id string, patch Patch) (*model.LanguageImage, error) {
	var img *model.LanguageImage
	err := c.store.InTx(ctx, func(tx *store.Queries) error {
		var err error
		if img, err = tx.GetImage(ctx, id); err != nil {
			return err
		}
		if !patch.apply(img) {
			return tx.SaveImage(ctx, img)
		}
		if img.Status.InProgress() {
			return errors.WithDetailf(ErrBuildInProgress, "image %s is %s", id, img.Status)
		}
		if err := Validate(img); err != nil {
			return err
		}
		img.Status = model.ImageScheduledForRebuild
		return tx.SaveImage(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	c.log.Infow("Image updated", "image_id", id, "status", img.Status)
	c.publish(img)
	return img, nil
}

// Delete schedules the image for removal from the engine and the catalog.
func (c *Catalog) Delete(ctx context.Context, id string) (*model.LanguageImage, error) {
	return c.transition(ctx, id, model.ImageScheduledForDeletion, func(img *model.LanguageImage) error {
		if img.Status.InProgress() {
			return errors.WithDetailf(ErrBuildInProgress, "image %s is %s", id, img.Status)
		}
		return nil
	})
}

// CancelDeletion takes back a pending deletion. The image is rebuilt since
// it may already have been removed from the engine.
func (c *Catalog) CancelDeletion(ctx context.Context, id string) (*model.LanguageImage, error) {
	return c.transition(ctx, id, model.ImageScheduledForRebuild, func(img *model.LanguageImage) error {
		if img.Status != model.ImageScheduledForDeletion {
			return errors.WithDetailf(ErrInvalidState, "image %s is %s", id, img.Status)
		}
		return nil
	})
}

// Prune schedules the image to be removed from the engine while its
// record stays in the catalog as unavailable.
func (c *Catalog) Prune(ctx context.Context, id string) (*model.LanguageImage, error) {
	return c.transition(ctx, id, model.ImageScheduledForPrune, func(img *model.LanguageImage) error {
		if img.Status.InProgress() {
			return errors.WithDetailf(ErrBuildInProgress, "image %s is %s", id, img.Status)
		}
		if img.Status == model.ImageUnavailable {
			return errors.WithDetailf(ErrInvalidState, "image %s is already pruned", id)
		}
		return nil
	})
}

// PruneAll schedules every image that is still present for pruning.
func (c *Catalog) PruneAll(ctx context.Context) (int64, error) {
	n, err := c.store.ScheduleAllForPrune(ctx)
	if err != nil {
		return 0, err
	}
	c.log.Infow("Scheduled all images for prune", "count", n)
	return n, nil
}

// Rebuild dispatches a build right away.
func (c *Catalog) Rebuild(ctx context.Context, id string) (*model.LanguageImage, error) {
	var img *model.LanguageImage
	err := c.store.InTx(ctx, func(tx *store.Queries) error {
		if err := buildIdle(ctx, tx); err != nil {
			return err
		}
		var err error
		img, err = tx.GetImage(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.scheduleBuild(ctx, img)
}

// scheduleBuild dispatches the build job. A build refused because another
// one holds the build slot is left to the scheduled-actions pass.
func (c *Catalog) scheduleBuild(ctx context.Context, img *model.LanguageImage) (*model.LanguageImage, error) {
	jobID, err := c.dispatcher.Enqueue(ctx, BuildJob, jobs.Args{"image_id": img.ID})
	if err == nil {
		c.log.Infow("Image build dispatched", "image_id", img.ID, "job_id", jobID)
		return img, nil
	}
	if !errors.Is(err, jobs.ErrRejected) {
		return nil, errors.Wrapf(err, "dispatch build of image %s", img.ID)
	}

	img.Status = model.ImageScheduledForRebuild
	if err := c.store.SaveImage(ctx, img); err != nil {
		return nil, err
	}
	c.log.Infow("Build slot busy, image scheduled for rebuild", "image_id", img.ID, "job_id", jobID)
	c.publish(img)
	return img, nil
}

func (c *Catalog) transition(ctx context.Context, id string, to model.ImageStatus, check func(*model.LanguageImage) error) (*model.LanguageImage, error) {
	var img *model.LanguageImage
	err := c.store.InTx(ctx, func(tx *store.Queries) error {
		var err error
		if img, err = tx.GetImage(ctx, id); err != nil {
			return err
		}
		if err := check(img); err != nil {
			return err
		}
		img.Status = to
		return tx.SaveImage(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	c.log.Infow("Image status changed", "image_id", id, "status", to)
	c.publish(img)
	return img, nil
}

func buildIdle(ctx context.Context, tx *store.Queries) error {
	n, err := tx.CountImages(ctx, model.ImageBuilding, model.ImageTesting)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrBuildInProgress
	}
	return nil
}

func (c *Catalog) publish(img *model.LanguageImage) {
	if c.publisher != nil {
		c.publisher.Publish(image.Room, "image_status", img)
	}
}
