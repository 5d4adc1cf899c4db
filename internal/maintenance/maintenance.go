// Package maintenance runs the background image jobs: builds, the
// scheduled prune/rebuild/delete actions, recovery of hung builds and
// pruning of idle sandbox containers.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/catalog"
	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/container"
	"github.com/namnv2496/go-codelab/internal/executor/image"
	"github.com/namnv2496/go-codelab/internal/jobs"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
)

const (
	CleanupHungJob      = "images.cleanup_hung"
	ScheduledActionsJob = "images.scheduled_actions"
	PruneJob            = "containers.prune"
)

const (
	hungBuildMessage   = "Build failed for unhandled reasons. Please reach out to the developers."
	hungTestingMessage = "Testing failed catastrophically: container crashed during testing."
)

// PrunedLabels are the sandbox kinds removed by the prune pass.
var PrunedLabels = []string{container.LabelTest, container.LabelSubmission, container.LabelBuild}

type Images interface {
	Build(ctx context.Context, imageID string) error
	Remove(ctx context.Context, img *model.LanguageImage) bool
}

type Pruner interface {
	PruneByLabel(ctx context.Context, label string) (int, error)
}

// Locks tells whether a concurrency group has an active job.
type Locks interface {
	Busy(ctx context.Context, key string) (bool, error)
}

type Dispatcher interface {
	Enqueue(ctx context.Context, name string, args jobs.Args) (string, error)
}

type Maintainer struct {
	store      *store.Store
	images     Images
	pruner     Pruner
	locks      Locks
	dispatcher Dispatcher
	publisher  image.Publisher
	hungAfter  time.Duration
	now        func() time.Time
	log        *zap.SugaredLogger
}

func New(s *store.Store, images Images, pruner Pruner, locks Locks, hungAfter time.Duration, log *zap.SugaredLogger) *Maintainer {
	return &Maintainer{
		store:     s,
		images:    images,
		pruner:    pruner,
		locks:     locks,
		hungAfter: hungAfter,
		now:       time.Now,
		log:       logger.Named(log, "maintenance"),
	}
}

func (m *Maintainer) SetPublisher(p image.Publisher) {
	m.publisher = p
}

// Register binds every maintenance job to b and, when interval is positive,
// schedules the periodic passes. b also becomes the dispatcher for rebuilds.
func (m *Maintainer) Register(b *jobs.Broker, interval time.Duration) {
	m.dispatcher = b

	b.Register(catalog.BuildJob, func(ctx context.Context, msg *jobs.Message) error {
		return m.Build(ctx, msg.Args["image_id"])
	}, jobs.WithConcurrencyKey(catalog.BuildJob), jobs.PreventConcurrency())
	b.Register(PruneJob, func(ctx context.Context, _ *jobs.Message) error {
		return m.PruneContainers(ctx)
	}, jobs.WithConcurrencyKey(PruneJob), jobs.PreventConcurrency())
	b.Register(CleanupHungJob, func(ctx context.Context, _ *jobs.Message) error {
		return m.CleanupHung(ctx)
	}, jobs.PreventConcurrency())
	b.Register(ScheduledActionsJob, func(ctx context.Context, _ *jobs.Message) error {
		return m.ScheduledActions(ctx)
	}, jobs.PreventConcurrency())

	if interval <= 0 {
		return
	}
	b.Every(interval, CleanupHungJob, nil)
	b.Every(interval, ScheduledActionsJob, nil)
	b.Every(interval, PruneJob, nil)
}

// Build runs the image build unless the prune pass is active, in which case
// the image is left for the next scheduled-actions pass.
func (m *Maintainer) Build(ctx context.Context, imageID string) error {
	busy, err := m.busy(ctx, PruneJob)
	if err != nil {
		return err
	}
	if !busy {
		return m.images.Build(ctx, imageID)
	}

	img, err := m.store.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	img.Status = model.ImageScheduledForRebuild
	if err := m.save(ctx, img); err != nil {
		return err
	}
	m.log.Infow("Container prune in progress, build deferred", "image_id", imageID)
	return nil
}

// CleanupHung fails images stuck building or testing for longer than the
// hung threshold.
func (m *Maintainer) CleanupHung(ctx context.Context) error {
	busy, err := m.busy(ctx, catalog.BuildJob)
	if err != nil || busy {
		return err
	}

	cutoff := m.now().Add(-m.hungAfter)
	for _, stage := range []struct {
		from    model.ImageStatus
		to      model.ImageStatus
		message string
	}{
		{model.ImageBuilding, model.ImageBuildFailed, hungBuildMessage},
		{model.ImageTesting, model.ImageTestingFailed, hungTestingMessage},
	} {
		stale, err := m.store.StaleImages(ctx, stage.from, cutoff)
		if err != nil {
			return err
		}
		for _, img := range stale {
			img.Fail(stage.to, stage.message)
			if err := m.save(ctx, img); err != nil {
				return err
			}
			m.log.Warnw("Recovered hung image", "image_id", img.ID, "from", stage.from, "status", stage.to)
		}
	}
	return nil
}

// ScheduledActions carries out the pending action of the scheduled image
// touched least recently. Its updated_at is bumped first so a failing image
// does not starve the others.
func (m *Maintainer) ScheduledActions(ctx context.Context) error {
	img, err := m.store.OldestScheduledImage(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.store.SaveImage(ctx, img); err != nil {
		return err
	}

	log := m.log.With("image_id", img.ID, "status", img.Status)
	switch img.Status {
	case model.ImageScheduledForRebuild:
		jobID, err := m.dispatcher.Enqueue(ctx, catalog.BuildJob, jobs.Args{"image_id": img.ID})
		if errors.Is(err, jobs.ErrRejected) {
			log.Infow("Build slot busy, retrying next pass")
			return nil
		}
		if err != nil {
			return err
		}
		log.Infow("Scheduled rebuild dispatched", "job_id", jobID)

	case model.ImageScheduledForDeletion:
		if !m.images.Remove(ctx, img) {
			log.Warnw("Image removal failed, retrying next pass")
			return nil
		}
		if err := m.store.DeleteImage(ctx, img.ID); err != nil {
			return err
		}
		log.Infow("Image deleted")
		img.Status = model.ImageUnavailable
		m.publish(img)

	case model.ImageScheduledForPrune:
		if !m.images.Remove(ctx, img) {
			log.Warnw("Image removal failed, retrying next pass")
			return nil
		}
		img.Status = model.ImageUnavailable
		if err := m.save(ctx, img); err != nil {
			return err
		}
		log.Infow("Image pruned")
	}
	return nil
}

// PruneContainers removes every sandbox container while no session is
// running and no build is using the engine.
func (m *Maintainer) PruneContainers(ctx context.Context) error {
	active, err := m.store.AnySessionActive(ctx, m.now())
	if err != nil {
		return err
	}
	if active {
		m.log.Debugw("Session active, skipping container prune")
		return nil
	}
	busy, err := m.busy(ctx, catalog.BuildJob)
	if err != nil || busy {
		return err
	}

	total := 0
	for _, label := range PrunedLabels {
		n, err := m.pruner.PruneByLabel(ctx, label)
		if err != nil {
			return errors.Wrapf(err, "prune %s containers", label)
		}
		total += n
	}
	if total > 0 {
		m.log.Infow("Pruned sandbox containers", "count", total)
	}
	return nil
}

func (m *Maintainer) busy(ctx context.Context, key string) (bool, error) {
	busy, err := m.locks.Busy(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "check %s", key)
	}
	return busy, nil
}

func (m *Maintainer) save(ctx context.Context, img *model.LanguageImage) error {
	if err := m.store.SaveImage(ctx, img); err != nil {
		return err
	}
	m.publish(img)
	return nil
}

func (m *Maintainer) publish(img *model.LanguageImage) {
	if m.publisher != nil {
		m.publisher.Publish(image.Room, "image_status", img)
	}
}
