// Package resource turns an execution request into sandbox runs: it
// materializes the code, compiles once and runs every selected test case.
package resource

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/coderepo"
	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/command"
	"github.com/namnv2496/go-codelab/internal/executor/container"
	"github.com/namnv2496/go-codelab/internal/executor/image"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/model"
)

// ExecutionFailedError wraps every failure that prevents a request from
// producing results.
type ExecutionFailedError struct {
	Message string
	cause   error
}

func (e *ExecutionFailedError) Error() string { return e.Message }

func (e *ExecutionFailedError) Unwrap() error { return e.cause }

func failed(err error) error {
	var ef *ExecutionFailedError
	if errors.As(err, &ef) {
		return err
	}
	return &ExecutionFailedError{Message: err.Error(), cause: err}
}

// ErrNoContainer is returned when the submitter has no sandbox assigned.
var ErrNoContainer = errors.New("submitter has no container assigned")

type Catalog interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetExercise(ctx context.Context, sessionID, id string) (*model.Exercise, error)
	GetImage(ctx context.Context, id string) (*model.LanguageImage, error)
}

type Sandboxes interface {
	CreateOrReuse(ctx context.Context, spec container.Spec) (*container.Handle, error)
}

type Runner interface {
	Run(ctx context.Context, h *container.Handle, cmd string, opts command.Options) (*model.DatabaseExecutionResult, error)
}

// MountRoots are the host directories sandbox code is written under.
type MountRoots struct {
	Testing    string
	Submission string
}

func (m MountRoots) forKind(kind model.RequestKind) string {
	if kind == model.KindSubmission {
		return m.Submission
	}
	return m.Testing
}

type Manager struct {
	catalog    Catalog
	sandboxes  Sandboxes
	runner     Runner
	roots      MountRoots
	retryLimit int
	log        *zap.SugaredLogger
}

func NewManager(catalog Catalog, sandboxes Sandboxes, runner Runner, roots MountRoots, retryLimit int, log *zap.SugaredLogger) *Manager {
	return &Manager{
		catalog:    catalog,
		sandboxes:  sandboxes,
		runner:     runner,
		roots:      roots,
		retryLimit: retryLimit,
		log:        logger.Named(log, "resource"),
	}
}

// Execute runs req against repo and returns one result per selected test
// case, or a single unlinked result when the exercise has none. Every
// error is an *ExecutionFailedError.
func (m *Manager) Execute(ctx context.Context, req model.ExecutionRequest, repo *model.CodeRepository) ([]model.DatabaseExecutionResult, error) {
	results, err := m.execute(ctx, req, repo)
	if err != nil {
		return nil, failed(err)
	}
	return results, nil
}

func (m *Manager) execute(ctx context.Context, req model.ExecutionRequest, repo *model.CodeRepository) ([]model.DatabaseExecutionResult, error) {
	base := req.Base()

	session, err := m.catalog.GetSession(ctx, base.SessionID)
	if err != nil {
		return nil, err
	}
	exercise, err := m.catalog.GetExercise(ctx, base.SessionID, base.ExerciseID)
	if err != nil {
		return nil, err
	}
	img, err := m.catalog.GetImage(ctx, session.ImageID)
	if err != nil {
		return nil, err
	}

	if base.Submitter.ContainerID == "" {
		return nil, ErrNoContainer
	}
	owner := base.Submitter.ID()
	mountDir := filepath.Join(m.roots.forKind(req.Kind()), session.ID, owner)
	if err := coderepo.Materialize(mountDir, repo); err != nil {
		return nil, err
	}

	h, err := m.sandboxes.CreateOrReuse(ctx, container.Spec{
		Image:    img.Tag(),
		Name:     req.ContainerName(),
		MountDir: mountDir,
		Workdir:  "/" + owner,
		Profile:  session.Configuration.ContainerProfile(),
		Label:    req.ContainerLabel(),
	})
	if err != nil {
		var buildErr *container.BuildFailedError
		if errors.As(err, &buildErr) {
			m.log.Errorw("Container build failed",
				"request_id", base.ID,
				"exit_code", buildErr.ExitCode,
				"error", buildErr.Message,
			)
			return nil, &ExecutionFailedError{Message: buildErr.Message, cause: err}
		}
		return nil, err
	}

	cases := req.SelectTestCases(exercise.TestCases)
	cmds := image.DeriveCommands(img, base.EntryFilePath)

	if img.RequiresCompilation {
		res, err := m.runner.Run(ctx, h, cmds.Compile, command.Options{Compilation: true, RetryLimit: m.retryLimit})
		if err != nil {
			return nil, err
		}
		if res.State != model.StateSuccess {
			m.log.Infow("Compilation failed",
				"request_id", base.ID,
				"exit_code", res.ExitCode,
				"state", res.State,
			)
			return fanOut(*res, cases), nil
		}
	}

	if len(cases) == 0 {
		res, err := m.runner.Run(ctx, h, cmds.Execute, command.Options{RetryLimit: m.retryLimit})
		if err != nil {
			return nil, err
		}
		return []model.DatabaseExecutionResult{*res}, nil
	}

	results := make([]model.DatabaseExecutionResult, 0, len(cases))
	for _, tc := range cases {
		res, err := m.runner.Run(ctx, h, cmds.Execute, command.Options{
			Stdin:      model.Ptr(tc.Input),
			RetryLimit: m.retryLimit,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, res.ForTestCase(tc.ID))
	}
	return results, nil
}

// fanOut copies a failed compile result onto every test case.
func fanOut(res model.DatabaseExecutionResult, cases []model.TestCase) []model.DatabaseExecutionResult {
	if len(cases) == 0 {
		return []model.DatabaseExecutionResult{res}
	}
	out := make([]model.DatabaseExecutionResult, 0, len(cases))
	for _, tc := range cases {
		out = append(out, res.ForTestCase(tc.ID))
	}
	return out
}
