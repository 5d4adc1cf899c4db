package command

import (
	"context"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/container"
	"github.com/namnv2496/go-codelab/internal/executor/engine"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/metrics"
	"github.com/namnv2496/go-codelab/internal/model"
)

const (
	// ServerErrorExitCode is reported when the engine failed to run the command.
	ServerErrorExitCode = -1
	// TimedOutExitCode is reported when the command hit the wall clock limit.
	TimedOutExitCode = -1
)

// ErrNotRunning is returned when a started container never reports running.
var ErrNotRunning = errors.New("container did not reach running state")

type Options struct {
	Compilation bool
	Stdin       *string
	// RetryLimit is how many more attempts an engine failure may trigger.
	RetryLimit int
	// Remove deletes the container once the final attempt is done.
	Remove bool
}

type Executor struct {
	engine       engine.Engine
	pollInterval time.Duration
	stopTimeout  time.Duration
	log          *zap.SugaredLogger
}

type Option func(*Executor)

func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

func WithStopTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stopTimeout = d }
}

func NewExecutor(eng engine.Engine, log *zap.SugaredLogger, opts ...Option) *Executor {
	e := &Executor{
		engine:       eng,
		pollInterval: 500 * time.Millisecond,
		stopTimeout:  5 * time.Second,
		log:          logger.Named(log, "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes command in the container behind h and returns one result for
// the logical attempt. Engine failures are retried up to opts.RetryLimit
// times; failures to start, stop or remove the container are returned.
func (e *Executor) Run(ctx context.Context, h *container.Handle, command string, opts Options) (*model.DatabaseExecutionResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.attempt(ctx, h, command, opts)
		if err != nil {
			return nil, err
		}
		if res.ServerError && attempt < opts.RetryLimit {
			metrics.ExecutionRetries.Inc()
			e.log.Warnw("Retrying command after engine error",
				"container", h.Name,
				"attempt", attempt+1,
				"retry_limit", opts.RetryLimit,
			)
			continue
		}
		if opts.Remove {
			if err := e.engine.RemoveContainer(ctx, h.ID); err != nil {
				return nil, errors.Wrapf(err, "remove container %s", h.Name)
			}
		}
		return res, nil
	}
}

func (e *Executor) attempt(ctx context.Context, h *container.Handle, command string, opts Options) (*model.DatabaseExecutionResult, error) {
	limit := h.Profile.ExecutionTimeout()
	if limit <= 0 {
		limit = model.DefaultContainerProfile().ExecutionTimeout()
	}

	if err := e.engine.StartContainer(ctx, h.ID); err != nil {
		return nil, errors.Wrapf(err, "start container %s", h.Name)
	}
	if err := e.waitRunning(ctx, h, limit); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	// watchdog: a command still running at the deadline dies with its container
	stopWatchdog := context.AfterFunc(execCtx, func() {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), e.stopTimeout+time.Second)
			defer stopCancel()
			_ = e.engine.StopContainer(stopCtx, h.ID, 0)
		}
	})
	defer stopWatchdog()

	phase := phaseOf(opts)
	started := time.Now()
	out, execErr := e.engine.Exec(execCtx, h.ID, engine.ExecRequest{
		Cmd:        BashCommand(command, opts.Stdin),
		WorkingDir: h.Workdir,
	})
	elapsed := time.Since(started)

	var res *model.DatabaseExecutionResult
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res = timedOut(opts, elapsed)
		e.log.Warnw("Command timed out",
			"container", h.Name,
			"limit", limit,
			"elapsed", elapsed,
		)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case execErr != nil:
		res = serverError(opts, elapsed)
		e.log.Errorw("Engine failed to run command",
			"container", h.Name,
			"phase", phase,
			"error", execErr,
		)
	default:
		res = finished(opts, out, elapsed)
	}

	metrics.ExecutionsTotal.WithLabelValues(phase, string(res.State)).Inc()
	metrics.ExecutionDuration.WithLabelValues(phase).Observe(float64(elapsed.Milliseconds()))

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), e.stopTimeout+5*time.Second)
	defer stopCancel()
	if err := e.engine.StopContainer(stopCtx, h.ID, e.stopTimeout); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return nil, errors.Wrapf(err, "stop container %s", h.Name)
	}

	e.log.Infow("Command finished",
		"container", h.Name,
		"phase", phase,
		"exit_code", res.ExitCode,
		"state", res.State,
		"elapsed", elapsed,
	)
	return res, nil
}

// waitRunning polls until the container reports running, bounded by limit.
func (e *Executor) waitRunning(ctx context.Context, h *container.Handle, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		state, err := e.engine.InspectContainer(ctx, h.ID)
		if err != nil {
			return errors.Wrapf(err, "inspect container %s", h.Name)
		}
		if state.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.WithDetailf(ErrNotRunning, "container %s after %s", h.Name, limit)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BashCommand wraps command for bash -c. Stdin is fed through a here-string.
func BashCommand(command string, stdin *string) []string {
	if stdin != nil {
		command = command + " <<< " + shellquote.Join(*stdin)
	}
	return []string{"bash", "-c", command}
}

func phaseOf(opts Options) string {
	if opts.Compilation {
		return "compile"
	}
	return "run"
}

func compilationFlag(opts Options, failed bool) *bool {
	if !opts.Compilation {
		return nil
	}
	return model.Ptr(failed)
}

func timedOut(opts Options, elapsed time.Duration) *model.DatabaseExecutionResult {
	return &model.DatabaseExecutionResult{
		ExecutionResult:   model.ExecutionResult{ExitCode: TimedOutExitCode},
		Stdin:             opts.Stdin,
		ExpendedTime:      elapsed,
		State:             model.StateTimedOut,
		FailedExecution:   true,
		FailedCompilation: compilationFlag(opts, true),
	}
}

func serverError(opts Options, elapsed time.Duration) *model.DatabaseExecutionResult {
	return &model.DatabaseExecutionResult{
		ExecutionResult:   model.ExecutionResult{ExitCode: ServerErrorExitCode, ServerError: true},
		Stdin:             opts.Stdin,
		ExpendedTime:      elapsed,
		State:             model.StateFailed,
		FailedExecution:   true,
		FailedCompilation: compilationFlag(opts, true),
	}
}

func finished(opts Options, out engine.ExecResult, elapsed time.Duration) *model.DatabaseExecutionResult {
	success := out.ExitCode == 0
	state := model.StateFailed
	if success {
		state = model.StateSuccess
	}
	return &model.DatabaseExecutionResult{
		ExecutionResult: model.ExecutionResult{
			ExitCode: out.ExitCode,
			Stdout:   model.Ptr(out.Stdout),
			Stderr:   model.Ptr(out.Stderr),
			Success:  success,
		},
		Stdin:             opts.Stdin,
		ExpendedTime:      elapsed,
		State:             state,
		FailedExecution:   !success,
		FailedCompilation: compilationFlag(opts, !success),
	}
}
