package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/namnv2496/go-codelab/api"
	"github.com/namnv2496/go-codelab/internal/catalog"
	"github.com/namnv2496/go-codelab/internal/coderepo"
	"github.com/namnv2496/go-codelab/internal/config"
	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/executor/command"
	"github.com/namnv2496/go-codelab/internal/executor/container"
	"github.com/namnv2496/go-codelab/internal/executor/engine"
	"github.com/namnv2496/go-codelab/internal/executor/image"
	"github.com/namnv2496/go-codelab/internal/executor/resource"
	"github.com/namnv2496/go-codelab/internal/executor/socket"
	"github.com/namnv2496/go-codelab/internal/jobs"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/maintenance"
	"github.com/namnv2496/go-codelab/internal/queue"
	"github.com/namnv2496/go-codelab/internal/store"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "codelab",
	Short:         "Sandboxed execution pipeline for coding exercises",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configFile != "" {
			cfg, err = config.LoadFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		return logger.Initialize(cfg.Log.JSON)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket push and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		return s.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a codelab.toml config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Logger.Errorw("Command failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Logger

	for _, dir := range []string{cfg.Filesystem.SubmissionDir, cfg.Filesystem.TestingDir, cfg.Filesystem.ImagesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	s, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer s.Close()

	docker, err := engine.NewDocker(log)
	if err != nil {
		return err
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		return errors.WithHint(errors.Wrap(err, "container engine unreachable"), "is the docker daemon running?")
	}

	hub := socket.NewHub(log)

	guard := jobs.NewGuard(s, log)
	if err := guard.Reset(ctx); err != nil {
		return err
	}
	broker := jobs.NewBroker(cfg.Jobs.Workers, log)
	broker.Use(guard)

	sandboxes := container.NewOrchestrator(docker, log)
	runner := command.NewExecutor(docker, log,
		command.WithPollInterval(cfg.Executor.PollInterval),
		command.WithStopTimeout(cfg.Executor.StopTimeout),
	)

	images := image.NewPipeline(docker, sandboxes, runner, s, cfg.Filesystem.ImagesDir, log)
	images.SetPublisher(hub)

	manager := resource.NewManager(s, sandboxes, runner, resource.MountRoots{
		Testing:    cfg.Filesystem.TestingDir,
		Submission: cfg.Filesystem.SubmissionDir,
	}, cfg.Executor.RetryLimit, log)
	puller := coderepo.NewClient(cfg.CodeRepository.BaseURL, cfg.CodeRepository.APIKey, cfg.CodeRepository.Timeout, log)

	requests := queue.New(s, broker, puller, manager, cfg.Queue.DispatchDelay, log)
	requests.SetPublisher(hub)
	requests.Register(broker)
	if err := requests.Recover(ctx); err != nil {
		return err
	}

	admin := catalog.New(s, broker, log)
	admin.SetPublisher(hub)

	maintainer := maintenance.New(s, images, sandboxes, guard, cfg.Maintenance.HungAfter, log)
	maintainer.SetPublisher(hub)
	maintainer.Register(broker, cfg.Maintenance.Interval)

	server := api.NewServer(cfg.Server, requests, admin, hub.HandleConnections, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return serveWebSocket(ctx, cfg.Server.WSAddr, hub) })
	return g.Wait()
}

// serveWebSocket exposes the status push on its own address for clients
// that connect to it directly.
func serveWebSocket(ctx context.Context, addr string, hub *socket.Hub) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleConnections)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Logger.Infow("WebSocket server started", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "websocket server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
