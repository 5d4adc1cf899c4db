// Package api is the HTTP surface of the execution pipeline: execution
// requests per session and the language image admin routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/catalog"
	"github.com/namnv2496/go-codelab/internal/config"
	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/logger"
	"github.com/namnv2496/go-codelab/internal/model"
)

type Requests interface {
	Submit(ctx context.Context, req *model.Request) (*model.Request, error)
	Get(ctx context.Context, sessionID string, kind model.RequestKind, requestID string, owner model.Submitter) (*model.Request, error)
	List(ctx context.Context, sessionID string, kind model.RequestKind, owner model.Submitter) ([]*model.Request, error)
	Cancel(ctx context.Context, sessionID string, kind model.RequestKind, requestID string, owner model.Submitter) (*model.Request, error)
}

type Images interface {
	Create(ctx context.Context, img *model.LanguageImage) (*model.LanguageImage, error)
	Get(ctx context.Context, id string) (*model.LanguageImage, error)
	List(ctx context.Context) ([]*model.LanguageImage, error)
	Available(ctx context.Context) ([]*model.LanguageImage, error)
	Update(ctx context.Context, id string, patch catalog.Patch) (*model.LanguageImage, error)
	Delete(ctx context.Context, id string) (*model.LanguageImage, error)
	CancelDeletion(ctx context.Context, id string) (*model.LanguageImage, error)
	Rebuild(ctx context.Context, id string) (*model.LanguageImage, error)
	Prune(ctx context.Context, id string) (*model.LanguageImage, error)
	PruneAll(ctx context.Context) (int64, error)
}

type Server struct {
	cfg      config.ServerConfig
	requests Requests
	images   Images
	ws       http.HandlerFunc
	limiter  *RateLimiter
	log      *zap.SugaredLogger
}

// NewServer builds the HTTP server. ws, when set, serves the status push
// at /ws.
func NewServer(cfg config.ServerConfig, requests Requests, images Images, ws http.HandlerFunc, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:      cfg,
		requests: requests,
		images:   images,
		ws:       ws,
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:      logger.Named(log, "api"),
	}
}

func (s *Server) Router() *gin.Engine {
	route := gin.New()
	route.Use(gin.Recovery(), s.accessLog())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	route.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", headerStudent, headerGroup},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	route.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.ws != nil {
		route.GET("/ws", gin.WrapF(s.ws))
	}

	sessions := route.Group("/sessions/:session_id")
	sessions.POST("/tasks", s.limiter.Middleware(), s.submitHandler(model.KindTask))
	sessions.GET("/tasks", s.listHandler(model.KindTask))
	sessions.GET("/tasks/:id", s.getHandler(model.KindTask))
	sessions.DELETE("/tasks/:id", s.cancelHandler(model.KindTask))
	sessions.POST("/submissions", s.limiter.Middleware(), s.submitHandler(model.KindSubmission))
	sessions.GET("/submissions", s.listHandler(model.KindSubmission))
	sessions.GET("/submissions/:id", s.getHandler(model.KindSubmission))
	sessions.DELETE("/submissions/:id", s.cancelHandler(model.KindSubmission))

	images := route.Group("/images")
	images.GET("", s.listImagesHandler)
	images.POST("", s.createImageHandler)
	images.DELETE("", s.pruneAllHandler)
	images.GET("/:id", s.getImageHandler)
	images.PATCH("/:id", s.updateImageHandler)
	images.DELETE("/:id", s.imageAction(s.images.Delete))
	images.POST("/:id/cancel-deletion", s.imageAction(s.images.CancelDeletion))
	images.POST("/:id/rebuild", s.imageAction(s.images.Rebuild))
	images.POST("/:id/prune", s.imageAction(s.images.Prune))

	return route
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("HTTP server started", "addr", s.cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.log.Debugw("Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
