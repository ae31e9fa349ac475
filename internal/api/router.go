package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"

	"github.com/Arcneell/Inframate/internal/cache"
	"github.com/Arcneell/Inframate/internal/config"
	"github.com/Arcneell/Inframate/internal/metrics"
	"github.com/Arcneell/Inframate/internal/middleware"
)

// NewHealth builds the liveness and readiness checks. Readiness requires the
// database and, when configured, the poll lease backend.
func NewHealth(db middleware.Pinger, leaser cache.Leaser) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	h.AddReadinessCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
	if leaser != nil {
		h.AddReadinessCheck("lease-backend", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return leaser.Ping(ctx)
		})
	}
	return h
}

// RouterOptions collects what NewRouter mounts.
type RouterOptions struct {
	Email       *EmailHandler
	Health      healthcheck.Handler
	Metrics     *metrics.Metrics
	MetricsPath string
	DB          middleware.Pinger
	Logger      *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(opts.Logger, opts.Metrics))
	if opts.DB != nil {
		r.Use(middleware.DatabaseHealthCheck(opts.DB, 2*time.Second))
	}

	if opts.Health != nil {
		r.GET("/live", gin.WrapF(opts.Health.LiveEndpoint))
		r.GET("/ready", gin.WrapF(opts.Health.ReadyEndpoint))
	}
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics.Handler()))
	}
	if opts.Email != nil {
		opts.Email.Register(r.Group("/api/v1"))
	}
	return r
}

// Server runs the HTTP surface until its context ends.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer wraps handler in an http.Server configured from cfg.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.GetServerAddr(),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
