package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/config"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/page"
	"github.com/GriffinCanCode/navswap/internal/session"
)

// ErrLoopUnavailable is reported when the coordinator loop does not take a
// request in time
var ErrLoopUnavailable = errors.New("coordinator loop unavailable")

// Caller runs fn on the coordinator loop and waits for it
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Options wires the server to a running coordinator
type Options struct {
	Env         *page.Environment
	Loop        Caller
	Sessions    *session.Manager
	Events      *delegate.Broadcaster
	Metrics     *monitoring.Metrics
	Gatherer    prometheus.Gatherer
	Tracer      *tracing.Tracer
	Config      config.ServerConfig
	Development bool
	Logger      *zap.Logger
}

// Server wraps the HTTP server and the coordinator it inspects
type Server struct {
	router   *gin.Engine
	env      *page.Environment
	loop     Caller
	sessions *session.Manager
	events   *delegate.Broadcaster
	metrics  *monitoring.Metrics
	config   config.ServerConfig
	logger   *zap.Logger

	// loopTimeout bounds each hop onto the loop
	loopTimeout time.Duration
}

// New creates the server and registers its routes
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		env:         opts.Env,
		loop:        opts.Loop,
		sessions:    opts.Sessions,
		events:      opts.Events,
		metrics:     opts.Metrics,
		config:      opts.Config,
		logger:      opts.Logger.Named("server"),
		loopTimeout: 5 * time.Second,
	}

	r := s.router
	r.Use(gin.Recovery())
	r.Use(tracing.HTTPMiddleware(opts.Tracer))
	r.Use(monitoring.Middleware(opts.Metrics))
	r.Use(CORS(DefaultCORSConfig(opts.Config.AllowedOrigins)))
	if opts.Config.RateLimitRPS > 0 {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", opts.Config.RateLimitRPS),
			zap.Int("burst", opts.Config.RateLimitBurst))
		r.Use(RateLimit(RateLimitConfig{
			RequestsPerSecond: opts.Config.RateLimitRPS,
			Burst:             opts.Config.RateLimitBurst,
		}))
	}

	r.GET("/", s.root)
	r.GET("/health", s.health)

	// Pages
	r.GET("/pages", s.listPages)
	r.POST("/pages", s.openPage)
	r.GET("/pages/:id", s.getPage)
	r.POST("/pages/:id/navigate", s.navigate)
	r.DELETE("/pages/:id", s.closePage)

	// Processes and retired pages
	r.GET("/processes", s.listProcesses)
	r.GET("/cache", s.listCache)

	// Snapshots
	if s.sessions != nil {
		r.POST("/pages/:id/snapshots", s.saveSnapshot)
		r.GET("/snapshots", s.listSnapshots)
		r.POST("/snapshots/:id/restore", s.restoreSnapshot)
		r.DELETE("/snapshots/:id", s.deleteSnapshot)
	}

	// Events
	if s.events != nil {
		r.GET("/events", s.streamEvents)
	}

	// Metrics
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/metrics/json", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.metrics.Snapshot())
	})

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// onLoop runs fn on the coordinator loop on behalf of c. It writes the
// error response itself and reports whether fn ran.
func (s *Server) onLoop(c *gin.Context, fn func()) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.loopTimeout)
	defer cancel()
	if err := s.loop.Call(ctx, fn); err != nil {
		s.logger.Warn("Loop call failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Errorf("%w: %v", ErrLoopUnavailable, err).Error()})
		return false
	}
	return true
}
