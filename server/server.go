// Package server exposes the manual trigger, digest and operational endpoints.
package server

import (
	"context"
	"dispenser-watch/digest"
	"dispenser-watch/metrics"
	"dispenser-watch/pkg/schedule"
	"dispenser-watch/poll"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
)

// Poller runs pipeline checks.
type Poller interface {
	CheckAll(ctx context.Context) error
	Check(ctx context.Context, scope string, manual bool) (*poll.Result, error)
	Process(ctx context.Context, snap *schedule.Snapshot, manual bool) (*poll.Result, error)
}

// Digests exposes pending digest entries and manual flushes.
type Digests interface {
	Pending(userID string) *schedule.DigestEntry
	Users() []string
	FlushUser(ctx context.Context, userID string) (digest.Flush, error)
	FlushAll(ctx context.Context) []digest.Flush
}

// Snapshots lists stored snapshots.
type Snapshots interface {
	List(ctx context.Context) ([]*schedule.Snapshot, error)
}

// IsNotFound checks if an error means the scope is unknown to the producer.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	poller     Poller
	digests    Digests
	snapshots  Snapshots
	logger     *slog.Logger
	isNotFound IsNotFound
	limiter    *ipLimiter
	origins    []string
	now        func() time.Time
}

// Config holds server configuration.
type Config struct {
	Poller     Poller
	Digests    Digests
	Snapshots  Snapshots
	Logger     *slog.Logger
	IsNotFound IsNotFound
	// ManualPerMinute limits manual checks per client IP; 0 disables the limit.
	ManualPerMinute int
	AllowOrigins    []string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		poller:     cfg.Poller,
		digests:    cfg.Digests,
		snapshots:  cfg.Snapshots,
		logger:     cfg.Logger,
		isNotFound: cfg.IsNotFound,
		origins:    cfg.AllowOrigins,
		now:        time.Now,
	}
	if s.isNotFound == nil {
		s.isNotFound = func(error) bool { return false }
	}
	if cfg.ManualPerMinute > 0 {
		s.limiter = newIPLimiter(cfg.ManualPerMinute, time.Minute)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := corslib.New(corslib.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	r.Use(c.Handler)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/pollz", s.handlePoll)
	r.Get("/snapshots", s.handleSnapshots)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware(s.logger))
		}
		r.Post("/check/{scope}", s.handleCheck)
	})

	r.Route("/digest", func(r chi.Router) {
		r.Get("/", s.handleDigestUsers)
		r.Get("/{userID}", s.handleDigestPending)
		r.Post("/flush", s.handleFlushAll)
		r.Post("/flush/{userID}", s.handleFlushUser)
	})
	return r
}

// ServeHTTP listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ServeHTTP(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // manual checks wait for channel sends
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
