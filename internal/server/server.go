package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/observability"
	"github.com/threatpilot/remediator/internal/remediation"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 10 * time.Second
)

// Verifier checks that the firewall gateway credentials are usable.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Config holds the listener settings.
type Config struct {
	ListenAddr     string
	MetricsEnabled bool
	MetricsAddr    string
	MaxBodyBytes   int64
}

// Deps are the components the HTTP surface dispatches to. Observability and
// Janitor may be nil.
type Deps struct {
	Dispatcher    *remediation.Dispatcher
	Executor      *remediation.Executor
	Verifier      Verifier
	Observability *observability.Service
	Janitor       *Janitor
	Now           func() time.Time
}

// Server is the remediation HTTP API.
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

// New constructs a Server.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(accessLog(s.log))
	r.Use(limitBody(s.cfg.MaxBodyBytes))

	r.Post("/", s.handleRemediate)
	r.Post("/cleanup", s.handleCleanup)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Post("/execute", s.handleExecute)

	if s.deps.Observability != nil {
		r.Post("/push_logs", s.handlePushLogs)
		r.Post("/query_loki", s.handleQueryLogs)
		r.Post("/tail_logs", s.handleTailLogs)
		r.Post("/log_summary", s.handleLogSummary)
		r.Get("/get_labels", s.handleLabels)
		r.Post("/get_label_values", s.handleLabelValues)
	}

	r.Post("/alert_trigger", s.handleAlertTrigger)
	r.Post("/metadata_lookup", s.handleMetadataLookup)
	r.Post("/incident_history", s.handleIncidentHistory)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Run serves the API, the metrics endpoint and the janitor until ctx is
// cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	if s.deps.Janitor != nil {
		g.Go(func() error {
			return s.deps.Janitor.Run(gctx)
		})
	}

	s.log.Info().Str("addr", s.cfg.ListenAddr).Bool("observability", s.deps.Observability != nil).
		Msg("remediation api started")
	return g.Wait()
}

func (s *Server) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("api server shutdown")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
