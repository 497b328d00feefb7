package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/audit"
	"github.com/ladle-dev/ladle/pkg/budget"
	"github.com/ladle-dev/ladle/pkg/config"
	"github.com/ladle-dev/ladle/pkg/extract"
	"github.com/ladle-dev/ladle/pkg/gate"
	"github.com/ladle-dev/ladle/pkg/recipecache"
)

// Server is the HTTP surface in front of the admission gate. It owns
// the extraction request flow: admit, duplicate lookup, charge,
// extract, store.
type Server struct {
	cfg       *config.Config
	gate      *gate.Gate
	cache     *recipecache.Cache
	extractor extract.Extractor
	budget    *budget.Tracker
	auditor   *audit.Logger
	log       *zap.Logger
	router    chi.Router
}

// New creates a Server wired with all dependencies. cache and auditor
// may be nil when the corresponding features are disabled.
func New(cfg *config.Config, g *gate.Gate, c *recipecache.Cache, e extract.Extractor, b *budget.Tracker, a *audit.Logger, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		gate:      g,
		cache:     c,
		extractor: e,
		budget:    b,
		auditor:   a,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/v1/extract", s.handleExtract)
	r.Get("/v1/usage", s.handleUsage)
	r.Get("/healthz", s.handleHealthz)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ladle listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
