// Package server exposes catalog queries and scan progress over HTTP.
//
// Routes (all read-only):
//
//	GET /api/v1/states                   records per state
//	GET /api/v1/errors                   errored records per code
//	GET /api/v1/groups?tier=&limit=      duplicate groups, largest waste first
//	GET /api/v1/files?dir=&limit=        records at or below dir
//	GET /api/v1/progress                 current progress snapshot
//	GET /metrics                         Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/grouper"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

const (
	defaultGroupLimit = 100
	defaultFileLimit  = 1000
	shutdownTimeout   = 5 * time.Second
)

// Querier is the read side of the engine.
type Querier interface {
	QueryStateCounts(ctx context.Context) (map[types.State]int64, error)
	QueryErrorCounts(ctx context.Context) (map[types.ErrorCode]int64, error)
	QueryDuplicateGroups(ctx context.Context, tier grouper.Tier, limit int) ([]grouper.Group, error)
	QueryDir(ctx context.Context, dir string, limit int) ([]*types.FileRecord, error)
	Progress() progress.Snapshot
}

// Server serves Querier results as JSON.
type Server struct {
	q        Querier
	registry *prometheus.Registry
	router   chi.Router
	logger   *zap.Logger
}

// New builds the router. Every collector is registered on a private registry
// together with a catalog state collector backed by q.
func New(q Querier, logger *zap.Logger, collectors ...prometheus.Collector) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{q: q, registry: prometheus.NewRegistry(), logger: logger.Named("server")}

	for _, c := range append([]prometheus.Collector{newCatalogCollector(q, s.logger)}, collectors...) {
		if err := s.registry.Register(c); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/states", s.states)
		r.Get("/errors", s.errorCounts)
		r.Get("/groups", s.groups)
		r.Get("/files", s.files)
		r.Get("/progress", s.progress)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router = r
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) states(w http.ResponseWriter, r *http.Request) {
	counts, err := s.q.QueryStateCounts(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make(map[string]int64, len(types.States))
	for _, st := range types.States {
		out[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) errorCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.q.QueryErrorCounts(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) groups(w http.ResponseWriter, r *http.Request) {
	tier := grouper.TierVerified
	if v := r.URL.Query().Get("tier"); v != "" {
		t, err := grouper.ParseTier(v)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		tier = t
	}
	limit, err := intParam(r, "limit", defaultGroupLimit)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	groups, err := s.q.QueryDuplicateGroups(r.Context(), tier, limit)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, newGroupView(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		s.fail(w, http.StatusBadRequest, errors.New("dir is required"))
		return
	}
	limit, err := intParam(r, "limit", defaultFileLimit)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	recs, err := s.q.QueryDir(r.Context(), dir, limit)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]fileView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newFileView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	snap := s.q.Progress()
	writeJSON(w, http.StatusOK, progressView{
		Phase:          string(snap.Phase),
		Paused:         snap.Paused,
		ElapsedSeconds: snap.Elapsed.Seconds(),
		Counters:       snap.Counts(),
	})
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorView{Error: err.Error(), Code: string(types.CodeOf(err))})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
