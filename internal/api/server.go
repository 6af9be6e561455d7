package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/archive"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
	"github.com/JakeFAU/gallery-crawler/internal/progress/sinks"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	requestTimeout      = 10 * time.Second
)

// RunReports serves run snapshots; sinks.ReportSink satisfies it.
type RunReports interface {
	Latest() (sinks.RunSnapshot, bool)
	Snapshot(id uuid.UUID) (sinks.RunSnapshot, bool)
}

// TagHistory lists recently requested tags; cache.Store satisfies it.
type TagHistory interface {
	LastHistoryTags(ctx context.Context, n int) ([]string, error)
}

// ArchiveIndex exposes the archive's in-memory index; *archive.Archive satisfies it.
type ArchiveIndex interface {
	Galleries() []string
	Files(gallery string) map[string]archive.Entry
}

// Deps are the read models behind the routes. Nil members answer 503.
type Deps struct {
	Reports RunReports
	History TagHistory
	Archive ArchiveIndex
}

// Server wires HTTP handlers to the run read models.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/run", s.latestRun)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/history", s.history)
		r.Route("/archive/galleries", func(r chi.Router) {
			r.Get("/", s.archiveGalleries)
			r.Get("/{gallery}", s.archiveFiles)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) latestRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Reports == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run reports unavailable")
		return
	}
	snap, ok := s.deps.Reports.Latest()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run reports unavailable")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	snap, ok := s.deps.Reports.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "tag history unavailable")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	tags, err := s.deps.History.LastHistoryTags(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if tags == nil {
		tags = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) archiveGalleries(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"galleries": s.deps.Archive.Galleries()})
}

type archiveFile struct {
	Path string       `json:"path"`
	Size int64        `json:"size"`
	Type archive.Kind `json:"type"`
}

func (s *Server) archiveFiles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	gallery := chi.URLParam(r, "gallery")
	entries := s.deps.Archive.Files(gallery)
	if entries == nil {
		s.writeError(w, http.StatusNotFound, "gallery not archived")
		return
	}
	files := make([]archiveFile, 0, len(entries))
	for p, e := range entries {
		files = append(files, archiveFile{Path: p, Size: e.Size, Type: e.Type})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	s.writeJSON(w, http.StatusOK, map[string]any{"gallery": gallery, "files": files})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs an http.Server on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", addr))
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	return nil
}
