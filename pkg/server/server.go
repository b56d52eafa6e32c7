package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/elonfeng/trendpulse/internal/logging"
	"github.com/elonfeng/trendpulse/internal/metrics"
	"github.com/elonfeng/trendpulse/internal/runlock"
	"github.com/elonfeng/trendpulse/internal/scheduler"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/source"
)

// Store is the read side the API serves from.
type Store interface {
	ListTrends(ctx context.Context, opts store.TrendListOpts) (*store.TrendPage, error)
	GetTrend(ctx context.Context, id int64) (*store.Trend, error)
	LatestScore(ctx context.Context, trendID int64) (float64, error)
	TrendPosts(ctx context.Context, trendID int64, limit int) ([]store.PostView, error)
	ScoreHistory(ctx context.Context, trendID int64, opts store.HistoryOpts) ([]store.ScorePoint, error)
	Summary(ctx context.Context, since time.Time, top int) (*store.Summary, error)
	Ping(ctx context.Context) error
}

// Cycler runs one fetch and pipeline pass on demand.
type Cycler interface {
	RunCycle(ctx context.Context) (*scheduler.CycleResult, error)
}

// Options configures the server. Cycler, Metrics and Logger are optional.
type Options struct {
	Port         int
	PerPage      int
	HistoryLimit int
	CORSOrigins  []string
	Cycler       Cycler
	Metrics      *metrics.Metrics
	Logger       *logrus.Logger
}

// Server provides the HTTP API.
type Server struct {
	store  Store
	opts   Options
	log    *logrus.Logger
	router chi.Router
	now    func() time.Time
}

// New creates a new HTTP server.
func New(s Store, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 50
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 30
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	srv := &Server{store: s, opts: opts, log: logging.OrDiscard(opts.Logger), now: time.Now}
	srv.router = srv.routes()
	return srv
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/trends", s.handleTrends)
		r.Get("/trends/{id}", s.handleTrend)
		r.Get("/trends/{id}/scores", s.handleScores)
		r.Get("/summary", s.handleSummary)
		r.Post("/pipeline/run", s.handleRun)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", httpSrv.Addr).Info("http server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.TrendListOpts{Search: q.Get("q"), PerPage: s.opts.PerPage}

	var err error
	if opts.Sort, err = parseSort(q.Get("sort"), q.Get("dir")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.Since, err = store.RangeSince(q.Get("range"), s.now()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if v := q.Get("since"); v != "" {
		if opts.Since, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if v := q.Get("until"); v != "" {
		if opts.Until, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if opts.Page, err = intParam(q.Get("page"), 1); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := s.store.ListTrends(r.Context(), opts)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     page.Trends,
		"count":    len(page.Trends),
		"total":    page.Total,
		"page":     page.Page,
		"per_page": page.PerPage,
		"pages":    page.Pages,
	})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	id, ok := s.trendID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	t, err := s.store.GetTrend(ctx, id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	score, err := s.store.LatestScore(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, r, err)
		return
	}
	t.LatestScore = score

	posts, err := s.store.TrendPosts(ctx, id, 10)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"trend":        t,
			"latest_score": score,
			"posts":        posts,
		},
	})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	id, ok := s.trendID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), s.opts.HistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := store.HistoryOpts{Limit: limit}
	if v := q.Get("days"); v != "" {
		days, err := intParam(v, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Since = s.now().AddDate(0, 0, -days)
	}

	if _, err := s.store.GetTrend(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	points, err := s.store.ScoreHistory(r.Context(), id, opts)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  points,
		"count": len(points),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"), 7)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sum, err := s.store.Summary(r.Context(), s.now().AddDate(0, 0, -days), 5)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sum})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cycler == nil {
		writeError(w, http.StatusNotImplemented, errors.New("pipeline trigger not configured"))
		return
	}

	res, err := s.opts.Cycler.RunCycle(r.Context())
	switch {
	case errors.Is(err, runlock.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, source.ErrSourceUnavailable):
		writeError(w, http.StatusBadGateway, err)
	case err != nil:
		body := map[string]any{"error": err.Error()}
		if res != nil {
			body["data"] = res
		}
		writeJSON(w, http.StatusInternalServerError, body)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"data": res})
	}
}

func (s *Server) trendID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid trend id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("trend not found"))
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	writeError(w, http.StatusInternalServerError, err)
}

// parseSort combines sort=score|created with dir=asc|desc. A bare preset
// such as "newest" is accepted without dir.
func parseSort(sort, dir string) (store.TrendSort, error) {
	dir = strings.ToLower(strings.TrimSpace(dir))
	if dir == "" {
		return store.ParseSort(sort)
	}
	if dir != "asc" && dir != "desc" {
		return store.TrendSort{}, fmt.Errorf("unknown sort direction %q", dir)
	}
	if sort == "" {
		sort = "score"
	}
	return store.ParseSort(sort + "_" + dir)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
