// Package api serves feedback ingestion, pipeline triggers and dashboard
// reads over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/pipeline"
	"github.com/sells-group/feedback-cli/internal/store"
)

const defaultSummaryLimit = 20

// Runner triggers a pipeline run.
type Runner interface {
	Run(ctx context.Context, sourceFilter string) (*model.RunResult, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
}

// Server holds the handlers' dependencies. Runs triggered over HTTP execute
// in the background under the server's base context.
type Server struct {
	store  store.Store
	runner Runner

	ctx context.Context
	wg  sync.WaitGroup
}

// NewServer creates a Server. ctx bounds background runs.
func NewServer(ctx context.Context, st store.Store, runner Runner) *Server {
	return &Server{store: st, runner: runner, ctx: ctx}
}

// Wait blocks until background runs have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Handler builds the chi router.
func (s *Server) Handler(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/feedback", wrap(s.handleListFeedback))
		r.Post("/feedback", wrap(s.handleCreateFeedback))
		r.Post("/pipeline/run", wrap(s.handleTriggerRun))

		r.Get("/runs", wrap(s.handleListRuns))
		r.Get("/runs/{id}", wrap(s.handleGetRun))
		r.Get("/runs/{id}/failures", wrap(s.handleRunFailures))

		r.Get("/summaries", wrap(s.handleSummaries))
		r.Get("/insights/latest", wrap(s.handleLatestInsight))
		r.Get("/sentiments", wrap(s.handleSentiments))
		r.Get("/sentiments/counts", wrap(s.handleSentimentCounts))
	})
	return r
}

// httpError carries a status code to wrap.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &httpError{status: http.StatusBadRequest, msg: msg}
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var he *httpError
		switch {
		case errors.As(err, &he):
			writeJSON(w, he.status, map[string]string{"error": he.msg})
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		default:
			zap.L().Error("api: request failed",
				zap.String("path", req.URL.Path),
				zap.String("request_id", middleware.GetReqID(req.Context())),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(key + " must be a non-negative integer")
	}
	return n, nil
}

// --- Handlers ---

type createFeedbackRequest struct {
	Source     string         `json:"source"`
	Content    string         `json:"content"`
	ExternalID string         `json:"external_id"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) error {
	var body createFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return badRequest("invalid request body")
	}
	body.Source = strings.TrimSpace(body.Source)
	if body.Source == "" || strings.TrimSpace(body.Content) == "" {
		return badRequest("source and content are required")
	}

	item := &model.FeedbackItem{
		Source:     body.Source,
		Content:    body.Content,
		ExternalID: body.ExternalID,
		Metadata:   body.Metadata,
	}
	inserted, err := s.store.InsertFeedback(r.Context(), item)
	if err != nil {
		return eris.Wrap(err, "api: insert feedback")
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return nil
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": item.ID})
	return nil
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return err
	}
	filter := store.FeedbackFilter{Source: r.URL.Query().Get("source"), Limit: limit}
	if raw := r.URL.Query().Get("processed"); raw != "" {
		p, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("processed must be true or false")
		}
		filter.Processed = &p
	}
	items, err := s.store.ListFeedback(r.Context(), filter)
	if err != nil {
		return eris.Wrap(err, "api: list feedback")
	}
	writeJSON(w, http.StatusOK, nonNil(items))
	return nil
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Source string `json:"source"`
	}
	// The body is optional. A chunked empty body has ContentLength -1.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid request body")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.runner.Run(s.ctx, body.Source)
		if err != nil {
			if errors.Is(err, pipeline.ErrRunInProgress) {
				zap.L().Info("api: run skipped, another run in progress", zap.String("source", body.Source))
				return
			}
			zap.L().Error("api: pipeline run failed", zap.String("source", body.Source), zap.Error(err))
			return
		}
		zap.L().Info("api: pipeline run finished",
			zap.String("run_id", res.RunID),
			zap.String("status", string(res.Status)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "source": body.Source})
	return nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return err
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return eris.Wrap(err, "api: list runs")
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
	return nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) error {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, run)
	return nil
}

func (s *Server) handleRunFailures(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		return err
	}
	failures, err := s.store.ListUnitFailures(r.Context(), id)
	if err != nil {
		return eris.Wrap(err, "api: list failures")
	}
	writeJSON(w, http.StatusOK, nonNil(failures))
	return nil
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", defaultSummaryLimit)
	if err != nil {
		return err
	}
	summaries, err := s.store.RecentSourceSummaries(r.Context(), limit)
	if err != nil {
		return eris.Wrap(err, "api: recent summaries")
	}
	writeJSON(w, http.StatusOK, nonNil(summaries))
	return nil
}

func (s *Server) handleLatestInsight(w http.ResponseWriter, r *http.Request) error {
	in, err := s.store.LatestInsight(r.Context())
	if err != nil {
		return eris.Wrap(err, "api: latest insight")
	}
	if in == nil {
		return &httpError{status: http.StatusNotFound, msg: "no insights yet"}
	}
	writeJSON(w, http.StatusOK, in)
	return nil
}

func (s *Server) handleSentiments(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return err
	}
	results, err := s.store.RecentSentiments(r.Context(), limit)
	if err != nil {
		return eris.Wrap(err, "api: recent sentiments")
	}
	writeJSON(w, http.StatusOK, nonNil(results))
	return nil
}

func (s *Server) handleSentimentCounts(w http.ResponseWriter, r *http.Request) error {
	counts, err := s.store.SentimentCounts(r.Context())
	if err != nil {
		return eris.Wrap(err, "api: sentiment counts")
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"positive": counts[model.SentimentPositive],
		"negative": counts[model.SentimentNegative],
		"neutral":  counts[model.SentimentNeutral],
	})
	return nil
}

// nonNil encodes empty results as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
