package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"courier/internal/domain"
	"courier/internal/worker"
)

type StatusSource interface {
	Snapshot() worker.Status
}

type TaskReader interface {
	Get(ctx context.Context, taskID string) (domain.Task, error)
	Logs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error)
}

type TaskWriter interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, taskID string) error
}

type Options struct {
	// APIKey, when set, is required as a bearer token on /api routes.
	APIKey string
	Debug  bool
	// Tasks enables task submission; nil leaves POST /api/tasks unrouted.
	Tasks TaskWriter
	// Notifier is told about submitted tasks. Optional.
	Notifier Notifier
}

type Server struct {
	r      *chi.Mux
	status StatusSource
	tasks  TaskReader
	opts   Options
}

func NewServer(status StatusSource, tasks TaskReader, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, status: status, tasks: tasks, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireKey)
		r.Get("/worker", s.getWorker)
		r.Get("/tasks/{id}", s.getTask)
		if opts.Tasks != nil {
			r.Post("/tasks", s.submitTask)
		}
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.opts.APIKey == "" {
		return next
	}
	want := []byte(s.opts.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.Header.Get("X-API-Key")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.status.Snapshot()
	if st.State == worker.Stopped.String() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": st.State})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": st.State})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.status.Snapshot()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "courier_up 1\n")
	fmt.Fprintf(w, "courier_worker_state{state=%q} 1\n", st.State)
	fmt.Fprintf(w, "courier_tasks_processed_total %d\n", st.Processed)
	fmt.Fprintf(w, "courier_tasks_failed_total %d\n", st.Failed)
	fmt.Fprintf(w, "courier_sessions %d\n", st.Sessions)
	fmt.Fprintf(w, "courier_heartbeats_total %d\n", st.Heartbeats)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

type logView struct {
	Action    string         `json:"action"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	logs, err := s.tasks.Logs(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}

	views := make([]logView, 0, len(logs))
	for _, l := range logs {
		views = append(views, logView{
			Action:    l.Action,
			WorkerID:  l.WorkerID,
			Error:     l.Error,
			Details:   l.Details,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}
	resp := map[string]any{
		"id":             t.ID,
		"type":           t.Type,
		"account_id":     t.AccountID,
		"recipient_name": t.RecipientName,
		"status":         t.Status,
		"retry_count":    t.RetryCount,
		"worker_id":      t.WorkerID,
		"created_at":     t.CreatedAt.Format(time.RFC3339),
		"logs":           views,
	}
	if t.ErrorMessage != "" {
		resp["error_message"] = t.ErrorMessage
	}
	if len(t.Result) > 0 {
		resp["result"] = t.Result
	}
	if t.StartedAt != nil {
		resp["started_at"] = t.StartedAt.Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		resp["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitReq struct {
	Type          string `json:"type"`
	AccountID     string `json:"account_id"`
	RecipientName string `json:"recipient_name"`
	Message       string `json:"message"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = domain.TypeSendMessage
	}
	if req.AccountID == "" || req.RecipientName == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "account_id, recipient_name and message are required")
		return
	}

	id, err := s.opts.Tasks.Enqueue(r.Context(), domain.Task{
		Type:          req.Type,
		AccountID:     req.AccountID,
		RecipientName: req.RecipientName,
		Message:       req.Message,
	})
	if err != nil {
		storeError(w, err)
		return
	}
	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.Notify(r.Context(), id); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("wake-up not delivered")
		}
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
