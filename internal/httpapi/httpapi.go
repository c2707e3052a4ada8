// Package httpapi exposes the kernel's task submission, lookup, event
// tail, health, and metrics surface, adapted from the teacher's
// control_plane/api.go handler shape (decode-validate-call-encode) but
// routed through go-chi/chi instead of the teacher's manual
// net/http.DefaultServeMux path-suffix switches.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/heal"
	"github.com/trikernel/orchestrator/internal/kernel"
	"github.com/trikernel/orchestrator/internal/store"
	"github.com/trikernel/orchestrator/internal/validation"
)

// API wraps a *kernel.Kernel with its HTTP surface.
type API struct {
	k   *kernel.Kernel
	log zerolog.Logger
}

// New builds the router. Handlers are methods on API rather than closures
// over kernel fields, matching the teacher's *API method-per-route shape.
func New(k *kernel.Kernel, logger zerolog.Logger) http.Handler {
	a := &API{k: k, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/healthz/snapshot", a.handleHealthSnapshot)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/tasks", a.handleSubmitTask)
	r.Get("/tasks/{id}", a.handleGetTask)
	r.Get("/events", a.handleEvents)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleHealthSnapshot runs a fresh supervisor tick on every request and
// returns the snapshot it produced.
func (a *API) handleHealthSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.k.Healer.Tick(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type submitTaskRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Priority   int    `json:"priority"`
	Payload    string `json:"payload"`
	TraceID    string `json:"trace_id"`
	ParentID   string `json:"parent_task_id"`
	SubmittedBy string `json:"submitted_by"`
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "name and type are required")
		return
	}
	if err := validation.Priority(req.Priority); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := &store.Task{
		Name: req.Name, Type: req.Type, Priority: store.Priority(req.Priority),
		Payload: req.Payload, TraceID: req.TraceID, ParentTaskID: req.ParentID,
		SubmittedBy: req.SubmittedBy,
	}
	if err := a.k.SubmitTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := a.k.GetTask(r.Context(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleEvents serves the pull-only event tail: clients poll with
// ?after_seq=N to resume from where they left off. Spec.md explicitly
// excludes a push/websocket surface, so there is no long-poll or SSE mode
// here — just bounded reads.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_seq must be an integer")
			return
		}
		afterSeq = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	events, err := a.k.EventsSince(r.Context(), afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// pauseRequest is shared by admin pause/resume endpoints, generalized from
// the teacher's handleSetAdmissionMode admin surface.
type pauseRequest struct {
	Reason string `json:"reason"`
}

// RegisterAdmin attaches operator endpoints for pausing/resuming
// admission, split from New so cmd/trikerneld can gate it behind a
// separate listener or auth layer if desired.
func RegisterAdmin(r chi.Router, pause *heal.PauseController) {
	r.Post("/admin/pause", func(w http.ResponseWriter, req *http.Request) {
		var body pauseRequest
		json.NewDecoder(req.Body).Decode(&body)
		if err := pause.Pause(req.Context(), body.Reason); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	})
	r.Post("/admin/resume", func(w http.ResponseWriter, req *http.Request) {
		if err := pause.Resume(req.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	})
}
