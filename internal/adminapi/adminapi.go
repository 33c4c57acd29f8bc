// Package adminapi is visionforge's operator HTTP surface (spec §6: "an
// optional administrative command `reload` forces a re-read"), generalized
// from the teacher's Unix-socket JSON command protocol
// (internal/operator/server.go: reset/pin/unpin/status/list) into a small
// HTTP API, since visionforge's external interfaces (registry, vision
// model, notifications) are all HTTP already and an operator surface that
// composes with the rest of the stack beats a bespoke socket protocol.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/store"
)

// ProcessReader is the narrow slice of *store.Store adminapi reads from.
type ProcessReader interface {
	GetProcess(ctx context.Context, processID uuid.UUID) (*store.Process, error)
}

// ProcessCanceller is the narrow slice of *store.Store the cancel
// endpoint drives (spec §5: cooperative external cancellation).
type ProcessCanceller interface {
	RequestCancel(ctx context.Context, processID uuid.UUID) (int, error)
}

// Reloader is the narrow slice of *profiles.Registry adminapi drives.
type Reloader interface {
	Reload() (*profiles.Report, error)
}

// Server is visionforge's administrative HTTP API.
type Server struct {
	store     ProcessReader
	canceller ProcessCanceller
	profiles  Reloader
	log       logr.Logger
	router    chi.Router
}

// New builds a Server wired to the given collaborators.
func New(store ProcessReader, canceller ProcessCanceller, profileRegistry Reloader, log logr.Logger) *Server {
	s := &Server{store: store, canceller: canceller, profiles: profileRegistry, log: log.WithName("adminapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/reload", s.handleReload)
	r.Get("/processes/{processID}", s.handleGetProcess)
	r.Post("/processes/{processID}/cancel", s.handleCancelProcess)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reloadResponse mirrors profiles.Report's exported shape for API
// stability independent of the Registry's internal Report type.
type reloadResponse struct {
	Applied    bool     `json:"applied"`
	Generation uint64   `json:"generation"`
	Changed    []string `json:"changed,omitempty"`
	Failed     string   `json:"failed,omitempty"`
}

// handleReload triggers an immediate profile reload (spec §6: the
// administrative "reload" command).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.profiles.Reload()
	if err != nil {
		s.log.Error(err, "admin-triggered reload failed")
		writeJSON(w, http.StatusUnprocessableEntity, reloadResponse{Failed: report.Failed})
		return
	}

	changed := make([]string, 0, len(report.Changed))
	for _, t := range report.Changed {
		changed = append(changed, string(t))
	}
	writeJSON(w, http.StatusOK, reloadResponse{
		Applied:    report.Applied,
		Generation: report.Generation,
		Changed:    changed,
	})
}

// processResponse is a read-only projection of store.Process for the
// operator status endpoint.
type processResponse struct {
	ID                uuid.UUID `json:"id"`
	Status            string    `json:"status"`
	TotalTasks        int       `json:"total_tasks"`
	CompletedTasks    int       `json:"completed_tasks"`
	FailedTasks       int       `json:"failed_tasks"`
	ManualReviewTasks int       `json:"manual_review_tasks"`
}

// handleGetProcess reports a process's current counters (spec §6: operator
// visibility into a running job, equivalent to the teacher's "status"
// command).
func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "processID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid process id"})
		return
	}

	process, err := s.store.GetProcess(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "process not found"})
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		ID:                process.ID,
		Status:            string(process.Status),
		TotalTasks:        process.TotalTasks,
		CompletedTasks:    process.CompletedTasks,
		FailedTasks:       process.FailedTasks,
		ManualReviewTasks: process.ManualReviewTasks,
	})
}

// handleCancelProcess raises a process's cooperative cancel flag. Pending
// tasks are failed immediately; in-flight tasks finish their current
// model call and then stop (spec §5). Repeating the request is a no-op.
func (s *Server) handleCancelProcess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "processID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid process id"})
		return
	}

	swept, err := s.canceller.RequestCancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "process not found"})
			return
		}
		s.log.Error(err, "cancel request failed", "process", id)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		return
	}

	s.log.Info("process cancel requested", "process", id, "pending_swept", swept)
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": true, "pending_swept": swept})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
