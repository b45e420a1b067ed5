// Package gateway exposes the admission core over a small HTTP API so the
// orchestrator and operator tooling can submit, inspect, and cancel builds
// and resolve escalations.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vlad-mantoiu/foundry/internal/admission"
	"github.com/vlad-mantoiu/foundry/internal/coordinator"
	"github.com/vlad-mantoiu/foundry/internal/job"
	"github.com/vlad-mantoiu/foundry/internal/persistence"
	"github.com/vlad-mantoiu/foundry/internal/shared"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// Config carries the services the gateway fronts.
type Config struct {
	Coordinator *coordinator.Coordinator
	Jobs        *job.Machine
	Queue       *admission.Queue
	Durable     *persistence.Store
	Logger      *slog.Logger
	Version     string
}

// Server handles the HTTP API.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/escalations", s.handleEscalations)
	mux.HandleFunc("/api/escalations/", s.handleEscalationResolve)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.cfg.Queue.Len(r.Context())
	storeOK := err == nil

	payload := map[string]any{
		"healthy":     storeOK,
		"store_ok":    storeOK,
		"queue_depth": depth,
		"version":     s.cfg.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	if !storeOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type submitPayload struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	Goal      string `json:"goal"`
	Tier      string `json:"tier"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)

	res, err := s.cfg.Coordinator.Submit(ctx, coordinator.SubmitRequest{
		TenantID:  payload.TenantID,
		ProjectID: payload.ProjectID,
		Goal:      payload.Goal,
		Tier:      tier.Parse(payload.Tier),
	})
	if err != nil {
		s.cfg.Logger.Warn("submit failed", "trace_id", traceID, "tenant_id", payload.TenantID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case res.Rejected:
		w.WriteHeader(http.StatusTooManyRequests)
	case res.Status == job.StatusScheduled:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)

	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Jobs.Get(ctx, jobID)
		if errors.Is(err, job.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)

	case http.MethodDelete:
		ok, err := s.cfg.Coordinator.Cancel(ctx, jobID, "Canceled by the founder")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "job is not cancelable", http.StatusConflict)
			return
		}
		s.cfg.Logger.Info("job canceled", "trace_id", traceID, "job_id", jobID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	list, err := s.cfg.Durable.ListOpenEscalations(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

type resolvePayload struct {
	Decision string `json:"decision"`
	Guidance string `json:"guidance,omitempty"`
}

func (s *Server) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/escalations/")
	id, action, found := strings.Cut(rest, "/")
	if !found || action != "resolve" || id == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload resolvePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)
	err := s.cfg.Durable.ResolveEscalation(ctx, id, payload.Decision, payload.Guidance)
	switch {
	case errors.Is(err, persistence.ErrEscalationNotFound):
		http.Error(w, "escalation not found", http.StatusNotFound)
	case errors.Is(err, persistence.ErrAlreadyResolved):
		http.Error(w, "escalation already resolved", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
