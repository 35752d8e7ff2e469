// Package handlers implements the control-plane HTTP endpoints over the
// fabric facade.
package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memfabric/memfabric/pkg/api/middleware"
	"github.com/memfabric/memfabric/pkg/api/response"
	"github.com/memfabric/memfabric/pkg/fabric"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/version"
)

// Handler serves the control-plane API.
type Handler struct {
	fabric     *fabric.Service
	registry   *ports.Registry
	log        logger.Logger
	adminToken string
}

// New creates the handler set.
func New(svc *fabric.Service, registry *ports.Registry, log logger.Logger, adminToken string) *Handler {
	return &Handler{fabric: svc, registry: registry, log: log, adminToken: adminToken}
}

func (h *Handler) isAdmin(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	got := r.Header.Get(middleware.HeaderAdminToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) == 1
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, r, http.StatusBadRequest, response.CodeRequestMalformed, "invalid JSON body")
		return false
	}
	return true
}

// Ingest handles POST /api/v1/events.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req fabric.IngestRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.fabric.Ingest(r.Context(), &req)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	response.JSON(w, status, result)
}

// Recall handles POST /api/v1/recall.
func (h *Handler) Recall(w http.ResponseWriter, r *http.Request) {
	var req fabric.RecallRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.fabric.Recall(r.Context(), &req)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

// Consolidate handles POST /api/v1/consolidate.
func (h *Handler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req fabric.ConsolidateRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.fabric.Consolidate(r.Context(), &req)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

// Reflect handles POST /api/v1/reflect.
func (h *Handler) Reflect(w http.ResponseWriter, r *http.Request) {
	var req fabric.ReflectRequest
	if !decode(w, r, &req) {
		return
	}

	rule, err := h.fabric.Reflect(r.Context(), &req)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, rule)
}

// Rules handles GET /api/v1/rules.
func (h *Handler) Rules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.fabric.Rules(r.Context(), r.URL.Query().Get("tenant_id"), r.URL.Query().Get("user_id"))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// DeleteUser handles POST /api/v1/delete_user (admin-guarded).
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id,omitempty"`
		UserID   string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	report, err := h.fabric.DeleteUser(r.Context(), req.TenantID, req.UserID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, report)
}

// Trace handles GET /api/v1/trace/{subject}. The subject's owner may read
// their own chain; everyone else needs the admin token.
func (h *Handler) Trace(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	view, err := h.fabric.Trace(r.Context(), subject, r.URL.Query().Get("user_id"), h.isAdmin(r))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	if view.Atom == nil && len(view.Events) == 0 {
		response.Error(w, r, http.StatusNotFound, response.CodeNotFound, "no trace events for subject")
		return
	}
	response.JSON(w, http.StatusOK, view)
}

// Benchmark handles POST /api/v1/benchmark.
func (h *Handler) Benchmark(w http.ResponseWriter, r *http.Request) {
	var req fabric.BenchmarkRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.fabric.Benchmark(r.Context(), &req)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"ports":   h.fabric.Health(r.Context()),
	})
}

// Ready handles GET /ready. Ready means at least one port is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.HealthSnapshot(r.Context())
	for _, ph := range snapshot {
		if ph.Healthy {
			response.JSON(w, http.StatusOK, map[string]any{"ready": true})
			return
		}
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"build_time": version.BuildTime,
		"git_commit": version.GitCommit,
		"ports":      h.registry.HealthSnapshot(r.Context()),
	})
}

// ResetBreakers handles POST /api/v1/admin/reset_breakers (admin-guarded).
func (h *Handler) ResetBreakers(w http.ResponseWriter, r *http.Request) {
	h.registry.Reset()
	response.JSON(w, http.StatusOK, map[string]any{"reset": true})
}
