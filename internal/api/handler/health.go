// Package handler serves the SCEP responder endpoint and its health probes.
package handler

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/remiblancher/go-scep/internal/api/dto"
)

// ReadyCheck reports whether one dependency of the responder is usable.
type ReadyCheck func() bool

// HealthHandler handles health and readiness endpoints.
type HealthHandler struct {
	version string
	path    string
	scep    *SCEPHandler
	checks  map[string]ReadyCheck
}

// NewHealthHandler creates a HealthHandler describing the responder at path.
func NewHealthHandler(version, path string, scep *SCEPHandler, checks map[string]ReadyCheck) *HealthHandler {
	return &HealthHandler{
		version: version,
		path:    path,
		scep:    scep,
		checks:  checks,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := dto.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Path:    h.path,
	}
	if h.scep != nil {
		resp.CA = h.scep.cfg.Certificates[0].Subject.String()
		for _, c := range h.scep.caps.List() {
			resp.Capabilities = append(resp.Capabilities, string(c))
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := map[string]bool{"server": true}
	allReady := true
	for _, name := range names {
		ok := h.checks[name]()
		checks[name] = ok
		if !ok {
			allReady = false
		}
	}

	resp := dto.ReadyResponse{
		Ready:  allReady,
		Checks: checks,
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, resp)
}

// NotFound answers requests outside the SCEP path and probes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, &dto.APIError{
		Code:    "NOT_FOUND",
		Message: "no route for " + r.URL.Path,
	})
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, apiErr *dto.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
