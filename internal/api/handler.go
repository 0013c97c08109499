// Package api provides HTTP handlers for the studio REST API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/HatimBenzahra/agent/internal/sandbox"
	"github.com/HatimBenzahra/agent/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	sandboxes *sandbox.Manager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sandboxes *sandbox.Manager) *Handler {
	return &Handler{
		repo:      repo,
		sandboxes: sandboxes,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
