package api

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/HatimBenzahra/agent/internal/domain"
)

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ListFiles returns the workspace listing for a directory (default root).
func (h *ProjectHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	sb, err := h.sandboxes.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Workspace unavailable", "error", err)
		Error(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	files := sb.ListFiles(path)
	if files == nil {
		files = []domain.FileInfo{}
	}
	JSON(w, http.StatusOK, map[string]any{"files": files})
}

// ReadFile returns file content. With raw=true the bytes are served with a
// detected content type, for PDFs and images.
func (h *ProjectHandler) ReadFile(w http.ResponseWriter, r *http.Request) {
	sb, err := h.sandboxes.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Workspace unavailable", "error", err)
		Error(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, "path is required")
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		abs := sb.HostPath(path)
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			Error(w, http.StatusNotFound, "File not found")
			return
		}
		contentType := mime.TypeByExtension(filepath.Ext(abs))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		http.ServeFile(w, r, abs)
		return
	}

	content, err := sb.ReadFile(path)
	if err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"content": content, "path": path})
}

// WriteFile writes file content into the workspace.
func (h *ProjectHandler) WriteFile(w http.ResponseWriter, r *http.Request) {
	sb, err := h.sandboxes.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Workspace unavailable", "error", err)
		Error(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		Error(w, http.StatusBadRequest, "path is required")
		return
	}

	message, err := sb.WriteFile(req.Path, req.Content)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

// DeleteFile removes a file or directory from the workspace.
func (h *ProjectHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	sb, err := h.sandboxes.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Workspace unavailable", "error", err)
		Error(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, "path is required")
		return
	}

	message, err := sb.DeleteFile(path)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

// ChatHistory returns the persisted transcript for a project.
func (h *ProjectHandler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.repo.LoadHistory(r.Context(), chi.URLParam(r, "projectID"), 0)
	if err != nil {
		slog.Error("Failed to load chat history", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// ClearHistory deletes the persisted transcript for a project.
func (h *ProjectHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.repo.ClearHistory(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Failed to clear chat history", "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}
