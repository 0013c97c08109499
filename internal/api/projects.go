package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ProjectHandler handles project CRUD endpoints.
type ProjectHandler struct {
	*Handler
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(base *Handler) *ProjectHandler {
	return &ProjectHandler{Handler: base}
}

// RegisterRoutes registers project and workspace routes.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)

			r.Get("/files", h.ListFiles)
			r.Post("/files", h.WriteFile)
			r.Delete("/files", h.DeleteFile)
			r.Get("/files/content", h.ReadFile)

			r.Get("/chat/history", h.ChatHistory)
			r.Delete("/chat/history", h.ClearHistory)
		})
	})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// List returns all projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repo.ListProjects(r.Context())
	if err != nil {
		slog.Error("Failed to list projects", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	views := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		views = append(views, p.APIView())
	}
	JSON(w, http.StatusOK, map[string]any{"projects": views})
}

// Create creates a new project and its workspace.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := h.repo.CreateProject(r.Context(), req.Name, req.Description)
	if err != nil {
		slog.Error("Failed to create project", "error", err, "name", req.Name)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	// The workspace exists from the start, not on first agent touch.
	if _, err := h.sandboxes.Get(project.ID); err != nil {
		slog.Warn("Failed to initialize workspace", "project_id", project.ID, "error", err)
	}

	slog.Info("Project created", "project_id", project.ID, "name", project.Name)
	JSON(w, http.StatusOK, map[string]any{"project": project.APIView()})
}

// Get returns one project.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	project, err := h.repo.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Failed to get project", "error", err)
		Error(w, http.StatusInternalServerError, "failed to get project")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "Project not found")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"project": project.APIView()})
}

// Update patches a project's name and description.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	project, err := h.repo.GetProject(ctx, chi.URLParam(r, "projectID"))
	if err != nil {
		slog.Error("Failed to get project for update", "error", err)
		Error(w, http.StatusInternalServerError, "failed to update project")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "Project not found")
		return
	}

	if req.Name != nil {
		project.Name = *req.Name
	}
	if req.Description != nil {
		project.Description = *req.Description
	}
	if err := h.repo.UpdateProject(ctx, project); err != nil {
		slog.Error("Failed to update project", "error", err, "project_id", project.ID)
		Error(w, http.StatusInternalServerError, "failed to update project")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"project": project.APIView()})
}

// Delete removes a project, its history, and its workspace.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")

	project, err := h.repo.GetProject(ctx, projectID)
	if err != nil {
		slog.Error("Failed to get project for delete", "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "Project not found")
		return
	}

	if err := h.repo.DeleteProject(ctx, projectID); err != nil {
		slog.Error("Failed to delete project", "error", err, "project_id", projectID)
		Error(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	if err := h.sandboxes.Delete(ctx, projectID); err != nil {
		slog.Warn("Failed to delete workspace", "project_id", projectID, "error", err)
	}

	slog.Info("Project deleted", "project_id", projectID)
	JSON(w, http.StatusOK, map[string]any{"success": true})
}
