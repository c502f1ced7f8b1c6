package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-core/engine/pkg/types"
)

// listProjects handles GET /project
func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.sessionService.ListProjects(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if projects == nil {
		projects = []*types.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// getCurrentProject handles GET /project/current
func (s *Server) getCurrentProject(w http.ResponseWriter, r *http.Request) {
	dir := getDirectory(r.Context())
	if dir == "" {
		writeError(w, http.StatusBadRequest, types.ErrorUnknown, "no directory bound to this instance")
		return
	}

	project, err := s.sessionService.ProjectForDirectory(r.Context(), dir)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrorNotFound, "no project for this directory")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// UpdateProjectRequest is the request body for POST /project/{id}/update.
type UpdateProjectRequest struct {
	Name      string `json:"name,omitempty"`
	IconURL   string `json:"iconURL,omitempty"`
	IconColor string `json:"iconColor,omitempty"`
}

// updateProject handles POST /project/{id}/update
func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorUnknown, "invalid JSON body")
		return
	}

	project, err := s.sessionService.UpdateProject(r.Context(), projectID, req.Name, req.IconURL, req.IconColor)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrorNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, project)
}
