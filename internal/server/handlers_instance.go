package server

import "net/http"

// getPath handles GET /path
func (s *Server) getPath(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"directory": getDirectory(r.Context())})
}

// disposeInstance handles POST /instance/dispose. Session state lives in the
// durable store, not in server memory, so there is nothing here to drain
// beyond acknowledging the request; a restarted instance picks every session
// back up from the repository.
func (s *Server) disposeInstance(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w)
}
