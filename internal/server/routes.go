package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the engine's HTTP API surface.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/path", s.getPath)

	r.Route("/project", func(r chi.Router) {
		r.Get("/", s.listProjects)
		r.Get("/current", s.getCurrentProject)
		r.Post("/{id}/update", s.updateProject)
	})

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			r.Post("/prompt", s.sendPrompt)
			r.Get("/message", s.getMessages)
			r.Get("/message/{messageID}/part", s.getMessageParts)

			r.Get("/children", s.getChildren)
			r.Post("/fork", s.forkSession)
			r.Post("/abort", s.abortSession)
			r.Post("/share", s.shareSession)
			r.Post("/unshare", s.unshareSession)
			r.Post("/revert", s.revertSession)
			r.Post("/unrevert", s.unrevertSession)

			r.Post("/permission/{permissionID}", s.respondPermission)
		})
	})

	r.Get("/event", s.events)

	r.Route("/file", func(r chi.Router) {
		r.Get("/", s.listFiles)
	})

	r.Route("/find", func(r chi.Router) {
		r.Get("/files", s.searchFiles)
	})

	r.Post("/instance/dispose", s.disposeInstance)

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.Metrics().ServeHTTP(w, r)
	})
}
