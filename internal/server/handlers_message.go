package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-core/engine/internal/event"
	"github.com/opencode-core/engine/pkg/types"
)

// PromptRequest is the request body for POST /session/{sessionID}/prompt.
type PromptRequest struct {
	Content     string             `json:"content"`
	Agent       string             `json:"agent,omitempty"`
	Model       *types.ModelRef    `json:"model,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// MessageResponse pairs a message with its parts.
type MessageResponse struct {
	Info  *types.Message `json:"info"`
	Parts []types.Part   `json:"parts"`
}

// sendPrompt handles POST /session/{sessionID}/prompt. The turn runs against
// a background context so a client disconnecting mid-stream does not cancel
// an in-flight LLM call; callers follow progress over the /event feed rather
// than the HTTP response body, which only carries the final message.
func (s *Server) sendPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorUnknown, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, types.ErrorUnknown, "content is required")
		return
	}

	sess, err := s.sessionService.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrorNotFound, "session not found")
		return
	}

	turnCtx := context.Background()
	assistantMsg, parts, err := s.sessionService.ProcessMessage(turnCtx, sess, req.Content, req.Model, func(msg *types.Message, parts []types.Part) {
		event.Publish(event.Event{
			Type: event.MessageUpdated,
			Data: event.MessageUpdatedData{Info: msg},
		})
	})
	if err != nil {
		msgErr := &types.MessageError{Type: types.ErrorUnknown, Message: err.Error()}
		if assistantMsg != nil {
			assistantMsg.Error = msgErr
		}
		event.Publish(event.Event{
			Type: event.SessionError,
			Data: event.SessionErrorData{SessionID: sessionID, Error: msgErr},
		})
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Info: assistantMsg, Parts: parts})
}

// getMessages handles GET /session/{sessionID}/message
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := s.sessionService.GetMessages(r.Context(), sessionID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	result := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		parts, _ := s.sessionService.GetParts(r.Context(), msg.ID)
		if parts == nil {
			parts = []types.Part{}
		}
		result = append(result, MessageResponse{Info: msg, Parts: parts})
	}

	writeJSON(w, http.StatusOK, result)
}

// getMessageParts handles GET /session/{sessionID}/message/{messageID}/part
func (s *Server) getMessageParts(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	parts, err := s.sessionService.GetParts(r.Context(), messageID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if parts == nil {
		parts = []types.Part{}
	}
	writeJSON(w, http.StatusOK, parts)
}
