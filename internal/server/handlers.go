package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/dbpilot/internal/assistant"
	"github.com/haasonsaas/dbpilot/internal/observability"
)

const maxChatBodyBytes = 1 << 20

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID           string `json:"user_id"`
	Message          string `json:"message"`
	ProjectRef       string `json:"project_ref,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`
}

// ToolCallSummary describes one tool call made during the turn.
type ToolCallSummary struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// ChatResponse is the body returned by POST /v1/chat.
type ChatResponse struct {
	Reply     string            `json:"reply"`
	ThreadID  string            `json:"thread_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	ToolCalls []ToolCallSummary `json:"tool_calls,omitempty"`
}

// ErrorResponse is returned for any non-2xx status.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "Request body must be a JSON chat request.")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.writeError(ctx, w, http.StatusBadRequest, "user_id is required.")
		return
	}
	ctx = observability.AddUserID(ctx, req.UserID)

	result, err := s.service.Chat(ctx, req.UserID, req.Message, assistant.ManagerContext{
		ProjectRef:       req.ProjectRef,
		ConnectionString: req.ConnectionString,
		Headers:          r.Header.Clone(),
	})
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error(ctx, "chat turn failed", "error", err)
		} else {
			s.logger.Info(ctx, "chat turn rejected", "error", err)
		}
		s.writeError(ctx, w, status, assistant.UserMessage(err))
		return
	}

	resp := ChatResponse{
		Reply:    result.Text,
		ThreadID: result.ThreadID,
		RunID:    result.RunID,
	}
	for _, call := range result.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCallSummary{
			CallID:     call.CallID,
			Name:       call.ToolName,
			Success:    call.Result.Success,
			DurationMS: call.Duration.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearThread(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		s.writeError(r.Context(), w, http.StatusBadRequest, "user_id is required.")
		return
	}
	ctx := observability.AddUserID(r.Context(), userID)
	s.service.ClearThread(ctx, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps assistant failures onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, assistant.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, assistant.ErrThreadCreationFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, assistant.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, assistant.ErrAssistantRunFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: observability.GetRequestID(ctx),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}
