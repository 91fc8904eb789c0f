package assistant

import (
	"context"
	"errors"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/threads"
)

var (
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrRateLimited is returned when a user sends turns faster than allowed.
	ErrRateLimited = errors.New("rate limited")

	// ErrThreadCreationFailed is returned when no thread could be created for the user.
	ErrThreadCreationFailed = threads.ErrThreadCreationFailed

	// ErrAssistantRunFailed is returned when the backend run ended without an answer.
	ErrAssistantRunFailed = agent.ErrAssistantRunFailed

	// ErrResponseTimeout is returned when the run did not finish within the poll budget.
	ErrResponseTimeout = agent.ErrResponseTimeout
)

// UserMessage turns an orchestration error into text that can be shown to
// an end user. Internal details never leak through it.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyMessage):
		return "Please enter a message."
	case errors.Is(err, ErrRateLimited):
		return "You're sending messages too quickly. Please wait a moment and try again."
	case errors.Is(err, ErrThreadCreationFailed):
		return "I couldn't start a conversation right now. Please try again later."
	case errors.Is(err, ErrResponseTimeout):
		return "The assistant took too long to respond. Please try again."
	case errors.Is(err, ErrAssistantRunFailed):
		return "The assistant couldn't complete your request. Please try again."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled before it finished."
	default:
		return "Something went wrong. Please try again."
	}
}
