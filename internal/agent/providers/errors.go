package providers

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/dbpilot/internal/agent"
)

// ErrorReason categorizes why a backend request failed.
// This drives the retry decisions of the run driver.
type ErrorReason string

const (
	// ReasonBilling indicates payment/quota issues (HTTP 402)
	ReasonBilling ErrorReason = "billing"

	// ReasonRateLimit indicates rate limiting (HTTP 429)
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403)
	ReasonAuth ErrorReason = "auth"

	// ReasonTimeout indicates request timeout
	ReasonTimeout ErrorReason = "timeout"

	// ReasonNetwork indicates the request never got an HTTP response
	ReasonNetwork ErrorReason = "network"

	// ReasonServerError indicates server-side issues (HTTP 5xx)
	ReasonServerError ErrorReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400, 409, 422)
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonNotFound indicates a missing thread, run or assistant (HTTP 404)
	ReasonNotFound ErrorReason = "not_found"

	// ReasonModelUnavailable indicates the model is not available
	ReasonModelUnavailable ErrorReason = "model_unavailable"

	// ReasonContentFilter indicates content was blocked by safety filters
	ReasonContentFilter ErrorReason = "content_filter"

	// ReasonUnknown indicates an unclassified error
	ReasonUnknown ErrorReason = "unknown"
)

// IsRetryable returns true if the reason suggests retrying may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonNetwork, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError represents a structured error from the agent backend.
// It captures context needed for retry logic and debugging.
type ProviderError struct {
	// Reason categorizes the error for retry logic
	Reason ErrorReason

	// Provider is the name of the backend (e.g., "openai")
	Provider string

	// Operation is the backend call that failed (e.g., "retrieve run")
	Operation string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Operation != "" {
		parts = append(parts, e.Operation)
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is matches agent.ErrBackendNotFound for 404 responses.
func (e *ProviderError) Is(target error) bool {
	return target == agent.ErrBackendNotFound && e.Reason == ReasonNotFound
}

// Retryable reports whether the failed call may succeed if repeated.
func (e *ProviderError) Retryable() bool {
	return e.Reason.IsRetryable()
}

// NewProviderError creates a new ProviderError with the given parameters.
func NewProviderError(provider, operation string, cause error) *ProviderError {
	err := &ProviderError{
		Provider:  provider,
		Operation: operation,
		Cause:     cause,
		Reason:    ReasonUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}

	return err
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	// Reclassify based on known codes
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// wrapOpenAIError converts a go-openai error into a classified ProviderError.
// Status codes and error codes take precedence over message heuristics.
func wrapOpenAIError(operation string, err error) error {
	if err == nil {
		return nil
	}
	perr := NewProviderError("openai", operation, err)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		perr.WithMessage(apiErr.Message)
		if apiErr.HTTPStatusCode != 0 {
			perr.WithStatus(apiErr.HTTPStatusCode)
		}
		// Codes refine the status (a 429 may be insufficient_quota), except
		// that a missing resource stays not-found.
		if code, ok := apiErr.Code.(string); ok && code != "" {
			if perr.Reason == ReasonNotFound {
				perr.Code = code
			} else {
				perr.WithCode(code)
			}
		}
	case errors.As(err, &reqErr):
		if reqErr.Err != nil {
			perr.WithMessage(reqErr.Err.Error())
		}
		if reqErr.HTTPStatusCode != 0 {
			perr.WithStatus(reqErr.HTTPStatusCode)
		}
	}
	return perr
}

// ClassifyError inspects an error and returns the appropriate ErrorReason.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}

	errStr := strings.ToLower(err.Error())

	// Check for timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "etimedout") {
		return ReasonTimeout
	}

	// Check for connection patterns
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "unexpected eof") {
		return ReasonNetwork
	}

	// Check for rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") {
		return ReasonRateLimit
	}

	// Check for authentication patterns
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") {
		return ReasonAuth
	}

	// Check for billing patterns
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") {
		return ReasonBilling
	}

	// Check for content filter patterns
	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") {
		return ReasonContentFilter
	}

	// Check for model availability patterns
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") {
		return ReasonModelUnavailable
	}

	// Check for server error patterns
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") {
		return ReasonServerError
	}

	return ReasonUnknown
}

// classifyStatusCode returns a ErrorReason based on HTTP status code.
func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusNotFound:
		return ReasonNotFound
	case status >= 500:
		return ReasonServerError
	case status >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// classifyErrorCode returns a ErrorReason based on provider-specific error codes.
func classifyErrorCode(code string) ErrorReason {
	code = strings.ToLower(code)

	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	// Classify raw errors
	return ClassifyError(err).IsRetryable()
}
