package sqlgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBodySize = 64 << 10

// DefaultForwardHeaders are the caller headers the HTTP gateway passes on.
var DefaultForwardHeaders = []string{
	"Authorization",
	"X-Connection-Encrypted",
	"X-Request-Id",
	"Apikey",
}

// HTTPConfig configures the platform query API client.
type HTTPConfig struct {
	// BaseURL is the platform API root, e.g. https://api.example.com.
	BaseURL string

	// Timeout bounds each query round trip.
	Timeout time.Duration

	// ForwardHeaders overrides DefaultForwardHeaders.
	ForwardHeaders []string

	// HTTPClient replaces the default client.
	HTTPClient *http.Client
}

// HTTPGateway runs SQL through a platform's project query endpoint:
// POST {base}/v1/projects/{ref}/database/query with {"query": sql}.
type HTTPGateway struct {
	baseURL    string
	forward    []string
	httpClient *http.Client
}

// NewHTTPGateway creates an HTTP gateway.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("sqlgateway: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("sqlgateway: invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	forward := cfg.ForwardHeaders
	if len(forward) == 0 {
		forward = DefaultForwardHeaders
	}

	return &HTTPGateway{
		baseURL:    base,
		forward:    forward,
		httpClient: client,
	}, nil
}

// Name implements Gateway.
func (g *HTTPGateway) Name() string {
	return "http"
}

// Execute implements Gateway.
func (g *HTTPGateway) Execute(ctx context.Context, req Request, headers http.Header) (*Result, error) {
	if strings.TrimSpace(req.ProjectRef) == "" {
		return nil, ErrNoConnection
	}

	body, err := json.Marshal(map[string]string{"query": req.SQL})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/database/query", g.baseURL, url.PathEscape(req.ProjectRef))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for _, name := range g.forward {
		if value := headers.Get(name); value != "" {
			httpReq.Header.Set(name, value)
		}
	}
	if req.ConnectionString != "" && httpReq.Header.Get("X-Connection-Encrypted") == "" {
		httpReq.Header.Set("X-Connection-Encrypted", req.ConnectionString)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &GatewayError{Gateway: g.Name(), Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if err != nil {
			raw = []byte("(failed to read response body)")
		}
		return nil, &GatewayError{
			Gateway: g.Name(),
			Status:  resp.StatusCode,
			Message: errorMessage(raw),
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		if err == io.EOF {
			return &Result{Rows: []map[string]any{}}, nil
		}
		return nil, &GatewayError{Gateway: g.Name(), Status: resp.StatusCode, Message: "decode response", Cause: err}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return &Result{Rows: rows}, nil
}

// errorMessage extracts the database message from an error body. Platforms
// answer with {"message": ...} or {"error": ...}; anything else is returned
// as text.
func errorMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		switch e := payload.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "query failed"
	}
	return text
}
