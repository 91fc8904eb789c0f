package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/agent/toolconv"
)

// OpenAIAssistants implements agent.Backend and agent.AgentRegistry on the
// OpenAI Assistants API (threads, messages, runs and tool output
// submission).
//
// Every error it returns is a *ProviderError, classified so that
// agent.Retryable distinguishes transient transport failures from
// permanent rejections, and matching agent.ErrBackendNotFound on 404.
//
// Thread Safety:
// OpenAIAssistants is safe for concurrent use across multiple goroutines.
//
// Example:
//
//	backend := providers.NewOpenAIAssistants(providers.OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")})
//	thread, err := backend.CreateThread(ctx, map[string]any{"user_id": "u1"})
type OpenAIAssistants struct {
	client *openai.Client

	// listPageSize bounds pages fetched while searching assistants by name.
	listPageSize int
}

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy or a test server.
	BaseURL string

	// Organization is sent as the OpenAI-Organization header when set.
	Organization string

	// HTTPClient overrides the transport. Default: 60 second timeout.
	HTTPClient *http.Client
}

// NewOpenAIAssistants creates the backend.
func NewOpenAIAssistants(cfg OpenAIConfig) *OpenAIAssistants {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Organization != "" {
		clientConfig.OrgID = cfg.Organization
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	} else {
		clientConfig.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIAssistants{
		client:       openai.NewClientWithConfig(clientConfig),
		listPageSize: 100,
	}
}

// Name returns the backend identifier used for logging.
func (p *OpenAIAssistants) Name() string {
	return "openai"
}

// CreateThread creates an empty thread carrying metadata.
func (p *OpenAIAssistants) CreateThread(ctx context.Context, metadata map[string]any) (*agent.Thread, error) {
	thread, err := p.client.CreateThread(ctx, openai.ThreadRequest{Metadata: stringMetadata(metadata)})
	if err != nil {
		return nil, wrapOpenAIError("create thread", err)
	}
	return convertThread(thread), nil
}

// RetrieveThread fetches a thread, failing with agent.ErrBackendNotFound
// when it no longer exists.
func (p *OpenAIAssistants) RetrieveThread(ctx context.Context, threadID string) (*agent.Thread, error) {
	thread, err := p.client.RetrieveThread(ctx, threadID)
	if err != nil {
		return nil, wrapOpenAIError("retrieve thread", err)
	}
	return convertThread(thread), nil
}

// DeleteThread deletes a thread. Deleting a missing thread succeeds.
func (p *OpenAIAssistants) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := p.client.DeleteThread(ctx, threadID); err != nil {
		wrapped := wrapOpenAIError("delete thread", err)
		if errors.Is(wrapped, agent.ErrBackendNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

// AppendMessage adds a user message to the thread.
func (p *OpenAIAssistants) AppendMessage(ctx context.Context, threadID, text string) (*agent.Message, error) {
	msg, err := p.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: text,
	})
	if err != nil {
		return nil, wrapOpenAIError("append message", err)
	}
	return convertMessage(msg), nil
}

// LatestAssistantMessage returns the newest assistant message of runID.
func (p *OpenAIAssistants) LatestAssistantMessage(ctx context.Context, threadID, runID string) (*agent.Message, error) {
	limit := 20
	order := "desc"
	var run *string
	if runID != "" {
		run = &runID
	}
	list, err := p.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, run)
	if err != nil {
		return nil, wrapOpenAIError("list messages", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != string(openai.ThreadMessageRoleAssistant) {
			continue
		}
		converted := convertMessage(msg)
		if converted.Text == "" {
			continue
		}
		return converted, nil
	}
	return nil, fmt.Errorf("no assistant message for run %s: %w", runID, agent.ErrBackendNotFound)
}

// CreateRun starts a run of an assistant on the thread.
func (p *OpenAIAssistants) CreateRun(ctx context.Context, threadID string, req agent.RunRequest) (*agent.Run, error) {
	run, err := p.client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID:            req.AssistantID,
		Instructions:           req.Instructions,
		AdditionalInstructions: req.AdditionalInstructions,
		Metadata:               stringMetadata(req.Metadata),
	})
	if err != nil {
		return nil, wrapOpenAIError("create run", err)
	}
	return convertRun(run), nil
}

// RetrieveRun fetches the current state of a run.
func (p *OpenAIAssistants) RetrieveRun(ctx context.Context, threadID, runID string) (*agent.Run, error) {
	run, err := p.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return nil, wrapOpenAIError("retrieve run", err)
	}
	return convertRun(run), nil
}

// SubmitToolOutputs answers every pending tool call of a run in one request.
func (p *OpenAIAssistants) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []agent.ToolOutput) (*agent.Run, error) {
	req := openai.SubmitToolOutputsRequest{ToolOutputs: make([]openai.ToolOutput, len(outputs))}
	for i, out := range outputs {
		req.ToolOutputs[i] = openai.ToolOutput{ToolCallID: out.CallID, Output: out.Output}
	}
	run, err := p.client.SubmitToolOutputs(ctx, threadID, runID, req)
	if err != nil {
		return nil, wrapOpenAIError("submit tool outputs", err)
	}
	return convertRun(run), nil
}

// CancelRun asks the backend to stop a run.
func (p *OpenAIAssistants) CancelRun(ctx context.Context, threadID, runID string) error {
	if _, err := p.client.CancelRun(ctx, threadID, runID); err != nil {
		return wrapOpenAIError("cancel run", err)
	}
	return nil
}

// RetrieveAgent fetches an assistant by id.
func (p *OpenAIAssistants) RetrieveAgent(ctx context.Context, id string) (*agent.AgentDefinition, error) {
	asst, err := p.client.RetrieveAssistant(ctx, id)
	if err != nil {
		return nil, wrapOpenAIError("retrieve assistant", err)
	}
	return convertAssistant(asst), nil
}

// FindAgent pages through the account's assistants for one named name.
func (p *OpenAIAssistants) FindAgent(ctx context.Context, name string) (*agent.AgentDefinition, error) {
	limit := p.listPageSize
	order := "desc"
	var after *string
	for {
		list, err := p.client.ListAssistants(ctx, &limit, &order, after, nil)
		if err != nil {
			return nil, wrapOpenAIError("list assistants", err)
		}
		for _, asst := range list.Assistants {
			if asst.Name != nil && *asst.Name == name {
				return convertAssistant(asst), nil
			}
		}
		if !list.HasMore || list.LastID == nil || len(list.Assistants) == 0 {
			break
		}
		after = list.LastID
	}
	return nil, fmt.Errorf("assistant %q: %w", name, agent.ErrBackendNotFound)
}

// CreateAgent creates an assistant from def.
func (p *OpenAIAssistants) CreateAgent(ctx context.Context, def agent.AgentDefinition) (*agent.AgentDefinition, error) {
	req, err := assistantRequest(def)
	if err != nil {
		return nil, err
	}
	asst, err := p.client.CreateAssistant(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError("create assistant", err)
	}
	return convertAssistant(asst), nil
}

// UpdateAgent replaces the model, instructions and tools of an assistant.
func (p *OpenAIAssistants) UpdateAgent(ctx context.Context, id string, def agent.AgentDefinition) (*agent.AgentDefinition, error) {
	req, err := assistantRequest(def)
	if err != nil {
		return nil, err
	}
	asst, err := p.client.ModifyAssistant(ctx, id, req)
	if err != nil {
		return nil, wrapOpenAIError("modify assistant", err)
	}
	return convertAssistant(asst), nil
}

func assistantRequest(def agent.AgentDefinition) (openai.AssistantRequest, error) {
	tools, err := toolconv.ToAssistantTools(def.Tools)
	if err != nil {
		return openai.AssistantRequest{}, fmt.Errorf("convert tools: %w", err)
	}
	req := openai.AssistantRequest{
		Model:    def.Model,
		Tools:    tools,
		Metadata: stringMetadata(def.Metadata),
	}
	if def.Name != "" {
		req.Name = &def.Name
	}
	if def.Description != "" {
		req.Description = &def.Description
	}
	if def.Instructions != "" {
		req.Instructions = &def.Instructions
	}
	return req, nil
}

// stringMetadata renders metadata values as strings; the Assistants API
// only accepts string values.
func stringMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func convertThread(t openai.Thread) *agent.Thread {
	return &agent.Thread{
		ID:        t.ID,
		CreatedAt: time.Unix(t.CreatedAt, 0),
		Metadata:  t.Metadata,
	}
}

func convertMessage(m openai.Message) *agent.Message {
	var parts []string
	for _, content := range m.Content {
		if content.Text != nil && content.Text.Value != "" {
			parts = append(parts, content.Text.Value)
		}
	}
	msg := &agent.Message{
		ID:        m.ID,
		Role:      m.Role,
		Text:      strings.Join(parts, "\n"),
		CreatedAt: time.Unix(int64(m.CreatedAt), 0),
	}
	if m.RunID != nil {
		msg.RunID = *m.RunID
	}
	return msg
}

func convertRun(r openai.Run) *agent.Run {
	run := &agent.Run{
		ID:       r.ID,
		ThreadID: r.ThreadID,
		Status:   agent.RunStatus(r.Status),
	}
	if r.RequiredAction != nil && r.RequiredAction.SubmitToolOutputs != nil {
		calls := r.RequiredAction.SubmitToolOutputs.ToolCalls
		run.PendingCalls = make([]agent.PendingToolCall, 0, len(calls))
		for _, call := range calls {
			run.PendingCalls = append(run.PendingCalls, agent.PendingToolCall{
				CallID:       call.ID,
				ToolName:     call.Function.Name,
				RawArguments: call.Function.Arguments,
			})
		}
	}
	if r.LastError != nil {
		run.LastError = &agent.RunFailure{
			Code:    string(r.LastError.Code),
			Message: r.LastError.Message,
		}
	}
	return run
}

func convertAssistant(a openai.Assistant) *agent.AgentDefinition {
	def := &agent.AgentDefinition{
		ID:       a.ID,
		Model:    a.Model,
		Metadata: a.Metadata,
		Tools:    toolconv.FromAssistantTools(a.Tools),
	}
	if a.Name != nil {
		def.Name = *a.Name
	}
	if a.Description != nil {
		def.Description = *a.Description
	}
	if a.Instructions != nil {
		def.Instructions = *a.Instructions
	}
	return def
}
