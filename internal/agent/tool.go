package agent

import (
	"context"
	"encoding/json"
	"net/http"
)

// Tool is the contract every agent-callable operation implements.
//
// Parameters are declared statically through Params so the registry can
// derive the agent-facing JSON Schema and validate arguments without
// reflection. Execute receives arguments that already passed structural
// validation, with defaults applied for absent optional parameters.
//
// Implementing a Tool:
//
//	type ListTables struct{ gw sqlgateway.Gateway }
//
//	func (t *ListTables) Name() string        { return "list_tables" }
//	func (t *ListTables) Description() string { return "List tables in a schema" }
//	func (t *ListTables) Params() []agent.Param {
//	    return []agent.Param{{Name: "schema", Type: agent.TypeString, Default: "public"}}
//	}
//	func (t *ListTables) Execute(ctx context.Context, params json.RawMessage, tc agent.ToolContext) (*agent.ToolResult, error) {
//	    ...
//	    return agent.OK(rows), nil
//	}
//
// Returning an error and returning a failed ToolResult are equivalent: the
// registry converts errors into {success:false} results. Use *ToolError to
// choose the reported code.
type Tool interface {
	// Name returns the tool name used for agent function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Params declares the tool's parameters in order.
	Params() []Param

	// Execute runs the tool.
	Execute(ctx context.Context, params json.RawMessage, tc ToolContext) (*ToolResult, error)
}

// ToolContext carries per-call execution context. It is built fresh for
// every turn and copied by value into each dispatch.
type ToolContext struct {
	// ProjectRef identifies the target database project.
	ProjectRef string

	// ConnectionString is forwarded to the SQL gateway. It is never logged.
	ConnectionString string

	// UserID is the end user the turn runs for.
	UserID string

	// Headers are forwarded to the SQL gateway for authorization.
	Headers http.Header
}

// Clone returns a copy whose header map is not shared with the receiver.
func (tc ToolContext) Clone() ToolContext {
	out := tc
	if tc.Headers != nil {
		out.Headers = tc.Headers.Clone()
	}
	return out
}

// ToolResult is the outcome of one tool call.
//
// A successful result serializes as {"success":true,"data":...}; a failed one
// as {"success":false,"error":"...","code":"..."}. Warnings are included in
// either form when present.
type ToolResult struct {
	Success  bool
	Data     any
	Error    string
	Code     ErrorCode
	Warnings []string
}

// OK returns a successful result wrapping data.
func OK(data any) *ToolResult {
	return &ToolResult{Success: true, Data: data}
}

// Fail returns a failed result with the given code and message.
func Fail(code ErrorCode, message string) *ToolResult {
	return &ToolResult{Code: code, Error: message}
}

// FailFromError converts err into a failed result.
func FailFromError(err error) *ToolResult {
	return Fail(CodeOf(err), MessageOf(err))
}

// WithWarnings appends warnings to the result.
func (r *ToolResult) WithWarnings(warnings ...string) *ToolResult {
	r.Warnings = append(r.Warnings, warnings...)
	return r
}

// MarshalJSON implements json.Marshaler.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	if r.Success {
		return json.Marshal(struct {
			Success  bool     `json:"success"`
			Data     any      `json:"data"`
			Warnings []string `json:"warnings,omitempty"`
		}{true, r.Data, r.Warnings})
	}
	return json.Marshal(struct {
		Success  bool      `json:"success"`
		Error    string    `json:"error"`
		Code     ErrorCode `json:"code,omitempty"`
		Warnings []string  `json:"warnings,omitempty"`
	}{false, r.Error, r.Code, r.Warnings})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ToolResult) UnmarshalJSON(b []byte) error {
	var raw struct {
		Success  bool      `json:"success"`
		Data     any       `json:"data"`
		Error    string    `json:"error"`
		Code     ErrorCode `json:"code"`
		Warnings []string  `json:"warnings"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = ToolResult{
		Success:  raw.Success,
		Data:     raw.Data,
		Error:    raw.Error,
		Code:     raw.Code,
		Warnings: raw.Warnings,
	}
	return nil
}

// String serializes the result for submission as a tool output.
func (r ToolResult) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(Fail(CodeExecutionFailed, "result could not be serialized: "+err.Error()))
		return string(fallback)
	}
	return string(b)
}
