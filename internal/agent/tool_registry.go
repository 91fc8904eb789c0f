package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ToolRegistry holds the registered tools, their agent-facing schemas and
// compiled argument validators. It is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

type registeredTool struct {
	tool      Tool
	params    []Param
	schema    FunctionSchema
	validator *jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*registeredTool),
	}
}

// Register adds tools to the registry. Registration is all-or-nothing: a
// duplicate name or an invalid parameter declaration leaves the registry
// unchanged.
func (r *ToolRegistry) Register(tools ...Tool) error {
	prepared := make([]*registeredTool, 0, len(tools))
	batch := make(map[string]bool, len(tools))
	for _, tool := range tools {
		if tool == nil {
			return errors.New("register: nil tool")
		}
		name := tool.Name()
		if !toolNamePattern.MatchString(name) {
			return fmt.Errorf("register %q: tool names must match %s", name, toolNamePattern)
		}
		if batch[name] {
			return fmt.Errorf("register %q: %w", name, ErrDuplicateTool)
		}
		batch[name] = true

		entry, err := compileTool(tool)
		if err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
		prepared = append(prepared, entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range prepared {
		if _, exists := r.tools[entry.schema.Name]; exists {
			return fmt.Errorf("register %q: %w", entry.schema.Name, ErrDuplicateTool)
		}
	}
	for _, entry := range prepared {
		r.tools[entry.schema.Name] = entry
	}
	return nil
}

func compileTool(tool Tool) (*registeredTool, error) {
	params := tool.Params()
	parameters, err := BuildParametersSchema(params)
	if err != nil {
		return nil, err
	}
	validator, err := jsonschema.CompileString(tool.Name()+".schema.json", string(parameters))
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return &registeredTool{
		tool:   tool,
		params: params,
		schema: FunctionSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  parameters,
		},
		validator: validator,
	}, nil
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the agent-facing schemas sorted by tool name.
func (r *ToolRegistry) Schemas() []FunctionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]FunctionSchema, 0, len(r.tools))
	for _, entry := range r.tools {
		schemas = append(schemas, entry.schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Dispatch runs the named tool with raw JSON arguments and always returns a
// result. Unknown tools, malformed arguments, tool errors and panics are all
// reported as {success:false} results with a code; Dispatch itself never
// fails.
func (r *ToolRegistry) Dispatch(ctx context.Context, name, rawArgs string, tc ToolContext) (result ToolResult) {
	if len(name) > MaxToolNameLength {
		return *Fail(CodeUnknownTool, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(rawArgs) > MaxToolParamsSize {
		return *Fail(CodeInvalidArguments, fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return *Fail(CodeUnknownTool, "unknown tool: "+name)
	}

	params, err := entry.prepareArguments(rawArgs)
	if err != nil {
		return *Fail(CodeInvalidArguments, err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = *Fail(CodeToolPanic, fmt.Sprintf("%s: %v", ErrToolPanic, rec))
		}
	}()

	out, err := entry.tool.Execute(ctx, params, tc.Clone())
	switch {
	case err != nil:
		return *FailFromError(err)
	case out == nil:
		return *Fail(CodeExecutionFailed, "tool returned no result")
	case !out.Success && out.Code == "":
		failed := *out
		failed.Code = CodeExecutionFailed
		return failed
	default:
		return *out
	}
}

func (e *registeredTool) prepareArguments(rawArgs string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(rawArgs)
	if trimmed == "" {
		trimmed = "{}"
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	args, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a JSON object")
	}

	if err := e.validator.Validate(args); err != nil {
		return nil, fmt.Errorf("arguments do not match schema: %s", describeValidationError(err))
	}

	applyDefaults(args, e.params)
	return json.Marshal(args)
}

func describeValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			location := v.InstanceLocation
			if location == "" {
				location = "/"
			}
			leaves = append(leaves, location+": "+v.Message)
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return strings.Join(leaves, "; ")
}
