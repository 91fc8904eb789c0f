package toolconv

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/dbpilot/internal/agent"
)

// ToAssistantTools converts registry schemas to OpenAI assistant function
// tools, preserving order. A nil or empty input yields an empty, non-nil
// slice so that updating an assistant clears tools that were removed.
func ToAssistantTools(schemas []agent.FunctionSchema) ([]openai.AssistantTool, error) {
	result := make([]openai.AssistantTool, len(schemas))
	for i, schema := range schemas {
		params := schema.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		} else if !json.Valid(params) {
			return nil, fmt.Errorf("tool %q: parameters are not valid JSON", schema.Name)
		}

		result[i] = openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  params,
			},
		}
	}
	return result, nil
}

// FromAssistantTools extracts function schemas from assistant tools.
// Non-function tools (code interpreter, file search) are skipped.
func FromAssistantTools(tools []openai.AssistantTool) []agent.FunctionSchema {
	var result []agent.FunctionSchema
	for _, tool := range tools {
		if tool.Type != openai.AssistantToolTypeFunction || tool.Function == nil {
			continue
		}
		params, err := json.Marshal(tool.Function.Parameters)
		if err != nil || string(params) == "null" {
			params = nil
		}
		result = append(result, agent.FunctionSchema{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  params,
		})
	}
	return result
}
