package agent

import (
	"encoding/json"
	"fmt"
)

// ParamType is a JSON Schema primitive type.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param declares one tool parameter. Nested arrays and objects are described
// through Items and Properties.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool

	// Default is applied by the registry when an optional parameter is absent.
	Default any

	Enum       []string
	Items      *Param
	Properties []Param

	Minimum *float64
	Maximum *float64

	// Nullable additionally accepts JSON null.
	Nullable bool
}

// Float returns a pointer to v, for Minimum and Maximum.
func Float(v float64) *float64 {
	return &v
}

// FunctionSchema is the agent-facing description of one tool.
type FunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// BuildParametersSchema renders params as a JSON Schema object:
// {"type":"object","properties":{...},"required":[...]}.
//
// The output is a pure function of params. Property keys are emitted in
// sorted order by encoding/json and required names keep declaration order.
func BuildParametersSchema(params []Param) (json.RawMessage, error) {
	if err := validateParams(params, ""); err != nil {
		return nil, err
	}
	return json.Marshal(objectSchema(params))
}

func objectSchema(params []Param) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		properties[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func paramSchema(p Param) map[string]any {
	schema := map[string]any{}
	if p.Nullable {
		schema["type"] = []string{string(p.Type), "null"}
	} else {
		schema["type"] = string(p.Type)
	}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		schema["enum"] = p.Enum
	}
	if p.Default != nil {
		schema["default"] = p.Default
	}
	if p.Minimum != nil {
		schema["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		schema["maximum"] = *p.Maximum
	}
	switch p.Type {
	case TypeArray:
		if p.Items != nil {
			schema["items"] = paramSchema(*p.Items)
		}
	case TypeObject:
		if len(p.Properties) > 0 {
			nested := objectSchema(p.Properties)
			schema["properties"] = nested["properties"]
			schema["required"] = nested["required"]
		}
	}
	return schema
}

func validateParams(params []Param, path string) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		name := path + p.Name
		if p.Name == "" {
			return fmt.Errorf("parameter under %q has no name", path)
		}
		if seen[p.Name] {
			return fmt.Errorf("parameter %q declared twice", name)
		}
		seen[p.Name] = true
		if err := validateParam(p, name); err != nil {
			return err
		}
	}
	return nil
}

func validateParam(p Param, name string) error {
	switch p.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
	case TypeArray:
		if p.Items != nil {
			if err := validateParam(*p.Items, name+"[]"); err != nil {
				return err
			}
		}
	case TypeObject:
		if err := validateParams(p.Properties, name+"."); err != nil {
			return err
		}
	default:
		return fmt.Errorf("parameter %q has unsupported type %q", name, p.Type)
	}
	return nil
}

// applyDefaults fills absent optional top-level parameters with their defaults.
func applyDefaults(args map[string]any, params []Param) {
	for _, p := range params {
		if p.Default == nil {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			args[p.Name] = p.Default
		}
	}
}
