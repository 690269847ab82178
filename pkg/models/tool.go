package models

import (
	"encoding/json"
	"fmt"
)

// ParameterType is a JSON-schema primitive type name.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeInteger ParameterType = "integer"
	TypeBoolean ParameterType = "boolean"
	TypeNull    ParameterType = "null"
	TypeObject  ParameterType = "object"
	TypeArray   ParameterType = "array"
)

var parameterTypes = map[ParameterType]bool{
	TypeString: true, TypeNumber: true, TypeInteger: true,
	TypeBoolean: true, TypeNull: true, TypeObject: true, TypeArray: true,
}

// ToolParameter describes one named parameter of a tool.
type ToolParameter struct {
	Type        ParameterType `json:"type"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	// Enum restricts the parameter to the listed string values.
	Enum []string `json:"enum,omitempty"`
	// Optional parameters are excluded from the schema's required array.
	Optional bool `json:"optional,omitempty"`
}

// Tool describes a callable tool: a name, a description the model selects
// by, and an ordered parameter list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// NewTool validates the tool and parameter names and types.
func NewTool(name, description string, params ...ToolParameter) (*Tool, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if err := ValidateName(p.Name); err != nil {
			return nil, err
		}
		if !parameterTypes[p.Type] {
			return nil, &ValidationError{
				Field:   "parameters." + p.Name,
				Message: fmt.Sprintf("unknown JSON-schema type %q", p.Type),
			}
		}
		if seen[p.Name] {
			return nil, &ValidationError{
				Field:   "parameters." + p.Name,
				Message: "duplicate parameter name",
			}
		}
		seen[p.Name] = true
	}
	return &Tool{Name: name, Description: description, Parameters: params}, nil
}

// Parameter returns the named parameter, if declared.
func (t *Tool) Parameter(name string) (ToolParameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ToolParameter{}, false
}

// Schema serializes the parameter list to a JSON-schema object with
// type "object", per-parameter properties, and a required array. The
// required array is omitted when every parameter is optional.
func (t *Tool) Schema() json.RawMessage {
	properties := make(map[string]any, len(t.Parameters))
	var required []string
	for _, p := range t.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if !p.Optional {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	// Marshaling a map of plain strings and string slices cannot fail.
	encoded, _ := json.Marshal(schema)
	return encoded
}

// WireTool is the serialized tool definition sent as one entry of the
// request's functions array.
type WireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// WireTools serializes a tool list for the completion request. An empty
// list yields nil so the functions field is omitted, not sent as [].
func WireTools(tools []*Tool) []WireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]WireTool, len(tools))
	for i, t := range tools {
		out[i] = WireTool{Name: t.Name, Description: t.Description, Parameters: t.Schema()}
	}
	return out
}
