package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNewToolValidation(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		params  []ToolParameter
		wantErr bool
	}{
		{"valid", "internet_search", []ToolParameter{{Type: TypeString, Name: "query"}}, false},
		{"no params", "ping", nil, false},
		{"bad tool name", "bad name", nil, true},
		{"bad param name", "ok", []ToolParameter{{Type: TypeString, Name: "bad name"}}, true},
		{"bad param type", "ok", []ToolParameter{{Type: "text", Name: "q"}}, true},
		{"duplicate param", "ok", []ToolParameter{
			{Type: TypeString, Name: "q"},
			{Type: TypeNumber, Name: "q"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTool(tt.tool, "desc", tt.params...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTool() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolSchema(t *testing.T) {
	tool, err := NewTool("internet_search", "Search the internet.",
		ToolParameter{Type: TypeString, Name: "query", Description: "Search terms."},
		ToolParameter{Type: TypeString, Name: "region", Enum: []string{"us", "eu"}, Optional: true},
	)
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("Schema() is not valid JSON: %v", err)
	}

	if schema["type"] != "object" {
		t.Errorf("type = %v, want object", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", schema)
	}
	query := props["query"].(map[string]any)
	if query["type"] != "string" || query["description"] != "Search terms." {
		t.Errorf("query property = %v", query)
	}
	region := props["region"].(map[string]any)
	if !reflect.DeepEqual(region["enum"], []any{"us", "eu"}) {
		t.Errorf("region enum = %v, want [us eu]", region["enum"])
	}
	if !reflect.DeepEqual(schema["required"], []any{"query"}) {
		t.Errorf("required = %v, want [query]", schema["required"])
	}
}

func TestToolSchemaZeroParameters(t *testing.T) {
	tool, err := NewTool("ping", "Liveness check.")
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("Schema() is not valid JSON: %v", err)
	}
	if _, hasRequired := schema["required"]; hasRequired {
		t.Error("required should be omitted for a tool with zero parameters")
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) != 0 {
		t.Errorf("properties = %v, want empty object", schema["properties"])
	}
}

func TestWireToolsEmpty(t *testing.T) {
	if got := WireTools(nil); got != nil {
		t.Errorf("WireTools(nil) = %v, want nil", got)
	}
	if got := WireTools([]*Tool{}); got != nil {
		t.Errorf("WireTools(empty) = %v, want nil", got)
	}
}
