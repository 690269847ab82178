package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parleybot/parley/pkg/models"
)

func searchTool(t *testing.T) *models.Tool {
	t.Helper()
	tool, err := models.NewTool("internet_search", "Searches the internet.",
		models.ToolParameter{Type: models.TypeString, Name: "query", Description: "Search terms."},
		models.ToolParameter{Type: models.TypeString, Name: "region", Optional: true, Enum: []string{"us", "eu"}},
	)
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}
	return tool
}

func echoHandler(_ context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	return "results for " + query, nil
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(searchTool(t), echoHandler); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	usage := models.NewToolUsage("internet_search", `{"query":"golang"}`)
	res, err := reg.Execute(context.Background(), usage)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Role != models.RoleFunction || res.Name != "internet_search" {
		t.Errorf("result = %+v, want function-role message named after the tool", res)
	}
	if res.Content != "results for golang" {
		t.Errorf("content = %q, want results for golang", res.Content)
	}
}

func TestRegistryExecuteFailures(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(searchTool(t), echoHandler); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name  string
		usage *models.Message
		want  string // substring expected in the error result
	}{
		{"unknown tool", models.NewToolUsage("no_such_tool", `{}`), "unknown tool"},
		{"malformed json", models.NewToolUsage("internet_search", `{"query":`), "invalid arguments"},
		{"missing required", models.NewToolUsage("internet_search", `{}`), "invalid arguments"},
		{"unknown parameter", models.NewToolUsage("internet_search", `{"query":"x","limit":3}`), "invalid arguments"},
		{"out of enum", models.NewToolUsage("internet_search", `{"query":"x","region":"asia"}`), "invalid arguments"},
		{"wrong type", models.NewToolUsage("internet_search", `{"query":42}`), "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Execute(context.Background(), tt.usage)
			if err != nil {
				t.Fatalf("Execute() error = %v (failures must come back as results)", err)
			}
			if res.Role != models.RoleFunction {
				t.Errorf("result role = %s, want function", res.Role)
			}
			if !strings.HasPrefix(res.Content, "Error: ") || !strings.Contains(res.Content, tt.want) {
				t.Errorf("content = %q, want error result containing %q", res.Content, tt.want)
			}
		})
	}
}

func TestRegistryExecuteToolErrorCaptured(t *testing.T) {
	reg := NewRegistry()
	tool, err := models.NewTool("flaky", "Always fails.")
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}
	if err := reg.Register(tool, func(context.Context, map[string]any) (string, error) {
		return "", errors.New("upstream exploded")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, err := reg.Execute(context.Background(), models.NewToolUsage("flaky", ""))
	if err != nil {
		t.Fatalf("Execute() error = %v, tool errors must not propagate", err)
	}
	if !strings.Contains(res.Content, "upstream exploded") {
		t.Errorf("content = %q, want the tool's error text", res.Content)
	}
}

func TestRegistryExecutePanicCaptured(t *testing.T) {
	reg := NewRegistry()
	tool, err := models.NewTool("crashy", "Panics.")
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}
	if err := reg.Register(tool, func(context.Context, map[string]any) (string, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, err := reg.Execute(context.Background(), models.NewToolUsage("crashy", "{}"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Content, "panic") {
		t.Errorf("content = %q, want captured panic", res.Content)
	}
}

func TestRegistryExecuteEmptyArgsDefaultsToObject(t *testing.T) {
	reg := NewRegistry()
	tool, err := models.NewTool("current_datetime", "Tells the time.")
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}
	if err := reg.Register(tool, func(context.Context, map[string]any) (string, error) {
		return "now", nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, err := reg.Execute(context.Background(), models.NewToolUsage("current_datetime", ""))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "now" {
		t.Errorf("content = %q, want now", res.Content)
	}
}

func TestRegistryExecuteRejectsNonToolUsage(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), models.NewUserMessage("hi"))
	if !models.IsValidation(err) {
		t.Errorf("Execute(non-usage) error = %v, want validation error", err)
	}
}

func TestRegistryListSortedAndDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"wikipedia", "calculator", "internet_search"} {
		tool, err := models.NewTool(name, "desc")
		if err != nil {
			t.Fatalf("NewTool(%s) error = %v", name, err)
		}
		if err := reg.Register(tool, func(context.Context, map[string]any) (string, error) { return "", nil }); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	list := reg.List()
	want := []string{"calculator", "internet_search", "wikipedia"}
	for i, name := range want {
		if list[i].Name != name {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].Name, name)
		}
	}

	dup, _ := models.NewTool("calculator", "again")
	if err := reg.Register(dup, echoHandler); !models.IsValidation(err) {
		t.Errorf("Register(duplicate) error = %v, want validation error", err)
	}

	reg.Unregister("calculator")
	if len(reg.List()) != 2 {
		t.Errorf("List() after Unregister has %d tools, want 2", len(reg.List()))
	}
}
