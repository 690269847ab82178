// Package tools manages the tool registry and executes tool usages. Tool
// failures of every kind — unknown names, malformed arguments, schema
// violations, and errors raised by the tool itself — are captured into
// error ToolResults so the model sees them; they never propagate to the
// orchestrator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleybot/parley/pkg/models"
)

// Handler executes a tool with its validated arguments and returns the
// text handed back to the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

type entry struct {
	def     *models.Tool
	handler Handler
	schema  *jsonschema.Schema
}

// Registry holds the tools a session offers to the model. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool. The definition's schema is compiled once here,
// with unknown argument keys rejected. Registering a name twice is an
// error; use Unregister first to replace.
func (r *Registry) Register(def *models.Tool, handler Handler) error {
	if def == nil {
		return &models.ValidationError{Field: "tool", Message: "definition is required"}
	}
	if handler == nil {
		return &models.ValidationError{Field: "handler", Message: "handler is required"}
	}

	schema, err := compileArgsSchema(def)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return &models.ValidationError{Field: "tool", Message: fmt.Sprintf("tool %q already registered", def.Name)}
	}
	r.tools[def.Name] = &entry{def: def, handler: handler, schema: schema}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// List returns the registered tool definitions sorted by name, so the
// serialized tool list is deterministic.
func (r *Registry) List() []*models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the tool a usage message names and wraps the outcome in a
// ToolResult. The returned error is non-nil only for caller bugs (a
// message that is not a tool usage); every tool-side failure comes back
// as an error result instead.
func (r *Registry) Execute(ctx context.Context, usage *models.Message) (*models.Message, error) {
	if usage == nil || !usage.IsToolUsage() {
		return nil, &models.ValidationError{Field: "message", Message: "message is not a tool usage"}
	}

	r.mu.RLock()
	e, ok := r.tools[usage.ToolName]
	r.mu.RUnlock()
	if !ok {
		return errorResult(usage.ToolName, fmt.Sprintf("unknown tool %q", usage.ToolName)), nil
	}

	argsText := usage.ArgsStr
	if argsText == "" {
		argsText = "{}"
	}
	var payload any
	if err := json.Unmarshal([]byte(argsText), &payload); err != nil {
		return errorResult(usage.ToolName, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := e.schema.Validate(payload); err != nil {
		return errorResult(usage.ToolName, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	args, _ := payload.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	out, err := runHandler(ctx, e.handler, args)
	if err != nil {
		return errorResult(usage.ToolName, fmt.Sprintf("tool failed: %v", err)), nil
	}
	return result(usage.ToolName, out), nil
}

// runHandler invokes the handler, converting panics into errors so a
// misbehaving tool cannot take the run down.
func runHandler(ctx context.Context, handler Handler, args map[string]any) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return handler(ctx, args)
}

func result(name, content string) *models.Message {
	res, err := models.NewToolResult(name, content)
	if err != nil {
		// The name came from a registered tool, so this only happens for
		// unregistered echoes with invalid names.
		res, _ = models.NewToolResult("unknown_tool", content)
	}
	return res
}

func errorResult(name, text string) *models.Message {
	return result(name, "Error: "+text)
}

// compileArgsSchema builds the validation schema: the tool's serialized
// schema plus additionalProperties=false so unknown keys are rejected.
func compileArgsSchema(def *models.Tool) (*jsonschema.Schema, error) {
	var schema map[string]any
	if err := json.Unmarshal(def.Schema(), &schema); err != nil {
		return nil, err
	}
	schema["additionalProperties"] = false

	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(def.Name+".json", string(encoded))
}
