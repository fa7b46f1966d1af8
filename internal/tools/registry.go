// Package tools holds the static catalog of tools advertised to the model and
// maps tool names onto sandbox languages.
package tools

import (
	"errors"
	"fmt"

	"github.com/ashureev/lmrelay/internal/sandbox"
	"github.com/google/jsonschema-go/jsonschema"
)

const (
	// JavaScriptTool runs a JavaScript snippet.
	JavaScriptTool = "execute_javascript"
	// PythonTool runs a Python snippet.
	PythonTool = "execute_python"

	// CodeParam is the single required argument of every tool.
	CodeParam = "code"
)

// ErrUnknownTool is returned for names outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes one tool as advertised to the model.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// FunctionSpec renders the definition in the chat-completions tool shape.
func (d Definition) FunctionSpec() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		},
	}
}

// Tool is a catalog entry bound to a sandbox language.
type Tool struct {
	Definition
	Language sandbox.Language

	resolved *jsonschema.Resolved
}

// Registry is the immutable tool catalog.
type Registry struct {
	tools  []Tool
	byName map[string]int
}

// NewRegistry builds the catalog: one tool per sandbox language.
func NewRegistry() (*Registry, error) {
	entries := []Tool{
		{
			Definition: Definition{
				Name:        JavaScriptTool,
				Description: "Execute a JavaScript snippet with Node.js and return its console output.",
				Parameters:  codeSchema("JavaScript source to run. Print results with console.log."),
			},
			Language: sandbox.JavaScript,
		},
		{
			Definition: Definition{
				Name:        PythonTool,
				Description: "Execute a Python 3 snippet and return its printed output.",
				Parameters:  codeSchema("Python source to run. Print results with print()."),
			},
			Language: sandbox.Python,
		},
	}

	r := &Registry{byName: make(map[string]int, len(entries))}
	for _, t := range entries {
		resolved, err := t.Parameters.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolve schema for %s: %w", t.Name, err)
		}
		t.resolved = resolved
		r.byName[t.Name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r, nil
}

func codeSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			CodeParam: {
				Type:        "string",
				Description: description,
			},
		},
		Required: []string{CodeParam},
	}
}

// Definitions returns the catalog in a stable order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	return out
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// ValidateArguments checks args against the tool's parameter schema.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	t, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return fmt.Errorf("validate %s arguments: %w", name, err)
	}
	return nil
}

// UnknownToolResult is the tool-message content for names outside the catalog.
func UnknownToolResult(name string) string {
	return "Unknown tool: " + name
}

// InvalidArgumentsResult is the tool-message content for arguments that fail
// the tool's schema.
func InvalidArgumentsResult(name, reason string) string {
	return fmt.Sprintf("Error: invalid arguments for %s: %s", name, reason)
}
