package tools

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/lmrelay/internal/sandbox"
)

func TestRegistryCatalogIsFixed(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	first := r.Definitions()
	second := r.Definitions()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected two tools, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Fatalf("catalog order changed between calls")
		}
	}
	if first[0].Name != JavaScriptTool || first[1].Name != PythonTool {
		t.Fatalf("unexpected catalog %v", first)
	}
}

func TestLookupMapsToSandboxLanguage(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	js, ok := r.Lookup(JavaScriptTool)
	if !ok || js.Language != sandbox.JavaScript {
		t.Fatalf("unexpected javascript tool %+v", js)
	}
	py, ok := r.Lookup(PythonTool)
	if !ok || py.Language != sandbox.Python {
		t.Fatalf("unexpected python tool %+v", py)
	}
	if _, ok := r.Lookup("rm_rf"); ok {
		t.Fatal("unexpected tool found")
	}
}

func TestValidateRequiresStringCode(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if err := r.ValidateArguments(PythonTool, map[string]any{"code": "print(1)"}); err != nil {
		t.Fatalf("expected valid arguments, got %v", err)
	}
	if err := r.ValidateArguments(PythonTool, map[string]any{}); err == nil {
		t.Fatal("expected missing code to fail")
	}
	if err := r.ValidateArguments(PythonTool, nil); err == nil {
		t.Fatal("expected nil arguments to fail")
	}
	if err := r.ValidateArguments(PythonTool, map[string]any{"code": 42.0}); err == nil {
		t.Fatal("expected non-string code to fail")
	}
	if err := r.ValidateArguments("nope", map[string]any{"code": "x"}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestFunctionSpecShape(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	data, err := json.Marshal(r.Definitions()[0].FunctionSpec())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got struct {
		Type     string `json:"type"`
		Function struct {
			Name       string `json:"name"`
			Parameters struct {
				Type       string                    `json:"type"`
				Required   []string                  `json:"required"`
				Properties map[string]map[string]any `json:"properties"`
			} `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Type != "function" || got.Function.Name != JavaScriptTool {
		t.Fatalf("unexpected spec %s", data)
	}
	if got.Function.Parameters.Type != "object" || len(got.Function.Parameters.Required) != 1 || got.Function.Parameters.Required[0] != CodeParam {
		t.Fatalf("unexpected parameters %s", data)
	}
	if got.Function.Parameters.Properties[CodeParam]["type"] != "string" {
		t.Fatalf("code must be a string parameter: %s", data)
	}
}

func TestUnknownToolResult(t *testing.T) {
	if got := UnknownToolResult("shell"); got != "Unknown tool: shell" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestInvalidArgumentsResult(t *testing.T) {
	want := "Error: invalid arguments for execute_python: missing code"
	if got := InvalidArgumentsResult(PythonTool, "missing code"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
