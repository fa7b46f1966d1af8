package domain

import "testing"

func TestCloneCopiesToolCallArguments(t *testing.T) {
	orig := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:        "call_1",
			Name:      "execute_python",
			Arguments: map[string]any{"code": "print(1)"},
		}},
	}

	cp := orig.Clone()
	cp.ToolCalls[0].Arguments["code"] = "changed"
	cp.ToolCalls[0].ID = "other"

	if orig.ToolCalls[0].Arguments["code"] != "print(1)" {
		t.Fatalf("clone shares argument map with original")
	}
	if orig.ToolCalls[0].ID != "call_1" {
		t.Fatalf("clone shares tool call slice with original")
	}
}

func TestToolResultMessageReferencesCall(t *testing.T) {
	call := ToolCall{ID: "call_9", Name: "execute_javascript"}
	msg := ToolResultMessage(call, "Output: 2")

	if msg.Role != RoleTool {
		t.Errorf("expected role tool, got %q", msg.Role)
	}
	if msg.ToolCallID != "call_9" || msg.Name != "execute_javascript" {
		t.Errorf("unexpected back-reference: %+v", msg)
	}
}

func TestHasToolCalls(t *testing.T) {
	if AssistantMessage("hi").HasToolCalls() {
		t.Error("plain assistant message reported tool calls")
	}
	msg := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a"}}}
	if !msg.HasToolCalls() {
		t.Error("expected tool calls")
	}
	if !RoleTool.Valid() || Role("robot").Valid() {
		t.Error("unexpected role validity")
	}
}
