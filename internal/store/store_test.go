package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ashureev/lmrelay/internal/domain"
)

func newStores(t *testing.T) map[string]Transcript {
	t.Helper()

	sqliteMem, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite(:memory:) failed: %v", err)
	}
	sqliteFile, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "transcript.db"))
	if err != nil {
		t.Fatalf("NewSQLite(file) failed: %v", err)
	}
	t.Cleanup(func() {
		_ = sqliteMem.Close()
		_ = sqliteFile.Close()
	})

	return map[string]Transcript{
		"memory":        NewMemory(),
		"sqlite-memory": sqliteMem,
		"sqlite-file":   sqliteFile,
	}
}

func TestTranscriptPreservesOrderAndToolCalls(t *testing.T) {
	for name, tr := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			call := domain.ToolCall{
				ID:           "call_1",
				Name:         "execute_javascript",
				Arguments:    map[string]any{"code": "console.log(1+1)"},
				RawArguments: `{"code":"console.log(1+1)"}`,
			}
			msgs := []domain.Message{
				domain.UserMessage("run code"),
				{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}},
				domain.ToolResultMessage(call, "Output: 2"),
				domain.AssistantMessage("The result is 2."),
			}
			for _, m := range msgs {
				if err := tr.Append(ctx, m); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			got, err := tr.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != len(msgs) {
				t.Fatalf("expected %d messages, got %d", len(msgs), len(got))
			}
			for i := range msgs {
				if got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content {
					t.Errorf("message %d: expected %+v, got %+v", i, msgs[i], got[i])
				}
			}
			if len(got[1].ToolCalls) != 1 {
				t.Fatalf("expected tool call to round-trip, got %+v", got[1])
			}
			tc := got[1].ToolCalls[0]
			if tc.ID != "call_1" || tc.Arguments["code"] != "console.log(1+1)" || tc.RawArguments == "" {
				t.Errorf("unexpected tool call %+v", tc)
			}
			if got[2].ToolCallID != "call_1" || got[2].Name != "execute_javascript" {
				t.Errorf("unexpected tool message %+v", got[2])
			}
		})
	}
}

func TestTranscriptClearIsIdempotent(t *testing.T) {
	for name, tr := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := tr.Append(ctx, domain.UserMessage("hello")); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			for i := 0; i < 2; i++ {
				if err := tr.Clear(ctx); err != nil {
					t.Fatalf("Clear failed: %v", err)
				}
				n, err := tr.Len(ctx)
				if err != nil {
					t.Fatalf("Len failed: %v", err)
				}
				if n != 0 {
					t.Fatalf("expected empty transcript, got %d", n)
				}
			}
			got, err := tr.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil slice, got %#v", got)
			}
		})
	}
}

func TestTranscriptRejectsInvalidRole(t *testing.T) {
	for name, tr := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := tr.Append(context.Background(), domain.Message{Role: "robot"}); err == nil {
				t.Fatal("expected error for invalid role")
			}
		})
	}
}

func TestSQLiteFileIsResetOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.db")
	ctx := context.Background()

	first, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if err := first.Append(ctx, domain.UserMessage("left over")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	n, err := second.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected transcript to be reset on open, got %d messages", n)
	}
}

func TestIsConflictError(t *testing.T) {
	if isConflictError(nil) {
		t.Error("nil is not a conflict")
	}
	if !isConflictError(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("expected busy error to be a conflict")
	}
	if isConflictError(errors.New("no such table")) {
		t.Error("unexpected conflict classification")
	}
}

func TestWithBusyRetryGivesUpOnOtherErrors(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
