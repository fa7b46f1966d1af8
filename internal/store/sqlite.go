package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/lmrelay/internal/domain"
	_ "modernc.org/sqlite"
)

const memoryDSN = ":memory:"

// SQLiteTranscript implements Transcript using SQLite.
type SQLiteTranscript struct {
	db *sql.DB
}

// storedToolCall keeps the raw argument string alongside the parsed form.
type storedToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
}

// NewSQLite opens a SQLite-backed transcript. The table is emptied on open so
// no conversation survives a restart, even with a file path.
func NewSQLite(dbPath string) (*SQLiteTranscript, error) {
	dsn := memoryDSN
	if dbPath != memoryDSN {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is its own database.
	if dsn == memoryDSN {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteTranscript{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.Clear(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reset transcript: %w", err)
	}

	return s, nil
}

func (s *SQLiteTranscript) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS transcript (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls_json TEXT,
		tool_call_id TEXT,
		name TEXT,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteTranscript) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append adds a message to the end of the transcript.
func (s *SQLiteTranscript) Append(ctx context.Context, msg domain.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}

	var toolCalls interface{}
	if len(msg.ToolCalls) > 0 {
		stored := make([]storedToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			stored = append(stored, storedToolCall{
				ID:           tc.ID,
				Name:         tc.Name,
				Arguments:    tc.Arguments,
				RawArguments: tc.RawArguments,
			})
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	query := `
	INSERT INTO transcript (role, content, tool_calls_json, tool_call_id, name, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return withBusyRetry(ctx, "append message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			string(msg.Role), msg.Content, toolCalls,
			nullString(msg.ToolCallID), nullString(msg.Name),
			time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// List returns every message in insertion order.
func (s *SQLiteTranscript) List(ctx context.Context) ([]domain.Message, error) {
	query := `
		SELECT role, content, tool_calls_json, tool_call_id, name
		FROM transcript ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		var (
			role       string
			msg        domain.Message
			toolCalls  sql.NullString
			toolCallID sql.NullString
			name       sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &toolCallID, &name); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.Name = name.String

		if toolCalls.Valid && toolCalls.String != "" {
			var stored []storedToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &stored); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
			msg.ToolCalls = make([]domain.ToolCall, 0, len(stored))
			for _, tc := range stored {
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:           tc.ID,
					Name:         tc.Name,
					Arguments:    tc.Arguments,
					RawArguments: tc.RawArguments,
				})
			}
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return messages, nil
}

// Len returns the number of stored messages.
func (s *SQLiteTranscript) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transcript: %w", err)
	}
	return n, nil
}

// Clear removes every message.
func (s *SQLiteTranscript) Clear(ctx context.Context) error {
	return withBusyRetry(ctx, "clear transcript", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM transcript`); err != nil {
			return fmt.Errorf("delete transcript: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteTranscript) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry retries op with exponential backoff while SQLite reports
// lock contention.
func withBusyRetry(ctx context.Context, what string, op func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// isConflictError reports SQLITE_BUSY or "database is locked" errors.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
