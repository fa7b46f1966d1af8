package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/lmrelay/internal/domain"
)

// MemoryTranscript keeps the transcript in a slice.
type MemoryTranscript struct {
	mu       sync.RWMutex
	messages []domain.Message
}

// NewMemory creates an empty in-memory transcript.
func NewMemory() *MemoryTranscript {
	return &MemoryTranscript{}
}

// Append adds a message to the end of the transcript.
func (m *MemoryTranscript) Append(_ context.Context, msg domain.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg.Clone())
	return nil
}

// List returns a copy of every message in insertion order.
func (m *MemoryTranscript) List(_ context.Context) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Clone()
	}
	return out, nil
}

// Len returns the number of stored messages.
func (m *MemoryTranscript) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages), nil
}

// Clear removes every message.
func (m *MemoryTranscript) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	return nil
}

// Ping always succeeds.
func (m *MemoryTranscript) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryTranscript) Close() error { return nil }
