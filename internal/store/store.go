// Package store provides the transcript store interface and implementations.
package store

import (
	"context"

	"github.com/ashureev/lmrelay/internal/domain"
)

// Transcript is the ordered, process-wide log of conversation messages.
// Insertion order is chronological order.
type Transcript interface {
	// Append adds a message to the end of the transcript.
	Append(ctx context.Context, msg domain.Message) error

	// List returns a copy of every message in insertion order.
	List(ctx context.Context) ([]domain.Message, error)

	// Len returns the number of stored messages.
	Len(ctx context.Context) (int, error)

	// Clear removes every message.
	Clear(ctx context.Context) error

	// Ping verifies the store is usable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
