// Package threads maps application users to their conversation threads on
// the agent backend. The mapping lives behind Store so it can survive
// restarts; Manager adds liveness checks, recovery from lost threads and
// per-user serialization.
package threads

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when a user has no thread.
var ErrNotFound = errors.New("threads: mapping not found")

// Thread is the persisted mapping from a user to a backend thread.
type Thread struct {
	UserID    string    `json:"user_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists user to thread mappings.
type Store interface {
	// Get returns the mapping for userID or ErrNotFound.
	Get(ctx context.Context, userID string) (*Thread, error)

	// Set creates or replaces the mapping for thread.UserID.
	Set(ctx context.Context, thread *Thread) error

	// Delete removes the mapping. Deleting a missing mapping is not an error.
	Delete(ctx context.Context, userID string) error
}

func validateThread(thread *Thread) error {
	if thread == nil {
		return errors.New("threads: thread is nil")
	}
	if thread.UserID == "" {
		return errors.New("threads: user id is required")
	}
	if thread.ThreadID == "" {
		return errors.New("threads: thread id is required")
	}
	return nil
}
