// Package history provides SQLite-backed persistence for chat transcripts
// and provider usage telemetry. Messages are append-only: nothing is ever
// mutated except setting a rating, and nothing is deleted.
package history

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session has no messages or a rated
	// message does not match the given session and role constraints.
	ErrNotFound = errors.New("history: not found")
)

// Message is a single persisted conversation turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Generation metadata, set on assistant messages only.
	TokensUsed     int    `json:"tokens_used,omitempty"`
	ResponseTimeMs int    `json:"response_time_ms,omitempty"`
	Model          string `json:"model,omitempty"`

	// Rating is 1..5, 0 when unset. Only assistant messages carry one.
	Rating int `json:"rating,omitempty"`
}

// Meta is the optional generation metadata recorded with a message.
type Meta struct {
	TokensUsed     int
	ResponseTimeMs int
	Model          string
}

// SessionSummary describes one session for the listing surface.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store defines the contract for persisting sessions and messages. Sessions
// are implicit: a session exists exactly when it has messages.
type Store interface {
	// Append persists one message and returns it with id and timestamp set.
	Append(ctx context.Context, sessionID, role, content string, meta *Meta) (Message, error)

	// Query returns up to limit most-recent messages of a session in
	// chronological order. A session with no messages yields an empty slice,
	// not an error.
	Query(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// ListSessions returns session summaries ordered by last activity
	// descending, offset-paginated (page starts at 1).
	ListSessions(ctx context.Context, page, size int) ([]SessionSummary, error)

	// Rate sets the rating of an assistant message. It returns ErrNotFound
	// unless the message exists, belongs to the session and has the
	// assistant role.
	Rate(ctx context.Context, sessionID, messageID string, rating int) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
