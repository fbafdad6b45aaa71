package gateway

import (
	"context"
	"errors"

	"github.com/comigor/chatgw-go/internal/history"
	"github.com/comigor/chatgw-go/internal/provider"
)

const (
	defaultSessionLimit = 50
	defaultPageSize     = 20
)

// GetSession returns up to limit most-recent messages of a session in
// chronological order. A session with no messages is not found.
func (g *Gateway) GetSession(ctx context.Context, sessionID string, limit int) ([]history.Message, error) {
	if sessionID == "" {
		return nil, provider.Errorf("", provider.ErrKindValidation, "session_id is required")
	}
	if limit <= 0 {
		limit = defaultSessionLimit
	}

	msgs, err := g.store.Query(ctx, sessionID, limit)
	if err != nil {
		return nil, &provider.Error{Kind: provider.ErrKindUnavailable, Message: "history read failed", Cause: err}
	}
	if len(msgs) == 0 {
		return nil, provider.Errorf("", provider.ErrKindNotFound, "session %s not found", sessionID)
	}
	return msgs, nil
}

// ListSessions returns session summaries ordered by last activity
// descending. Page numbering starts at 1.
func (g *Gateway) ListSessions(ctx context.Context, page, size int) ([]history.SessionSummary, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}

	summaries, err := g.store.ListSessions(ctx, page, size)
	if err != nil {
		return nil, &provider.Error{Kind: provider.ErrKindUnavailable, Message: "history read failed", Cause: err}
	}
	return summaries, nil
}

// RateMessage sets the rating of an assistant message. Ratings outside
// [1,5] are rejected; a message that does not exist in the session with the
// assistant role is not found.
func (g *Gateway) RateMessage(ctx context.Context, sessionID, messageID string, rating int) error {
	if rating < 1 || rating > 5 {
		return provider.Errorf("", provider.ErrKindValidation, "rating must be between 1 and 5")
	}

	err := g.store.Rate(ctx, sessionID, messageID, rating)
	if errors.Is(err, history.ErrNotFound) {
		return provider.Errorf("", provider.ErrKindNotFound, "message %s not found in session %s", messageID, sessionID)
	}
	if err != nil {
		return &provider.Error{Kind: provider.ErrKindUnavailable, Message: "history write failed", Cause: err}
	}
	return nil
}

// Health reports the gateway's operational state.
type Health struct {
	Status               string          `json:"status"`
	Providers            map[string]bool `json:"providers"`
	PersistenceReachable bool            `json:"persistence_reachable"`
}

// HealthCheck reports which providers are configured and whether the
// persistence store answers a ping.
func (g *Gateway) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:               "ok",
		Providers:            g.registry.Configured(),
		PersistenceReachable: g.store.Ping(ctx) == nil,
	}
	if !h.PersistenceReachable {
		h.Status = "degraded"
	}
	return h
}
