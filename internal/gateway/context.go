package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/comigor/chatgw-go/internal/provider"
)

// assemble resolves the effective session id and builds the bounded context
// window. An empty session id mints a fresh session with empty context;
// otherwise the most recent window of messages is returned chronologically.
// The read has no side effects, so repeated calls before any write return
// identical context.
func (g *Gateway) assemble(ctx context.Context, sessionID string) (string, []provider.Message, error) {
	if sessionID == "" {
		return uuid.NewString(), nil, nil
	}

	msgs, err := g.store.Query(ctx, sessionID, g.cfg.ContextWindow)
	if err != nil {
		return "", nil, &provider.Error{Kind: provider.ErrKindUnavailable, Message: "history read failed", Cause: err}
	}

	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return sessionID, out, nil
}
