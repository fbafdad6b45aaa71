// Package gateway orchestrates chat calls: context assembly, provider
// dispatch, transcript persistence and usage telemetry behind one facade.
package gateway

import (
	"context"
	"time"

	"github.com/comigor/chatgw-go/internal/config"
	"github.com/comigor/chatgw-go/internal/history"
	"github.com/comigor/chatgw-go/internal/logger"
	"github.com/comigor/chatgw-go/internal/provider"
	"github.com/comigor/chatgw-go/internal/telemetry"
)

const (
	maxAttempts    = 3
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// Gateway is the single entry point for chat operations. It holds the
// immutable provider registry and the shared store; both are safe for
// concurrent use, and each call runs independently.
type Gateway struct {
	registry *provider.Registry
	store    history.Store
	usage    telemetry.Recorder
	cfg      config.LLMConfig
	now      func() time.Time
}

// New creates a gateway.
func New(registry *provider.Registry, store history.Store, usage telemetry.Recorder, cfg config.LLMConfig) *Gateway {
	return &Gateway{
		registry: registry,
		store:    store,
		usage:    usage,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source used for latency measurement.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// ChatRequest is one inbound chat call.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`

	// Options carries provider-specific extras, passed through untouched.
	Options map[string]any `json:"options,omitempty"`
}

// ChatResult is the normalized outcome of a successful chat call.
type ChatResult struct {
	Content        string         `json:"content"`
	SessionID      string         `json:"session_id"`
	Model          string         `json:"model"`
	TokensUsed     int            `json:"tokens_used,omitempty"`
	ResponseTimeMs int            `json:"response_time_ms"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Chat performs one full generation round trip. The user message is
// persisted before the provider call, so a failed generation still leaves
// it in the transcript; the assistant message is persisted only on success.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if req.Message == "" {
		return ChatResult{}, provider.Errorf("", provider.ErrKindValidation, "message is required")
	}

	p, err := g.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return ChatResult{}, err
	}

	sessionID, contextMsgs, err := g.assemble(ctx, req.SessionID)
	if err != nil {
		return ChatResult{}, err
	}

	g.persistUser(ctx, sessionID, req.Message)

	start := g.now()
	resp, err := g.invoke(ctx, p, provider.Request{
		Message:     req.Message,
		Context:     contextMsgs,
		Model:       req.Model,
		MaxTokens:   g.maxTokens(req),
		Temperature: g.temperature(req),
		Extra:       req.Options,
	})
	latencyMs := int(g.now().Sub(start).Milliseconds())

	if err != nil {
		logger.L.Error("chat generation failed", "provider", string(p.Kind()), "session_id", sessionID, "error", err)
		return ChatResult{}, err
	}

	g.persistAssistant(ctx, sessionID, resp, latencyMs)

	return ChatResult{
		Content:        resp.Content,
		SessionID:      sessionID,
		Model:          resp.Model,
		TokensUsed:     resp.TokensUsed,
		ResponseTimeMs: latencyMs,
		Metadata:       resp.Metadata,
	}, nil
}

// invoke calls the adapter with bounded transparent retries. Only
// unavailable failures are retried; every attempt produces a usage record.
func (g *Gateway) invoke(ctx context.Context, p provider.Provider, req provider.Request) (provider.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := g.now()
		resp, err := p.Generate(ctx, req)
		latencyMs := int(g.now().Sub(start).Milliseconds())

		if err == nil {
			telemetry.Emit(ctx, g.usage, telemetry.Record{
				Provider:   string(p.Kind()),
				Model:      resp.Model,
				Status:     telemetry.StatusSuccess,
				TokensUsed: resp.TokensUsed,
				CostUSD:    resp.CostUSD,
				LatencyMs:  latencyMs,
				CreatedAt:  g.now().UTC(),
			})
			return resp, nil
		}

		telemetry.Emit(ctx, g.usage, telemetry.Record{
			Provider:    string(p.Kind()),
			Model:       req.Model,
			Status:      telemetry.StatusError,
			LatencyMs:   latencyMs,
			ErrorDetail: err.Error(),
			CreatedAt:   g.now().UTC(),
		})
		lastErr = err

		if provider.KindOf(err) != provider.ErrKindUnavailable || attempt == maxAttempts {
			return provider.Response{}, err
		}

		sleep := backoff(attempt - 1)
		logger.L.Debug("retrying provider call", "provider", string(p.Kind()), "attempt", attempt, "sleep", sleep)
		select {
		case <-ctx.Done():
			return provider.Response{}, lastErr
		case <-time.After(sleep):
		}
	}
	return provider.Response{}, lastErr
}

// persistUser writes the user turn. Persistence failures never fail the
// call; they are logged and the generation proceeds.
func (g *Gateway) persistUser(ctx context.Context, sessionID, content string) {
	if _, err := g.store.Append(ctx, sessionID, provider.RoleUser, content, nil); err != nil {
		logger.L.Error("failed to persist user message", "session_id", sessionID, "error", err)
	}
}

func (g *Gateway) persistAssistant(ctx context.Context, sessionID string, resp provider.Response, latencyMs int) {
	meta := &history.Meta{
		TokensUsed:     resp.TokensUsed,
		ResponseTimeMs: latencyMs,
		Model:          resp.Model,
	}
	if _, err := g.store.Append(ctx, sessionID, provider.RoleAssistant, resp.Content, meta); err != nil {
		logger.L.Error("failed to persist assistant message", "session_id", sessionID, "error", err)
	}
}

func (g *Gateway) maxTokens(req ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return g.cfg.MaxTokens
}

func (g *Gateway) temperature(req ChatRequest) float32 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return g.cfg.Temperature
}

func backoff(attempt int) time.Duration {
	d := initialBackoff << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
