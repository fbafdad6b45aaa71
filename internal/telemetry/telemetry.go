// Package telemetry records the outcome of every provider invocation.
// Recording is best-effort: failures are logged and swallowed, never
// surfaced to the caller of a chat operation.
package telemetry

import (
	"context"
	"time"

	"github.com/comigor/chatgw-go/internal/logger"
)

// Invocation outcomes.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Record is one provider invocation's usage entry.
type Record struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	LatencyMs   int       `json:"latency_ms"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recorder persists usage records.
type Recorder interface {
	RecordUsage(ctx context.Context, rec Record) error
}

// Emit records rec through r, logging and swallowing any failure. A nil
// recorder is a no-op.
func Emit(ctx context.Context, r Recorder, rec Record) {
	if r == nil {
		return
	}
	if err := r.RecordUsage(ctx, rec); err != nil {
		logger.L.Warn("failed to record usage", "provider", rec.Provider, "status", rec.Status, "error", err)
	}
}

// LogRecorder writes records to the structured log only. It backs
// deployments that run without the SQLite store.
type LogRecorder struct{}

func (LogRecorder) RecordUsage(ctx context.Context, rec Record) error {
	logger.L.Info("provider usage",
		"provider", rec.Provider,
		"model", rec.Model,
		"status", rec.Status,
		"tokens_used", rec.TokensUsed,
		"latency_ms", rec.LatencyMs,
	)
	return nil
}
