package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatgw-go/internal/logger"
	"github.com/comigor/chatgw-go/internal/provider"
	"github.com/comigor/chatgw-go/internal/telemetry"
)

// Streaming engine lifecycle states.
type streamFSMState stateless.State

var (
	stateStreaming   streamFSMState = "Streaming"
	stateReconciling streamFSMState = "Reconciling"
	stateDone        streamFSMState = "Done"     // Terminal: persisted, marker emitted
	stateCanceled    streamFSMState = "Canceled" // Terminal: consumer canceled, nothing persisted
	stateFailed      streamFSMState = "Failed"   // Terminal: upstream failed mid-stream
)

type streamFSMTrigger stateless.Trigger

var (
	triggerFragmentsExhausted streamFSMTrigger = "FragmentsExhausted"
	triggerStreamFailed       streamFSMTrigger = "StreamFailed"
	triggerConsumerCanceled   streamFSMTrigger = "ConsumerCanceled"
	triggerReconciled         streamFSMTrigger = "Reconciled"
)

// StreamEvent is one element of the fragment sequence. Exactly one terminal
// event is delivered: Result set on normal completion, Err set on failure.
type StreamEvent struct {
	Fragment string
	Result   *ChatResult
	Err      error
}

// ChatStream is a lazy, finite, non-restartable fragment sequence. Events
// flow through a depth-1 buffer, so a slow consumer backpressures the
// upstream read without dropping fragments. The channel is closed after the
// terminal event.
type ChatStream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Events returns the fragment channel.
func (s *ChatStream) Events() <-chan StreamEvent { return s.events }

// Cancel aborts the upstream call and releases its connection. Partial
// assistant content is never persisted after a cancel.
func (s *ChatStream) Cancel() {
	s.once.Do(s.cancel)
}

// StreamChat starts a streaming generation. It fails with
// unsupported_operation before any write when the resolved provider cannot
// stream; otherwise the user message is persisted and a background task
// pumps fragments until the stream ends, then reconciles with persistence
// and telemetry and emits a completion marker.
func (g *Gateway) StreamChat(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if req.Message == "" {
		return nil, provider.Errorf("", provider.ErrKindValidation, "message is required")
	}

	p, err := g.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	if !p.SupportsStreaming() {
		return nil, provider.Errorf(p.Kind(), provider.ErrKindUnsupported, "provider does not support streaming")
	}

	sessionID, contextMsgs, err := g.assemble(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	g.persistUser(ctx, sessionID, req.Message)

	streamCtx, cancel := context.WithCancel(ctx)
	start := g.now()

	upstream, err := p.Stream(streamCtx, provider.Request{
		Message:     req.Message,
		Context:     contextMsgs,
		Model:       req.Model,
		MaxTokens:   g.maxTokens(req),
		Temperature: g.temperature(req),
		Extra:       req.Options,
	})
	if err != nil {
		cancel()
		telemetry.Emit(ctx, g.usage, telemetry.Record{
			Provider:    string(p.Kind()),
			Model:       req.Model,
			Status:      telemetry.StatusError,
			LatencyMs:   int(g.now().Sub(start).Milliseconds()),
			ErrorDetail: err.Error(),
			CreatedAt:   g.now().UTC(),
		})
		return nil, err
	}

	cs := &ChatStream{events: make(chan StreamEvent, 1), cancel: cancel}
	go g.pump(streamCtx, cs, p, upstream, sessionID, req.Model, start)
	return cs, nil
}

// pump forwards fragments to the consumer and drives the lifecycle FSM.
// Reconciliation (assistant persistence + telemetry) is reachable only via
// FragmentsExhausted, so a canceled stream can never persist partial
// content.
func (g *Gateway) pump(ctx context.Context, cs *ChatStream, p provider.Provider, upstream provider.Stream, sessionID, model string, start time.Time) {
	defer close(cs.events)
	defer upstream.Close()

	// Terminal bookkeeping must survive consumer disconnects.
	detached := context.WithoutCancel(ctx)

	var parts strings.Builder
	var result *ChatResult
	var failure error

	fsm := stateless.NewStateMachine(stateStreaming)
	fsm.Configure(stateStreaming).
		Permit(triggerFragmentsExhausted, stateReconciling).
		Permit(triggerStreamFailed, stateFailed).
		Permit(triggerConsumerCanceled, stateCanceled)

	fsm.Configure(stateReconciling).
		OnEntry(func(_ context.Context, _ ...any) error {
			content := parts.String()
			latencyMs := int(g.now().Sub(start).Milliseconds())
			tokens := provider.EstimateTokens(content)

			g.persistAssistant(detached, sessionID, provider.Response{
				Content:    content,
				Model:      model,
				TokensUsed: tokens,
			}, latencyMs)

			telemetry.Emit(detached, g.usage, telemetry.Record{
				Provider:   string(p.Kind()),
				Model:      model,
				Status:     telemetry.StatusSuccess,
				TokensUsed: tokens,
				LatencyMs:  latencyMs,
				CreatedAt:  g.now().UTC(),
			})

			result = &ChatResult{
				Content:        content,
				SessionID:      sessionID,
				Model:          model,
				TokensUsed:     tokens,
				ResponseTimeMs: latencyMs,
			}
			return fsm.FireCtx(detached, triggerReconciled)
		}).
		Permit(triggerReconciled, stateDone)

	fsm.Configure(stateFailed).
		OnEntry(func(_ context.Context, _ ...any) error {
			telemetry.Emit(detached, g.usage, telemetry.Record{
				Provider:    string(p.Kind()),
				Model:       model,
				Status:      telemetry.StatusError,
				LatencyMs:   int(g.now().Sub(start).Milliseconds()),
				ErrorDetail: failure.Error(),
				CreatedAt:   g.now().UTC(),
			})
			return nil
		})

	fsm.Configure(stateCanceled).
		OnEntry(func(_ context.Context, _ ...any) error {
			logger.L.Info("stream canceled, dropping partial content", "session_id", sessionID, "provider", string(p.Kind()))
			telemetry.Emit(detached, g.usage, telemetry.Record{
				Provider:  string(p.Kind()),
				Model:     model,
				Status:    telemetry.StatusCanceled,
				LatencyMs: int(g.now().Sub(start).Milliseconds()),
				CreatedAt: g.now().UTC(),
			})
			return nil
		})

	fire := func(t streamFSMTrigger) {
		if err := fsm.FireCtx(detached, t); err != nil {
			logger.L.Warn("stream FSM fire error", "trigger", t, "error", err)
		}
	}

	for {
		frag, err := upstream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				fire(triggerFragmentsExhausted)
			case ctx.Err() != nil:
				fire(triggerConsumerCanceled)
			default:
				failure = err
				fire(triggerStreamFailed)
			}
			break
		}
		if frag == "" {
			continue
		}
		parts.WriteString(frag)
		select {
		case cs.events <- StreamEvent{Fragment: frag}:
		case <-ctx.Done():
			fire(triggerConsumerCanceled)
			return
		}
	}

	state, err := fsm.State(detached)
	if err != nil {
		logger.L.Error("stream FSM state error", "error", err)
		return
	}
	switch state {
	case stateDone:
		select {
		case cs.events <- StreamEvent{Result: result}:
		case <-ctx.Done():
		}
	case stateFailed:
		select {
		case cs.events <- StreamEvent{Err: failure}:
		case <-ctx.Done():
		}
	}
}
