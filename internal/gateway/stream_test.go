package gateway

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatgw-go/internal/provider"
	"github.com/comigor/chatgw-go/internal/telemetry"
)

// scriptedStream replays fragments, then ends with final (io.EOF for a
// normal finish). When block is set it waits on ctx after the fragments,
// the way a live connection does until the transport kills it.
type scriptedStream struct {
	ctx       context.Context
	fragments []string
	final     error
	block     bool
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.fragments) > 0 {
		frag := s.fragments[0]
		s.fragments = s.fragments[1:]
		return frag, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", s.final
}

func (s *scriptedStream) Close() error { return nil }

func streamingStub(fragments []string, final error, block bool) *stubProvider {
	return &stubProvider{
		kind:      provider.KindOpenAI,
		streaming: true,
		StreamFunc: func(ctx context.Context, req provider.Request) (provider.Stream, error) {
			return &scriptedStream{ctx: ctx, fragments: fragments, final: final, block: block}, nil
		},
	}
}

func collect(t *testing.T, cs *ChatStream) (fragments []string, result *ChatResult, failure error) {
	t.Helper()
	for ev := range cs.Events() {
		switch {
		case ev.Result != nil:
			require.Nil(t, result, "terminal result delivered twice")
			result = ev.Result
		case ev.Err != nil:
			require.NoError(t, failure, "terminal error delivered twice")
			failure = ev.Err
		default:
			fragments = append(fragments, ev.Fragment)
		}
	}
	return fragments, result, failure
}

func TestStreamChat_FragmentsConcatenateAndPersist(t *testing.T) {
	stub := streamingStub([]string{"Hel", "lo ", "world"}, io.EOF, false)
	gw, store := newTestGateway(t, stub)
	ctx := context.Background()

	cs, err := gw.StreamChat(ctx, ChatRequest{Message: "stream me", Model: "stub-model"})
	require.NoError(t, err)

	fragments, result, failure := collect(t, cs)
	require.NoError(t, failure)
	require.Equal(t, []string{"Hel", "lo ", "world"}, fragments)

	require.NotNil(t, result)
	require.Equal(t, "Hello world", result.Content)
	require.Equal(t, "stub-model", result.Model)
	require.NotEmpty(t, result.SessionID)

	msgs, err := store.Query(ctx, result.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "Hello world", msgs[1].Content)

	records, err := store.Usage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, telemetry.StatusSuccess, records[0].Status)
}

func TestStreamChat_MatchesNonStreamingContent(t *testing.T) {
	const reply = "identical either way"
	stub := &stubProvider{
		kind:      provider.KindOpenAI,
		streaming: true,
		GenerateFunc: func(ctx context.Context, req provider.Request) (provider.Response, error) {
			return provider.Response{Content: reply, Model: "stub-model"}, nil
		},
		StreamFunc: func(ctx context.Context, req provider.Request) (provider.Stream, error) {
			return &scriptedStream{ctx: ctx, fragments: []string{"identical ", "either ", "way"}, final: io.EOF}, nil
		},
	}
	gw, _ := newTestGateway(t, stub)
	ctx := context.Background()

	plain, err := gw.Chat(ctx, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	cs, err := gw.StreamChat(ctx, ChatRequest{Message: "hi"})
	require.NoError(t, err)
	_, result, failure := collect(t, cs)
	require.NoError(t, failure)
	require.NotNil(t, result)
	require.Equal(t, plain.Content, result.Content)
}

func TestStreamChat_UnsupportedBeforeAnyWrite(t *testing.T) {
	stub := &stubProvider{kind: provider.KindOpenAI, streaming: false}
	gw, store := newTestGateway(t, stub)
	ctx := context.Background()

	_, err := gw.StreamChat(ctx, ChatRequest{Message: "hi", SessionID: "untouched"})
	require.Error(t, err)
	require.Equal(t, provider.ErrKindUnsupported, provider.KindOf(err))

	msgs, err := store.Query(ctx, "untouched", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestStreamChat_EmptyMessageIsValidationError(t *testing.T) {
	gw, _ := newTestGateway(t, streamingStub(nil, io.EOF, false))

	_, err := gw.StreamChat(context.Background(), ChatRequest{})
	require.Error(t, err)
	require.Equal(t, provider.ErrKindValidation, provider.KindOf(err))
}

func TestStreamChat_CancelDropsPartialContent(t *testing.T) {
	stub := streamingStub([]string{"partial ", "content"}, nil, true)
	gw, store := newTestGateway(t, stub)
	ctx := context.Background()

	cs, err := gw.StreamChat(ctx, ChatRequest{Message: "cancel me", SessionID: "cancel-session"})
	require.NoError(t, err)

	// Read both fragments, then cancel while the upstream is blocked.
	ev := <-cs.Events()
	require.Equal(t, "partial ", ev.Fragment)
	ev = <-cs.Events()
	require.Equal(t, "content", ev.Fragment)
	cs.Cancel()

	// Drain to completion; no terminal result may arrive after a cancel.
	for ev := range cs.Events() {
		require.Nil(t, ev.Result)
		require.NoError(t, ev.Err)
	}

	msgs, err := store.Query(ctx, "cancel-session", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "user", msgs[0].Role)

	records, err := store.Usage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, telemetry.StatusCanceled, records[0].Status)
}

func TestStreamChat_CancelIsIdempotent(t *testing.T) {
	stub := streamingStub(nil, nil, true)
	gw, _ := newTestGateway(t, stub)

	cs, err := gw.StreamChat(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)

	cs.Cancel()
	cs.Cancel()
	for range cs.Events() {
	}
}

func TestStreamChat_UpstreamFailureEmitsTerminalError(t *testing.T) {
	upstreamErr := provider.Errorf(provider.KindOpenAI, provider.ErrKindUnavailable, "connection reset")
	stub := streamingStub([]string{"partial"}, upstreamErr, false)
	gw, store := newTestGateway(t, stub)
	ctx := context.Background()

	cs, err := gw.StreamChat(ctx, ChatRequest{Message: "hi", SessionID: "failed-session"})
	require.NoError(t, err)

	fragments, result, failure := collect(t, cs)
	require.Equal(t, []string{"partial"}, fragments)
	require.Nil(t, result)
	require.Error(t, failure)
	require.Equal(t, provider.ErrKindUnavailable, provider.KindOf(failure))

	// The failed generation persists nothing beyond the user turn.
	msgs, err := store.Query(ctx, "failed-session", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "user", msgs[0].Role)

	records, err := store.Usage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, telemetry.StatusError, records[0].Status)
}

func TestStreamChat_StreamOpenFailureRecordsUsage(t *testing.T) {
	openErr := provider.Errorf(provider.KindOpenAI, provider.ErrKindRateLimited, "too many streams")
	stub := &stubProvider{
		kind:      provider.KindOpenAI,
		streaming: true,
		StreamFunc: func(ctx context.Context, req provider.Request) (provider.Stream, error) {
			return nil, openErr
		},
	}
	gw, store := newTestGateway(t, stub)
	ctx := context.Background()

	_, err := gw.StreamChat(ctx, ChatRequest{Message: "hi"})
	require.Error(t, err)
	require.Equal(t, provider.ErrKindRateLimited, provider.KindOf(err))

	records, err := store.Usage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, telemetry.StatusError, records[0].Status)
}

func TestStreamChat_BackpressureHoldsFragments(t *testing.T) {
	stub := streamingStub([]string{"a", "b", "c", "d"}, io.EOF, false)
	gw, _ := newTestGateway(t, stub)

	cs, err := gw.StreamChat(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)

	// A slow consumer still sees every fragment in order.
	var fragments []string
	var result *ChatResult
	for ev := range cs.Events() {
		time.Sleep(5 * time.Millisecond)
		if ev.Result != nil {
			result = ev.Result
			continue
		}
		fragments = append(fragments, ev.Fragment)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, fragments)
	require.NotNil(t, result)
	require.Equal(t, "abcd", result.Content)
}
