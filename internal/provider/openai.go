package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatgw-go/internal/config"
)

// openAIProvider speaks the message-array chat-completion protocol through
// the go-openai SDK. Bearer auth and the wire shapes are the SDK's concern;
// this adapter only maps requests, responses and errors.
type openAIProvider struct {
	client    *openai.Client
	model     string
	streaming bool
}

// Rough per-1k-token pricing used for the cost estimate. Unknown models
// report no cost.
var openAICostPer1K = map[string]float64{
	"gpt-4":         0.03,
	"gpt-3.5-turbo": 0.002,
}

// NewOpenAI creates the OpenAI-compatible adapter.
func NewOpenAI(pc config.ProviderConfig) Provider {
	clientCfg := openai.DefaultConfig(pc.APIKey)
	if pc.BaseURL != "" {
		clientCfg.BaseURL = pc.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeoutOrDefault(pc, 60*time.Second)}

	return &openAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     pc.Model,
		streaming: pc.SupportsStreaming,
	}
}

func (p *openAIProvider) Kind() Kind { return KindOpenAI }
func (p *openAIProvider) SupportsStreaming() bool { return p.streaming }

func (p *openAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.mapRequest(req))
	if err != nil {
		return Response{}, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, Errorf(KindOpenAI, ErrKindMalformed, "response contained no choices")
	}

	choice := resp.Choices[0]
	model := p.modelFor(req)
	return Response{
		Content:    choice.Message.Content,
		Model:      model,
		TokensUsed: resp.Usage.TotalTokens,
		CostUSD:    openAICost(model, resp.Usage.TotalTokens),
		Metadata: map[string]any{
			"provider":      string(KindOpenAI),
			"finish_reason": string(choice.FinishReason),
		},
	}, nil
}

func (p *openAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if !p.streaming {
		return nil, Errorf(KindOpenAI, ErrKindUnsupported, "streaming is disabled for this provider")
	}
	wreq := p.mapRequest(req)
	wreq.Stream = true

	s, err := p.client.CreateChatCompletionStream(ctx, wreq)
	if err != nil {
		return nil, p.mapError(err)
	}
	return &openAIStream{inner: s}, nil
}

func (p *openAIProvider) mapRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Context)+1)
	for _, m := range req.Context {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	return openai.ChatCompletionRequest{
		Model:       p.modelFor(req),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (p *openAIProvider) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	if p.model != "" {
		return p.model
	}
	return "gpt-3.5-turbo"
}

func (p *openAIProvider) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := httpError(KindOpenAI, apiErr.HTTPStatusCode, apiErr.Message)
		e.Cause = err
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := httpError(KindOpenAI, reqErr.HTTPStatusCode, "")
		e.Cause = err
		return e
	}
	return transportError(KindOpenAI, err)
}

func openAICost(model string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	per1k, ok := openAICostPer1K[model]
	if !ok {
		return 0
	}
	return float64(tokens) / 1000 * per1k
}

// openAIStream surfaces delta fragments from the SDK stream, skipping
// chunks with empty content (role-only and usage chunks).
type openAIStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		chunk, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", transportError(KindOpenAI, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error { return s.inner.Close() }

func timeoutOrDefault(pc config.ProviderConfig, def time.Duration) time.Duration {
	if pc.TimeoutSeconds > 0 {
		return time.Duration(pc.TimeoutSeconds) * time.Second
	}
	return def
}
