package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/comigor/chatgw-go/internal/config"
)

// llamaProvider speaks the hosted-inference-endpoint protocol: a single
// POST with a rendered prompt, optional Bearer token, and a reply that is
// either a list of generations or a bare object.
type llamaProvider struct {
	endpoint string
	token    string
	model    string
	client   *http.Client
}

// NewLlama creates the hosted-inference adapter.
func NewLlama(pc config.ProviderConfig) Provider {
	return &llamaProvider{
		endpoint: pc.BaseURL,
		token:    pc.APIKey,
		model:    pc.Model,
		client:   &http.Client{Timeout: timeoutOrDefault(pc, 60*time.Second)},
	}
}

func (p *llamaProvider) Kind() Kind { return KindLlama }

func (p *llamaProvider) SupportsStreaming() bool { return false }

func (p *llamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return nil, Errorf(KindLlama, ErrKindUnsupported, "streaming is not supported")
}

type llamaRequest struct {
	Inputs     string          `json:"inputs"`
	Parameters llamaParameters `json:"parameters"`
}

type llamaParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float32 `json:"temperature"`
	DoSample       bool    `json:"do_sample"`
	ReturnFullText bool    `json:"return_full_text"`
}

type llamaGeneration struct {
	GeneratedText string `json:"generated_text"`
}

func (p *llamaProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if p.endpoint == "" {
		return Response{}, Errorf(KindLlama, ErrKindConfiguration, "base_url is not configured")
	}

	body, err := json.Marshal(llamaRequest{
		Inputs: renderPrompt(req, "Human", "Assistant"),
		Parameters: llamaParameters{
			MaxNewTokens:   req.MaxTokens,
			Temperature:    req.Temperature,
			DoSample:       true,
			ReturnFullText: false,
		},
	})
	if err != nil {
		return Response{}, Errorf(KindLlama, ErrKindValidation, "encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, transportError(KindLlama, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, transportError(KindLlama, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transportError(KindLlama, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, httpError(KindLlama, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	text, err := parseLlamaBody(raw)
	if err != nil {
		return Response{}, err
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		model = "llama"
	}

	return Response{
		Content: strings.TrimSpace(text),
		Model:   model,
		// The endpoint reports no usage; estimate from the output length.
		TokensUsed: EstimateTokens(text),
		Metadata: map[string]any{
			"provider": string(KindLlama),
			"endpoint": p.endpoint,
		},
	}, nil
}

// parseLlamaBody handles both reply shapes: a list of generations and a
// bare generation object.
func parseLlamaBody(raw []byte) (string, error) {
	var list []llamaGeneration
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return "", Errorf(KindLlama, ErrKindMalformed, "empty generation list")
		}
		return list[0].GeneratedText, nil
	}
	var single llamaGeneration
	if err := json.Unmarshal(raw, &single); err != nil {
		return "", &Error{Provider: KindLlama, Kind: ErrKindMalformed, Message: "undecodable response body", Cause: err}
	}
	return single.GeneratedText, nil
}

// renderPrompt flattens the last 5 context turns plus the new message into
// a role-prefixed prompt for completion-style backends.
func renderPrompt(req Request, userLabel, assistantLabel string) string {
	if len(req.Context) == 0 {
		return req.Message
	}

	recent := req.Context
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	var b strings.Builder
	for _, m := range recent {
		switch m.Role {
		case RoleUser:
			fmt.Fprintf(&b, "%s: %s\n", userLabel, m.Content)
		case RoleAssistant:
			fmt.Fprintf(&b, "%s: %s\n", assistantLabel, m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	fmt.Fprintf(&b, "%s: %s\n", userLabel, req.Message)
	b.WriteString(assistantLabel + ":")
	return b.String()
}

// EstimateTokens approximates token usage as 1.3x the word count, for
// backends that report no usage.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}
