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

// geminiProvider speaks the parts/candidates protocol: role-tagged content
// parts in, candidate parts out, key auth in the X-Goog-Api-Key header.
type geminiProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewGemini creates the parts/candidates adapter.
func NewGemini(pc config.ProviderConfig) Provider {
	base := pc.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &geminiProvider{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  pc.APIKey,
		model:   pc.Model,
		client:  &http.Client{Timeout: timeoutOrDefault(pc, 60*time.Second)},
	}
}

func (p *geminiProvider) Kind() Kind { return KindGemini }

func (p *geminiProvider) SupportsStreaming() bool { return false }

func (p *geminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return nil, Errorf(KindGemini, ErrKindUnsupported, "streaming is not supported")
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiGenConfig struct {
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount int `json:"promptTokenCount"`
		TotalTokenCount  int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *geminiProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if p.apiKey == "" {
		return Response{}, Errorf(KindGemini, ErrKindConfiguration, "api_key is not configured")
	}

	model := p.modelFor(req)

	contents := make([]geminiContent, 0, len(req.Context)+1)
	for _, m := range req.Context {
		// Gemini has no assistant role; model turns are tagged "model".
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: req.Message}}})

	body, err := json.Marshal(geminiRequest{
		Contents: contents,
		GenerationConfig: geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	})
	if err != nil {
		return Response{}, Errorf(KindGemini, ErrKindValidation, "encode request: %v", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, transportError(KindGemini, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, transportError(KindGemini, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transportError(KindGemini, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, httpError(KindGemini, resp.StatusCode, geminiErrorDetail(raw))
	}

	var wresp geminiResponse
	if err := json.Unmarshal(raw, &wresp); err != nil {
		return Response{}, &Error{Provider: KindGemini, Kind: ErrKindMalformed, Message: "undecodable response body", Cause: err}
	}

	var text string
	if len(wresp.Candidates) > 0 && len(wresp.Candidates[0].Content.Parts) > 0 {
		text = wresp.Candidates[0].Content.Parts[0].Text
	}

	return Response{
		Content:    strings.TrimSpace(text),
		Model:      model,
		TokensUsed: wresp.UsageMetadata.TotalTokenCount,
		Metadata: map[string]any{
			"provider":         string(KindGemini),
			"prompt_tokens":    wresp.UsageMetadata.PromptTokenCount,
			"candidates_count": len(wresp.Candidates),
		},
	}, nil
}

func (p *geminiProvider) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	if p.model != "" {
		return p.model
	}
	return "gemini-pro"
}

// geminiErrorDetail digs the human-readable message out of an error body.
func geminiErrorDetail(raw []byte) string {
	var wresp geminiResponse
	if err := json.Unmarshal(raw, &wresp); err == nil && wresp.Error != nil && wresp.Error.Message != "" {
		return wresp.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
