package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/comigor/chatgw-go/internal/config"
)

// ollamaProvider speaks the local-daemon REST protocol: POST /api/generate
// with a rendered prompt. Streaming replies are newline-delimited JSON
// objects terminated by a "done": true record.
type ollamaProvider struct {
	baseURL   string
	model     string
	streaming bool
	client    *http.Client
}

// NewOllama creates the local-daemon adapter.
func NewOllama(pc config.ProviderConfig) Provider {
	base := pc.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &ollamaProvider{
		baseURL:   strings.TrimRight(base, "/"),
		model:     pc.Model,
		streaming: pc.SupportsStreaming,
		client:    &http.Client{Timeout: timeoutOrDefault(pc, 120*time.Second)},
	}
}

func (p *ollamaProvider) Kind() Kind { return KindOllama }

func (p *ollamaProvider) SupportsStreaming() bool { return p.streaming }

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	TotalDuration   int64  `json:"total_duration"`
	LoadDuration    int64  `json:"load_duration"`
}

func (p *ollamaProvider) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transportError(KindOllama, err)
	}

	var wresp ollamaResponse
	if err := json.Unmarshal(raw, &wresp); err != nil {
		return Response{}, &Error{Provider: KindOllama, Kind: ErrKindMalformed, Message: "undecodable response body", Cause: err}
	}

	return Response{
		Content:    wresp.Response,
		Model:      p.modelFor(req),
		TokensUsed: wresp.EvalCount,
		Metadata: map[string]any{
			"provider":          string(KindOllama),
			"total_duration":    wresp.TotalDuration,
			"load_duration":     wresp.LoadDuration,
			"prompt_eval_count": wresp.PromptEvalCount,
			"eval_count":        wresp.EvalCount,
		},
	}, nil
}

func (p *ollamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if !p.streaming {
		return nil, Errorf(KindOllama, ErrKindUnsupported, "streaming is disabled for this provider")
	}
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &ollamaStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (p *ollamaProvider) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  p.modelFor(req),
		Prompt: renderPrompt(req, RoleUser, RoleAssistant),
		Stream: stream,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return nil, Errorf(KindOllama, ErrKindValidation, "encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, transportError(KindOllama, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(KindOllama, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, httpError(KindOllama, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

func (p *ollamaProvider) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	if p.model != "" {
		return p.model
	}
	return "llama2"
}

// ollamaStream reads one NDJSON record per Recv until the daemon reports
// done. Empty fragments before the final record are skipped.
type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *ollamaStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", &Error{Provider: KindOllama, Kind: ErrKindMalformed, Message: "undecodable stream chunk", Cause: err}
		}
		if chunk.Done {
			s.done = true
			if chunk.Response != "" {
				return chunk.Response, nil
			}
			return "", io.EOF
		}
		if chunk.Response != "" {
			return chunk.Response, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", transportError(KindOllama, err)
	}
	s.done = true
	return "", io.EOF
}

func (s *ollamaStream) Close() error { return s.body.Close() }
