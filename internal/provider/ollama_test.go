package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatgw-go/internal/config"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaResponse{
			Response:        "local reply",
			Done:            true,
			EvalCount:       42,
			PromptEvalCount: 7,
			TotalDuration:   123456789,
		})
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderConfig{BaseURL: srv.URL, Model: "llama2"})
	resp, err := p.Generate(context.Background(), Request{
		Message:     "hi",
		MaxTokens:   64,
		Temperature: 0.9,
	})
	require.NoError(t, err)
	require.Equal(t, "local reply", resp.Content)
	require.Equal(t, "llama2", resp.Model)
	require.Equal(t, 42, resp.TokensUsed)
	require.Equal(t, 42, resp.Metadata["eval_count"])
	require.Equal(t, int64(123456789), resp.Metadata["total_duration"])

	require.Equal(t, "llama2", got.Model)
	require.False(t, got.Stream)
	require.Equal(t, 64, got.Options.NumPredict)
	require.InDelta(t, 0.9, got.Options.Temperature, 0.0001)
}

func TestOllamaGenerate_RequestModelOverridesConfigured(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderConfig{BaseURL: srv.URL, Model: "llama2"})
	resp, err := p.Generate(context.Background(), Request{Message: "hi", Model: "codellama"})
	require.NoError(t, err)
	require.Equal(t, "codellama", got.Model)
	require.Equal(t, "codellama", resp.Model)
}

func TestOllamaStream_NDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.True(t, got.Stream)

		io.WriteString(w, `{"response":"Hel","done":false}`+"\n")
		io.WriteString(w, `{"response":"lo ","done":false}`+"\n")
		io.WriteString(w, "\n") // blank keep-alive line
		io.WriteString(w, `{"response":"world","done":true,"eval_count":3}`+"\n")
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderConfig{BaseURL: srv.URL, SupportsStreaming: true})
	require.True(t, p.SupportsStreaming())

	s, err := p.Stream(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	defer s.Close()

	var parts []string
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		parts = append(parts, frag)
	}
	require.Equal(t, []string{"Hel", "lo ", "world"}, parts)

	// The stream stays exhausted after the done record.
	_, err = s.Recv()
	require.Equal(t, io.EOF, err)
}

func TestOllamaStream_DisabledByConfig(t *testing.T) {
	p := NewOllama(config.ProviderConfig{BaseURL: "http://example.invalid"})
	_, err := p.Stream(context.Background(), Request{Message: "hi"})
	require.Error(t, err)
	require.Equal(t, ErrKindUnsupported, KindOf(err))
}

func TestOllamaGenerate_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderConfig{BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), Request{Message: "hi"})
	require.Error(t, err)

	e, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindUnavailable, e.Kind)
	require.Equal(t, http.StatusInternalServerError, e.HTTPStatus)
}

func TestOllamaGenerate_UndecodableBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json at all")
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderConfig{BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), Request{Message: "hi"})
	require.Error(t, err)
	require.Equal(t, ErrKindMalformed, KindOf(err))
}
