package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatgw-go/internal/config"
)

// stubProvider mirrors the Provider interface with overridable fields so
// tests can register arbitrary backends.
type stubProvider struct {
	kind      Kind
	streaming bool

	GenerateFunc func(ctx context.Context, req Request) (Response, error)
	StreamFunc   func(ctx context.Context, req Request) (Stream, error)
}

func (s *stubProvider) Kind() Kind { return s.kind }

func (s *stubProvider) SupportsStreaming() bool { return s.streaming }

func (s *stubProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if s.GenerateFunc != nil {
		return s.GenerateFunc(ctx, req)
	}
	return Response{Content: "stub reply", Model: "stub-model"}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if s.StreamFunc != nil {
		return s.StreamFunc(ctx, req)
	}
	return nil, Errorf(s.kind, ErrKindUnsupported, "streaming is not supported")
}

func TestResolve_ExplicitWinsOverPrefixAndDefault(t *testing.T) {
	r, err := NewRegistryWith("openai",
		map[string]string{"gemini": "gemini"},
		&stubProvider{kind: KindOpenAI},
		&stubProvider{kind: KindGemini},
		&stubProvider{kind: KindOllama},
	)
	require.NoError(t, err)

	p, err := r.Resolve("ollama", "gemini-pro")
	require.NoError(t, err)
	require.Equal(t, KindOllama, p.Kind())
}

func TestResolve_UnknownExplicitIsValidationError(t *testing.T) {
	r, err := NewRegistryWith("openai", nil, &stubProvider{kind: KindOpenAI})
	require.NoError(t, err)

	_, err = r.Resolve("anthropic", "")
	require.Error(t, err)
	require.Equal(t, ErrKindValidation, KindOf(err))
}

func TestResolve_LongestPrefixWins(t *testing.T) {
	r, err := NewRegistryWith("ollama",
		map[string]string{
			"gpt-":  "openai",
			"gpt-4": "gemini", // deliberately different target for the longer rule
		},
		&stubProvider{kind: KindOpenAI},
		&stubProvider{kind: KindGemini},
		&stubProvider{kind: KindOllama},
	)
	require.NoError(t, err)

	p, err := r.Resolve("", "gpt-4-turbo")
	require.NoError(t, err)
	require.Equal(t, KindGemini, p.Kind())

	p, err = r.Resolve("", "gpt-3.5-turbo")
	require.NoError(t, err)
	require.Equal(t, KindOpenAI, p.Kind())
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	r, err := NewRegistryWith("ollama",
		map[string]string{"gpt-": "openai"},
		&stubProvider{kind: KindOpenAI},
		&stubProvider{kind: KindOllama},
	)
	require.NoError(t, err)

	p, err := r.Resolve("", "mistral")
	require.NoError(t, err)
	require.Equal(t, KindOllama, p.Kind())

	p, err = r.Resolve("", "")
	require.NoError(t, err)
	require.Equal(t, KindOllama, p.Kind())
}

func TestNewRegistryWith_RejectsUnconfiguredDefault(t *testing.T) {
	_, err := NewRegistryWith("gemini", nil, &stubProvider{kind: KindOpenAI})
	require.Error(t, err)
	require.Equal(t, ErrKindConfiguration, KindOf(err))
}

func TestNewRegistryWith_RejectsDanglingPrefix(t *testing.T) {
	_, err := NewRegistryWith("openai",
		map[string]string{"llama": "llama"},
		&stubProvider{kind: KindOpenAI},
	)
	require.Error(t, err)
	require.Equal(t, ErrKindConfiguration, KindOf(err))
}

func TestNewRegistry_RejectsUnknownProviderID(t *testing.T) {
	_, err := NewRegistry(config.LLMConfig{
		DefaultProvider: "anthropic",
		Providers: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "k"},
		},
	})
	require.Error(t, err)
	require.Equal(t, ErrKindConfiguration, KindOf(err))
}

func TestConfigured_ReportsEveryKnownKind(t *testing.T) {
	r, err := NewRegistryWith("openai",
		nil,
		&stubProvider{kind: KindOpenAI},
		&stubProvider{kind: KindOllama},
	)
	require.NoError(t, err)

	got := r.Configured()
	require.Equal(t, map[string]bool{
		"openai": true,
		"llama":  false,
		"ollama": true,
		"gemini": false,
	}, got)
}
