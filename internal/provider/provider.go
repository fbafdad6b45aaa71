package provider

import (
	"context"
)

// Kind is the canonical identifier of a chat backend.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindLlama  Kind = "llama"
	KindOllama Kind = "ollama"
	KindGemini Kind = "gemini"
)

// Message is one turn of conversation context supplied to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is the provider-agnostic generation request. Each adapter maps it
// into its backend's wire format.
type Request struct {
	Message     string
	Context     []Message
	Model       string
	MaxTokens   int
	Temperature float32

	// Extra carries provider-specific options. Adapters may ignore keys they
	// don't understand.
	Extra map[string]any
}

// Response is the normalized generation result.
type Response struct {
	Content string
	Model   string

	// TokensUsed is 0 when the backend reports no usage.
	TokensUsed int

	// CostUSD is 0 when no pricing is known for the model.
	CostUSD float64

	Metadata map[string]any
}

// Stream yields response text fragments in arrival order. Recv returns
// io.EOF when the backend finishes normally. Close releases the underlying
// connection and must be safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is the capability-set interface every adapter implements.
// Stream must only be called when SupportsStreaming reports true; adapters
// without the capability return an unsupported_operation error.
type Provider interface {
	Kind() Kind
	SupportsStreaming() bool
	Generate(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}
