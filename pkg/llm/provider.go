package llm

import "context"

// Provider is a chat completion backend. The decision loop only needs one
// blocking round trip per turn; streaming is not part of the contract.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

func (f ProviderFunc) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	return f(ctx, messages, tools)
}

// Config holds the connection settings shared by providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
