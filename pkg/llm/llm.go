// Package llm is the model collaborator boundary: a provider-neutral request
// and response, typed provider errors, token pricing and the process-wide
// model health registry.
package llm

import "context"

// Request is one chat completion call.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Response is the provider's answer with usage accounting.
type Response struct {
	Text             string
	Model            string // model actually used, as reported by the provider
	PromptTokens     int
	CompletionTokens int
	Cost             float64 // USD; zero when the provider reports none
}

// TotalTokens returns prompt plus completion tokens.
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Client sends chat completions to a model provider.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Embedder turns text into a vector for nearest-neighbour search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Call implements Client.
func (f ClientFunc) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
