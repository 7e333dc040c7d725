package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockClient is an offline Client and Embedder. Completions summarise the
// prompt deterministically; embeddings are hashed bags of words, so identical
// vocabulary lands close together.
type MockClient struct {
	Dimensions int
}

// NewMockClient returns a mock with 64-dimensional embeddings.
func NewMockClient() *MockClient {
	return &MockClient{Dimensions: 64}
}

// Call implements Client.
func (m *MockClient) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	first := strings.TrimSpace(req.UserPrompt)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if r := []rune(first); len(r) > 120 {
		first = string(r[:120]) + "..."
	}
	text := fmt.Sprintf("[mock %s] analysis of: %s", req.Model, first)
	return &Response{
		Text:             text,
		Model:            req.Model,
		PromptTokens:     approxTokens(req.SystemPrompt) + approxTokens(req.UserPrompt),
		CompletionTokens: approxTokens(text),
	}, nil
}

// Embed implements Embedder.
func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := m.Dimensions
	if dims <= 0 {
		dims = 64
	}
	vec := make([]float32, dims)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// approxTokens uses the common four-characters-per-token rule of thumb.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}
