package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiClient implements Client and Embedder using the Google generative AI SDK.
type GeminiClient struct {
	client         *genai.Client
	EmbeddingModel string
}

// NewGeminiClient opens a Gemini client authenticated by API key.
func NewGeminiClient(ctx context.Context, apiKey, embeddingModel string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}
	return &GeminiClient{client: c, EmbeddingModel: embeddingModel}, nil
}

// Close releases the underlying connection.
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

// Call sends one generate-content request.
func (g *GeminiClient) Call(ctx context.Context, req Request) (*Response, error) {
	model := g.client.GenerativeModel(strings.TrimPrefix(req.Model, "google/"))
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.UserPrompt))
	if err != nil {
		return nil, geminiError(req.Model, err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("gemini: empty response for model %s", req.Model)
	}

	out := &Response{Text: b.String(), Model: req.Model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Embed returns the embedding vector for text.
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.EmbeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, geminiError(g.EmbeddingModel, err)
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("gemini: no embedding returned")
	}
	return res.Embedding.Values, nil
}

// geminiError converts an SDK error into a ProviderError. The SDK speaks
// gRPC, so status codes (also carried by gax apierror.APIError) are checked
// first; googleapi.Error covers the REST transport.
func geminiError(model string, err error) error {
	pe := &ProviderError{Provider: "gemini", Model: model, Body: err.Error()}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		pe.Body = st.Message()
		pe.Kind = KindFromCode(st.Code(), st.Message())
		return pe
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe.Status = gerr.Code
		pe.Kind = KindFromStatus(gerr.Code, gerr.Message)
		pe.Body = gerr.Message
		return pe
	}
	pe.Kind = classifyText(err.Error())
	return pe
}

// KindFromCode maps a gRPC status code and message to an ErrorKind.
func KindFromCode(code codes.Code, msg string) ErrorKind {
	switch code {
	case codes.ResourceExhausted:
		return KindRateLimited
	case codes.NotFound:
		return KindModelNotFound
	case codes.InvalidArgument:
		if strings.Contains(strings.ToLower(msg), "model") {
			return KindModelNotFound
		}
	}
	return KindOther
}
