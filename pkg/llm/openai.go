package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultEndpoint is the OpenRouter OpenAI-compatible API root.
const DefaultEndpoint = "https://openrouter.ai/api/v1"

// OpenAIClient implements Client and Embedder against any OpenAI-compatible
// chat completions API (OpenRouter, OpenAI, local gateways).
type OpenAIClient struct {
	Endpoint       string // API root, without /chat/completions
	APIKey         string
	EmbeddingModel string
	HTTPClient     *http.Client
}

// OpenAIConfig holds configuration for creating an OpenAI-compatible client.
type OpenAIConfig struct {
	Endpoint       string
	APIKey         string
	EmbeddingModel string
	Timeout        time.Duration
}

// NewOpenAIClient creates a client from explicit config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIClient{
		Endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		APIKey:         cfg.APIKey,
		EmbeddingModel: cfg.EmbeddingModel,
		HTTPClient:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		Cost             *float64 `json:"cost"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Call sends a chat completion request.
func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	var msgs []chatMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.UserPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, header, err := c.post(ctx, "/chat/completions", body, req.Model)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		// OpenRouter reports some upstream failures in a 200 body.
		status, _ := chatResp.Error.Code.(float64)
		return nil, &ProviderError{
			Provider: "openai",
			Model:    req.Model,
			Status:   int(status),
			Kind:     KindFromStatus(int(status), chatResp.Error.Message),
			Body:     chatResp.Error.Message,
		}
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	out := &Response{
		Text:  chatResp.Choices[0].Message.Content,
		Model: chatResp.Model,
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if chatResp.Usage != nil {
		out.PromptTokens = chatResp.Usage.PromptTokens
		out.CompletionTokens = chatResp.Usage.CompletionTokens
		if chatResp.Usage.Cost != nil {
			out.Cost = *chatResp.Usage.Cost
		}
	}
	if out.Cost == 0 {
		if v, ok := costFromHeader(header.Get("x-openrouter-cost")); ok {
			out.Cost = v
		}
	}
	return out, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.EmbeddingModel == "" {
		return nil, fmt.Errorf("openai: no embedding model configured")
	}
	body, err := json.Marshal(embeddingRequest{Model: c.EmbeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	respBody, _, err := c.post(ctx, "/embeddings", body, c.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	var er embeddingResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return er.Data[0].Embedding, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body []byte, model string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &ProviderError{
			Provider: "openai",
			Model:    model,
			Status:   resp.StatusCode,
			Kind:     KindFromStatus(resp.StatusCode, string(respBody)),
			Body:     strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, resp.Header, nil
}
