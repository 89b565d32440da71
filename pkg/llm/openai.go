package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient speaks the OpenAI chat-completions protocol to any compatible
// endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. An empty baseURL targets api.openai.com.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	// Stage deadlines come from ctx; this only bounds a stuck connection.
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, options *SamplingOptions) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if options != nil {
		req.Temperature = float32(options.Temperature)
		req.TopP = float32(options.TopP)
		if options.Seed != 0 {
			seed := int(options.Seed)
			req.Seed = &seed
		}
		if options.MaxTokens > 0 {
			req.MaxTokens = options.MaxTokens
		}
		if options.JSONMode {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}
	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
}

// translateError maps go-openai errors onto StatusError so callers can
// classify them without importing the SDK.
func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: %w", &StatusError{Code: apiErr.HTTPStatusCode, Message: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %w", &StatusError{Code: reqErr.HTTPStatusCode})
	}
	return fmt.Errorf("openai: %w", err)
}
