package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAICompat provides a JSON-completion client for any OpenAI-compatible chat endpoint. By default it
// targets Google's generative-language API through its OpenAI-compatible surface.
type OpenAICompat struct {
	model  string
	apiKey string

	client *goopenai.Client

	logger *slog.Logger
}

// GeminiOpenAIBaseURL is the OpenAI-compatible base URL of the generative-language API.
const GeminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// ErrAPIKeyMissing is returned when a provider is invoked without credentials.
var ErrAPIKeyMissing = errors.New("api key is not set")

// NewOpenAICompat creates a new OpenAICompat instance. An empty baseURL keeps the go-openai default
// (api.openai.com).
func NewOpenAICompat(apiKey, baseURL, model string, logger *slog.Logger) OpenAICompat {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAICompat{
		model:  model,
		apiKey: apiKey,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// CompleteJSON sends a single-prompt completion that must answer with a JSON object, and returns the
// raw message content.
func (o OpenAICompat) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if o.apiKey == "" {
		return "", ErrAPIKeyMissing
	}

	req := goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	o.logger.Debug("Completion", slog.String("content", resp.Choices[0].Message.Content))

	return resp.Choices[0].Message.Content, nil
}
