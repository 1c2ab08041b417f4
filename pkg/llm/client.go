// Package llm provides the completion client the agents plan and reflect
// with. The interface is deliberately small; the stock implementation talks
// to any OpenAI-compatible endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Role tags for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client produces completions. Implementations must be safe for concurrent
// use.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("llm config: api_key is required")
	}
	if c.Model == "" {
		return errors.New("llm config: model is required")
	}
	return nil
}

// OpenAIClient implements Client over the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// NewOpenAIClient builds a client from config.
func NewOpenAIClient(config Config, logger *slog.Logger) (*OpenAIClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}, nil
}

// Complete sends the conversation and returns the first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	request := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	started := time.Now()
	response, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("llm completion: empty choices")
	}

	c.logger.Debug("llm completion finished",
		"model", c.config.Model,
		"duration_ms", time.Since(started).Milliseconds(),
		"prompt_tokens", response.Usage.PromptTokens,
		"completion_tokens", response.Usage.CompletionTokens)
	return response.Choices[0].Message.Content, nil
}
