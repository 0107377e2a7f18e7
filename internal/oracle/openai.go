package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

type ClientConfig struct {
	BaseURL     string
	APIKey      string
	MaxRetries  int
	Temperature float64
	HTTPTimeout time.Duration
}

// OpenAIClient 兼容 OpenAI / OpenRouter / DeepSeek 的 chat completions 接口。
type OpenAIClient struct {
	client      openai.Client
	hasKey      bool
	temperature float64
}

var _ Completer = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	// 兼容把完整 /chat/completions 写进配置的情况
	base = strings.TrimSuffix(strings.TrimRight(base, "/"), "/chat/completions")
	opts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.HTTPTimeout))
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		hasKey:      strings.TrimSpace(cfg.APIKey) != "",
		temperature: cfg.Temperature,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, model, purpose, systemPrompt, userPrompt string) (string, error) {
	if !c.hasKey {
		return "", ErrMissingCredentials
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}

	logger.LogLLMRequest(model, purpose, systemPrompt, userPrompt)
	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := resp.Choices[0].Message.Content
	logger.LogLLMResponse(model, purpose, text)
	logger.Debugf("[AI] %s via %s took %s (%d chars)", purpose, model, time.Since(start).Truncate(time.Millisecond), len(text))
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
