// Package azureopenai answers MCP sampling requests with Azure OpenAI chat completions.
package azureopenai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/MegaGrindStone/go-mcp-news"
	"github.com/MegaGrindStone/go-mcp-news/config"
)

// StopReasonEndTurn is reported for every completed sample.
const StopReasonEndTurn = "endTurn"

var (
	// ErrInvalidContentType is returned when the first sampling message carries no text.
	ErrInvalidContentType = errors.New("invalid message content type")
	// ErrCompletion is returned when the chat completion call fails or returns no choices.
	ErrCompletion = errors.New("chat completion failed")
)

// ChatCompleter is the part of *openai.Client the sampler needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Sampler implements mcp.SamplingHandler on an Azure OpenAI deployment.
type Sampler struct {
	completer  ChatCompleter
	deployment string
	logger     *slog.Logger
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger sets the logger of the sampler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		s.logger = logger.With(
			slog.String("package", "azureopenai"),
			slog.String("component", "sampler"),
		)
	}
}

// WithChatCompleter replaces the Azure OpenAI client built from the configuration.
func WithChatCompleter(completer ChatCompleter) Option {
	return func(s *Sampler) {
		s.completer = completer
	}
}

// New creates a sampler for the deployment described by cfg.
func New(cfg config.Azure, options ...Option) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sampler{
		deployment: cfg.Deployment,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.completer == nil {
		clientCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		clientCfg.APIVersion = cfg.APIVersion
		// Requests name the deployment directly.
		clientCfg.AzureModelMapperFunc = func(model string) string { return model }
		s.completer = openai.NewClientWithConfig(clientCfg)
	}

	return s, nil
}

// CreateSampleMessage implements mcp.SamplingHandler. Only the text of the first message is
// sent to the model, as a single user message; the system prompt and later messages are not
// forwarded.
func (s *Sampler) CreateSampleMessage(ctx context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	if len(params.Messages) == 0 {
		return mcp.SamplingResult{}, fmt.Errorf("%w: no messages", ErrInvalidContentType)
	}
	first := params.Messages[0].Content
	if first.Type != mcp.ContentTypeText {
		s.logger.Warn("rejecting sampling request without text",
			slog.String("contentType", string(first.Type)))
		return mcp.SamplingResult{}, fmt.Errorf("%w: %q", ErrInvalidContentType, first.Type)
	}

	req := openai.ChatCompletionRequest{
		Model: s.deployment,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: first.Text,
			},
		},
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}

	s.logger.Debug("requesting chat completion",
		slog.String("deployment", s.deployment),
		slog.Int("promptLength", len(first.Text)))

	resp, err := s.completer.CreateChatCompletion(ctx, req)
	if err != nil {
		s.logger.Error("chat completion failed", slog.String("err", err.Error()))
		return mcp.SamplingResult{}, fmt.Errorf("%w: %w", ErrCompletion, err)
	}
	if len(resp.Choices) == 0 {
		s.logger.Error("chat completion returned no choices")
		return mcp.SamplingResult{}, fmt.Errorf("%w: no choices returned", ErrCompletion)
	}

	model := resp.Model
	if model == "" {
		model = s.deployment
	}

	return mcp.SamplingResult{
		Role: mcp.RoleAssistant,
		Content: mcp.SamplingContent{
			Type: mcp.ContentTypeText,
			Text: resp.Choices[0].Message.Content,
		},
		Model:      model,
		StopReason: StopReasonEndTurn,
	}, nil
}
