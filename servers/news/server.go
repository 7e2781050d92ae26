package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/MegaGrindStone/go-mcp-news"
	"github.com/gobwas/glob"
	"github.com/qri-io/jsonschema"
)

// NoResponse is returned as the tool output when the model answered without any text.
const NoResponse = "No response"

// AggregateNewsToolName is the name the aggregate news tool is registered under.
const AggregateNewsToolName = "aggregate_news"

const (
	aggregateNewsDescription = "This tool is used to aggregate news articles from multiple sources and analyze " +
		"their tone, remove bias, or rewrite neutrally of news articles and promote fairness and transparency."

	defaultMaxTokens = 1024
)

var (
	// ErrUnknownTool is returned by CallTool for a tool name that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned by CallTool when the arguments do not match the tool's input schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrSampling is returned when the delegated sampling request could not be completed.
	ErrSampling = errors.New("sampling failed")
)

// Server is an mcp.ToolServer exposing the aggregate_news tool. The tool sends the built-in
// article batch to the connected client for a model rewrite through MCP sampling, so the
// server itself holds no model credentials.
type Server struct {
	tools map[string]tool

	articles     []Article
	sourceFilter string
	maxTokens    int
	systemPrompt string

	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

type toolHandler func(
	ctx context.Context,
	args json.RawMessage,
	report mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error)

type tool struct {
	descriptor mcp.Tool
	schema     *jsonschema.Schema
	handle     toolHandler
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "news"),
			slog.String("component", "server"),
		)
	}
}

// WithSourceFilter restricts the articles sent to the model to those whose source matches the
// glob pattern, e.g. "Patriot*" or "{HotTake News,Silicon Beat}". The default "*" keeps all.
func WithSourceFilter(pattern string) Option {
	return func(s *Server) {
		s.sourceFilter = pattern
	}
}

// WithMaxTokens sets the token budget of each sampling request.
func WithMaxTokens(maxTokens int) Option {
	return func(s *Server) {
		s.maxTokens = maxTokens
	}
}

// WithSystemPrompt replaces the system prompt sent with the sampling request.
func WithSystemPrompt(prompt string) Option {
	return func(s *Server) {
		s.systemPrompt = prompt
	}
}

// NewServer creates the tool server. It fails when the source filter is not a valid glob
// pattern or matches none of the built-in articles.
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		sourceFilter: "*",
		maxTokens:    defaultMaxTokens,
		systemPrompt: SystemPrompt,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.maxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", s.maxTokens)
	}

	articles, err := filterArticles(Articles(), s.sourceFilter)
	if err != nil {
		return nil, err
	}
	s.articles = articles

	s.tools = map[string]tool{
		AggregateNewsToolName: {
			descriptor: mcp.Tool{
				Name:        AggregateNewsToolName,
				Description: aggregateNewsDescription,
				InputSchema: aggregateNewsInputSchema,
			},
			schema: aggregateNewsArgsSchema,
			handle: s.aggregateNews,
		},
	}

	return s, nil
}

func filterArticles(articles []Article, pattern string) ([]Article, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid source filter %q: %w", pattern, err)
	}

	var filtered []Article
	for _, a := range articles {
		if g.Match(a.Source) {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("source filter %q matches no articles", pattern)
	}
	return filtered, nil
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	tools := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.descriptor)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return mcp.ListToolsResult{
		Tools: tools,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	report mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	s.logger.Debug("CallTool", slog.String("tool", params.Name))

	t, ok := s.tools[params.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, params.Name)
	}

	if report == nil {
		report = func(mcp.ProgressParams) {}
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := validate(ctx, t.schema, "arguments", args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}

	return t.handle(ctx, args, report, requestClient)
}

func (s *Server) aggregateNews(
	ctx context.Context,
	args json.RawMessage,
	report mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var a aggregateNewsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	// The request details are accepted for compatibility, the article batch is fixed.
	s.logger.Info("aggregating news",
		slog.Any("message", a.Message),
		slog.Int("articles", len(s.articles)))

	const steps = 3
	report(mcp.ProgressParams{Progress: 0, Total: steps})

	prompt, err := Prompt(s.articles)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	samplingParamsBs, err := json.Marshal(mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.SamplingContent{
					Type: mcp.ContentTypeText,
					Text: prompt,
				},
			},
		},
		SystemPrompt: s.systemPrompt,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal sampling params: %w", err)
	}

	resMsg, err := requestClient(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodSamplingCreateMessage,
		Params:  samplingParamsBs,
	})
	if err != nil {
		s.logger.Error("sampling request failed", slog.String("err", err.Error()))
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", ErrSampling, err)
	}
	if resMsg.Error != nil {
		s.logger.Error("client rejected sampling request", slog.String("err", resMsg.Error.Error()))
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", ErrSampling, resMsg.Error)
	}
	report(mcp.ProgressParams{Progress: 1, Total: steps})

	var samplingResult mcp.SamplingResult
	if err := json.Unmarshal(resMsg.Result, &samplingResult); err != nil {
		s.logger.Error("failed to unmarshal sampling result", slog.String("err", err.Error()))
		return mcp.CallToolResult{}, fmt.Errorf("%w: failed to unmarshal sampling result: %w", ErrSampling, err)
	}

	text := samplingResult.Content.Text
	if samplingResult.Content.Type != mcp.ContentTypeText || text == "" {
		s.logger.Warn("sampling result carries no text",
			slog.String("contentType", string(samplingResult.Content.Type)),
			slog.String("model", samplingResult.Model))
		report(mcp.ProgressParams{Progress: steps, Total: steps})
		return textResult(NoResponse), nil
	}

	articles, err := ParseArticles(ctx, text)
	if err != nil {
		s.logger.Error("model output failed validation",
			slog.String("model", samplingResult.Model),
			slog.String("err", err.Error()))
		return mcp.CallToolResult{}, err
	}
	report(mcp.ProgressParams{Progress: 2, Total: steps})

	out, err := json.MarshalIndent(articles, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal articles: %w", err)
	}
	report(mcp.ProgressParams{Progress: steps, Total: steps})

	s.logger.Info("news aggregated",
		slog.String("model", samplingResult.Model),
		slog.Int("articles", len(articles)))

	return textResult(string(out)), nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
		IsError: false,
	}
}
