package mcp_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/MegaGrindStone/go-mcp-news"
	"github.com/MegaGrindStone/go-mcp-news/config"
	"github.com/MegaGrindStone/go-mcp-news/samplers/azureopenai"
	"github.com/MegaGrindStone/go-mcp-news/servers/news"
)

type fakeCompleter struct {
	lock     sync.Mutex
	requests []openai.ChatCompletionRequest
	content  string
}

// imageSamplingToolServer asks the client to sample an image prompt and reports the client's
// answer as the tool error.
type imageSamplingToolServer struct{}

func (f *fakeCompleter) CreateChatCompletion(
	_ context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.requests = append(f.requests, req)
	return openai.ChatCompletionResponse{
		Model: "gpt-4o-2024-08-06",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.content}},
		},
	}, nil
}

func (f *fakeCompleter) calls() []openai.ChatCompletionRequest {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]openai.ChatCompletionRequest(nil), f.requests...)
}

func (imageSamplingToolServer) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "describe_image", InputSchema: json.RawMessage(`{"type":"object"}`)}}}, nil
}

func (imageSamplingToolServer) CallTool(
	ctx context.Context,
	_ mcp.CallToolParams,
	_ mcp.ProgressReporter,
	clientFunc mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	paramsBs, err := json.Marshal(mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.SamplingContent{Type: mcp.ContentTypeImage, Data: "aGk=", MimeType: "image/png"},
			},
		},
		MaxTokens: 100,
	})
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	res, err := clientFunc(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodSamplingCreateMessage,
		Params:  paramsBs,
	})
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if res.Error != nil {
		return mcp.CallToolResult{}, res.Error
	}
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "unexpected success"}}}, nil
}

func newAzureSampler(t *testing.T, completer *fakeCompleter) *azureopenai.Sampler {
	t.Helper()

	sampler, err := azureopenai.New(config.Azure{
		Endpoint:   "https://example.openai.azure.com/",
		Deployment: "gpt-4o",
		APIKey:     "secret",
		APIVersion: "2024-06-01",
	}, azureopenai.WithChatCompleter(completer))
	if err != nil {
		t.Fatalf("failed to create sampler: %v", err)
	}
	return sampler
}

func TestAggregateNewsOverSSE(t *testing.T) {
	rewritten := news.Articles()
	for i := range rewritten {
		rewritten[i].Title = "Neutral: " + rewritten[i].Title
	}
	rewrittenBs, err := json.Marshal(rewritten)
	if err != nil {
		t.Fatalf("failed to marshal articles: %v", err)
	}

	newsServer, err := news.NewServer()
	if err != nil {
		t.Fatalf("failed to create news server: %v", err)
	}
	completer := &fakeCompleter{content: "```json\n" + string(rewrittenBs) + "\n```"}
	progress := &mockProgressListener{}

	cfg := testSuiteConfig{
		transportName: "SSE",
		serverOptions: []mcp.ServerOption{
			mcp.WithRequireSamplingClient(),
			mcp.WithToolServer(newsServer),
		},
		clientOptions: []mcp.ClientOption{
			mcp.WithSamplingHandler(newAzureSampler(t, completer)),
			mcp.WithProgressListener(progress),
		},
	}

	t.Run("SSE", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		if s.clientConnectErr != nil {
			t.Fatalf("failed to connect: %v", s.clientConnectErr)
		}

		res, err := s.mcpClient.CallTool(context.Background(), mcp.CallToolParams{
			Name:      news.AggregateNewsToolName,
			Arguments: json.RawMessage(`{"message":{"topic":"AI advancements"}}`),
			Meta:      mcp.ParamsMeta{ProgressToken: "aggregate"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.IsError || len(res.Content) != 1 {
			t.Fatalf("got result %+v", res)
		}

		var got []news.Article
		if err := json.Unmarshal([]byte(res.Content[0].Text), &got); err != nil {
			t.Fatalf("result is not an article array: %v", err)
		}
		if len(got) != len(rewritten) {
			t.Fatalf("got %d articles, want %d", len(got), len(rewritten))
		}
		for i := range got {
			if got[i] != rewritten[i] {
				t.Errorf("got article %+v, want %+v", got[i], rewritten[i])
			}
		}

		reqs := completer.calls()
		if len(reqs) != 1 {
			t.Fatalf("got %d completions, want 1", len(reqs))
		}
		if reqs[0].Model != "gpt-4o" || reqs[0].MaxTokens != 1024 {
			t.Errorf("got model %q and max tokens %d", reqs[0].Model, reqs[0].MaxTokens)
		}
		if len(reqs[0].Messages) != 1 || reqs[0].Messages[0].Role != openai.ChatMessageRoleUser {
			t.Fatalf("got messages %+v, want one user message", reqs[0].Messages)
		}
		prompt := reqs[0].Messages[0].Content
		if !strings.HasPrefix(prompt, "Analyze tone, remove bias, or rewrite neutrally of these news articles: ") {
			t.Errorf("unexpected prompt %q", prompt)
		}
		for _, a := range news.Articles() {
			if !strings.Contains(prompt, a.Title) {
				t.Errorf("prompt is missing article %q", a.Title)
			}
		}

		if len(progress.updates()) == 0 {
			t.Error("expected progress updates")
		}
	}))
}

func TestSamplerRejectsImageOverSSE(t *testing.T) {
	completer := &fakeCompleter{}

	cfg := testSuiteConfig{
		transportName: "SSE",
		serverOptions: []mcp.ServerOption{
			mcp.WithRequireSamplingClient(),
			mcp.WithToolServer(imageSamplingToolServer{}),
		},
		clientOptions: []mcp.ClientOption{
			mcp.WithSamplingHandler(newAzureSampler(t, completer)),
		},
	}

	t.Run("SSE", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		if s.clientConnectErr != nil {
			t.Fatalf("failed to connect: %v", s.clientConnectErr)
		}

		res, err := s.mcpClient.CallTool(context.Background(), mcp.CallToolParams{Name: "describe_image"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.IsError {
			t.Fatalf("expected an error result, got %+v", res)
		}
		if len(res.Content) != 1 || !strings.Contains(res.Content[0].Text, azureopenai.ErrInvalidContentType.Error()) {
			t.Errorf("got content %+v, want the invalid content type error", res.Content)
		}
		if n := len(completer.calls()); n != 0 {
			t.Errorf("expected the model not to be called, got %d completions", n)
		}
	}))
}
