package news

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp-news"
)

type fakeClient struct {
	requests []mcp.JSONRPCMessage
	response mcp.JSONRPCMessage
	err      error
}

func (f *fakeClient) request(_ context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, error) {
	f.requests = append(f.requests, msg)
	if f.err != nil {
		return mcp.JSONRPCMessage{}, f.err
	}
	return f.response, nil
}

func samplingResponse(t *testing.T, content mcp.SamplingContent) mcp.JSONRPCMessage {
	t.Helper()

	bs, err := json.Marshal(mcp.SamplingResult{
		Role:       mcp.RoleAssistant,
		Content:    content,
		Model:      "test-model",
		StopReason: "endTurn",
	})
	if err != nil {
		t.Fatalf("failed to marshal sampling result: %v", err)
	}
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Result: bs}
}

func newTestServer(t *testing.T, options ...Option) *Server {
	t.Helper()

	s, err := NewServer(options...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

func callAggregateNews(t *testing.T, s *Server, client *fakeClient, args string) (mcp.CallToolResult, []mcp.ProgressParams, error) {
	t.Helper()

	var progress []mcp.ProgressParams
	res, err := s.CallTool(context.Background(), mcp.CallToolParams{
		Name:      AggregateNewsToolName,
		Arguments: json.RawMessage(args),
	}, func(p mcp.ProgressParams) {
		progress = append(progress, p)
	}, client.request)

	return res, progress, err
}

func TestListTools(t *testing.T) {
	s := newTestServer(t)

	res, err := s.ListTools(context.Background(), mcp.ListToolsParams{}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(res.Tools))
	}

	tool := res.Tools[0]
	if tool.Name != AggregateNewsToolName {
		t.Errorf("got tool %q, want %q", tool.Name, AggregateNewsToolName)
	}
	if !strings.HasPrefix(tool.Description, "This tool is used to aggregate news articles") {
		t.Errorf("unexpected description %q", tool.Description)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		t.Fatalf("input schema is not JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("got schema type %v, want object", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	message, ok := props["message"].(map[string]any)
	if !ok {
		t.Fatalf("expected a message property in %s", tool.InputSchema)
	}
	if want := "Free-form request details such as the topic of interest"; message["description"] != want {
		t.Errorf("got message description %q, want %q", message["description"], want)
	}
}

func TestAggregateNews(t *testing.T) {
	rewritten := `[{"title":"Leaders Miss Climate Deal","source":"HotTake News","url":"https://hottakenews.com/climate-crisis","content":"World leaders did not reach a consensus."}]`
	client := &fakeClient{
		response: samplingResponse(t, mcp.SamplingContent{Type: mcp.ContentTypeText, Text: rewritten}),
	}
	s := newTestServer(t, WithMaxTokens(512))

	res, progress, err := callAggregateNews(t, s, client, `{"message":{"topic":"AI advancements"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("got result %+v", res)
	}

	var articles []Article
	if err := json.Unmarshal([]byte(res.Content[0].Text), &articles); err != nil {
		t.Fatalf("result is not an article array: %v", err)
	}
	if len(articles) != 1 || articles[0].Title != "Leaders Miss Climate Deal" {
		t.Errorf("got articles %+v", articles)
	}

	if len(client.requests) != 1 {
		t.Fatalf("got %d client requests, want 1", len(client.requests))
	}
	req := client.requests[0]
	if req.Method != mcp.MethodSamplingCreateMessage {
		t.Errorf("got method %q, want %q", req.Method, mcp.MethodSamplingCreateMessage)
	}

	var params mcp.SamplingParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal sampling params: %v", err)
	}
	if params.SystemPrompt != SystemPrompt {
		t.Errorf("got system prompt %q", params.SystemPrompt)
	}
	if params.MaxTokens != 512 {
		t.Errorf("got max tokens %d, want 512", params.MaxTokens)
	}
	if len(params.Messages) != 1 || params.Messages[0].Role != mcp.RoleUser {
		t.Fatalf("got messages %+v, want one user message", params.Messages)
	}
	for _, a := range Articles() {
		if !strings.Contains(params.Messages[0].Content.Text, a.Title) {
			t.Errorf("prompt is missing article %q", a.Title)
		}
	}

	want := []float64{0, 1, 2, 3}
	if len(progress) != len(want) {
		t.Fatalf("got %d progress updates, want %d", len(progress), len(want))
	}
	for i, p := range progress {
		if p.Progress != want[i] || p.Total != 3 {
			t.Errorf("got progress %v/%v, want %v/3", p.Progress, p.Total, want[i])
		}
	}
}

func TestAggregateNewsNoResponse(t *testing.T) {
	tests := []struct {
		name    string
		content mcp.SamplingContent
	}{
		{
			name:    "empty text",
			content: mcp.SamplingContent{Type: mcp.ContentTypeText},
		},
		{
			name:    "image content",
			content: mcp.SamplingContent{Type: mcp.ContentTypeImage, Data: "aGVsbG8=", MimeType: "image/png"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{response: samplingResponse(t, tt.content)}
			s := newTestServer(t)

			res, _, err := callAggregateNews(t, s, client, `{}`)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.IsError || len(res.Content) != 1 || res.Content[0].Text != NoResponse {
				t.Errorf("got result %+v, want %q", res, NoResponse)
			}
		})
	}
}

func TestAggregateNewsSamplingFailures(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		client := &fakeClient{err: &mcp.TransportError{Op: "wait sampling/createMessage", Err: mcp.ErrSessionClosed}}
		s := newTestServer(t)

		_, _, err := callAggregateNews(t, s, client, `{}`)
		if !errors.Is(err, ErrSampling) {
			t.Errorf("got error %v, want %v", err, ErrSampling)
		}
		if !errors.Is(err, mcp.ErrSessionClosed) {
			t.Errorf("expected %v to keep the transport cause", err)
		}
	})

	t.Run("error response", func(t *testing.T) {
		client := &fakeClient{response: mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      "1",
			Error:   &mcp.JSONRPCError{Code: -32603, Message: "invalid message content type"},
		}}
		s := newTestServer(t)

		_, _, err := callAggregateNews(t, s, client, `{}`)
		if !errors.Is(err, ErrSampling) {
			t.Errorf("got error %v, want %v", err, ErrSampling)
		}
		if !strings.Contains(err.Error(), "invalid message content type") {
			t.Errorf("expected %v to carry the client's message", err)
		}
	})
}

func TestAggregateNewsInvalidModelOutput(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "prose", text: "Here are the rewritten articles."},
		{name: "object instead of array", text: `{"title":"x","source":"y","url":"z","content":"w"}`},
		{name: "missing field", text: `[{"title":"x","source":"y","url":"z"}]`},
		{name: "empty title", text: `[{"title":"","source":"y","url":"z","content":"w"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{
				response: samplingResponse(t, mcp.SamplingContent{Type: mcp.ContentTypeText, Text: tt.text}),
			}
			s := newTestServer(t)

			_, _, err := callAggregateNews(t, s, client, `{}`)

			var valErr *SchemaValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("got error %v, want a SchemaValidationError", err)
			}
			if valErr.Subject != "model output" {
				t.Errorf("got subject %q, want %q", valErr.Subject, "model output")
			}
		})
	}
}

func TestCallToolErrors(t *testing.T) {
	s := newTestServer(t)
	client := &fakeClient{}

	t.Run("unknown tool", func(t *testing.T) {
		_, err := s.CallTool(context.Background(), mcp.CallToolParams{Name: "read_file"}, nil, client.request)
		if !errors.Is(err, ErrUnknownTool) {
			t.Errorf("got error %v, want %v", err, ErrUnknownTool)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := s.CallTool(context.Background(), mcp.CallToolParams{
			Name:      AggregateNewsToolName,
			Arguments: json.RawMessage(`{"message":"not an object"}`),
		}, nil, client.request)
		if !errors.Is(err, ErrInvalidArguments) {
			t.Errorf("got error %v, want %v", err, ErrInvalidArguments)
		}
		var valErr *SchemaValidationError
		if !errors.As(err, &valErr) || valErr.Subject != "arguments" {
			t.Errorf("got error %v, want a SchemaValidationError on the arguments", err)
		}
	})

	if len(client.requests) != 0 {
		t.Errorf("expected no sampling request, got %d", len(client.requests))
	}
}

func TestSourceFilter(t *testing.T) {
	t.Run("restricts the prompt", func(t *testing.T) {
		client := &fakeClient{
			response: samplingResponse(t, mcp.SamplingContent{Type: mcp.ContentTypeText}),
		}
		s := newTestServer(t, WithSourceFilter("{Patriot Daily,Progress Watch}"))

		if _, _, err := callAggregateNews(t, s, client, `{}`); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var params mcp.SamplingParams
		if err := json.Unmarshal(client.requests[0].Params, &params); err != nil {
			t.Fatalf("failed to unmarshal sampling params: %v", err)
		}
		prompt := params.Messages[0].Content.Text
		if strings.Contains(prompt, "HotTake News") || strings.Contains(prompt, "Silicon Beat") {
			t.Errorf("prompt contains filtered out sources: %s", prompt)
		}
		if !strings.Contains(prompt, "Patriot Daily") || !strings.Contains(prompt, "Progress Watch") {
			t.Errorf("prompt is missing matching sources: %s", prompt)
		}
	})

	t.Run("invalid pattern", func(t *testing.T) {
		if _, err := NewServer(WithSourceFilter("[")); err == nil {
			t.Error("expected an error for an invalid glob")
		}
	})

	t.Run("no match", func(t *testing.T) {
		if _, err := NewServer(WithSourceFilter("Daily Planet")); err == nil {
			t.Error("expected an error for a filter matching nothing")
		}
	})
}

func TestNewServerRejectsNonPositiveMaxTokens(t *testing.T) {
	if _, err := NewServer(WithMaxTokens(0)); err == nil {
		t.Error("expected an error for zero max tokens")
	}
}
