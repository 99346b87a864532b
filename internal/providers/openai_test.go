package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseBody(lines ...string) string {
	out := ""
	for _, l := range lines {
		out += "data: " + l + "\n\n"
	}
	return out + "data: [DONE]\n\n"
}

func TestChatStreamAggregatesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search","arguments":"{\"que"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ry\":\"go\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		))
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	var thinking string
	var done bool
	resp, err := c.ChatStream(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "search go"}},
	}, func(ch StreamChunk) {
		thinking += ch.Thinking
		if ch.Done {
			done = true
		}
	})
	require.NoError(t, err)

	assert.Equal(t, "hmm", thinking)
	assert.True(t, done)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.Equal(t, "go", resp.ToolCalls[0].Arguments["query"])
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestChatStreamContentChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		))
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	resp, err := c.ChatStream(context.Background(), ChatRequest{Model: "m",
		Messages: []Message{{Role: "user", Content: "hi"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Empty(t, resp.ToolCalls)
}

func TestToolsUnsupportedFallback(t *testing.T) {
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		json.Unmarshal(raw, &body)
		bodies = append(bodies, body)

		if _, hasTools := body["tools"]; hasTools {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"this model does not support function calling"}}`)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"plain"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools: []ToolDefinition{{Type: "function", Function: ToolFunctionSchema{
			Name: "web_search", Parameters: map[string]interface{}{"type": "object"},
		}}},
	})
	require.NoError(t, err)

	require.Len(t, bodies, 2, "exactly one retry without tools")
	assert.NotContains(t, bodies[1], "tools")
	assert.Equal(t, "plain", resp.Content)
	assert.True(t, resp.ToolsDisabled)
}

func TestChatErrorWithoutToolMarkerIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limit exceeded"}}`)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools: []ToolDefinition{{Type: "function", Function: ToolFunctionSchema{
			Name: "x", Parameters: map[string]interface{}{"type": "object"},
		}}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Status)
	assert.Equal(t, float64(7), httpErr.RetryAfter.Seconds())
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"deepseek-chat"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"deepseek-chat", "gpt-4o", "gpt-4o-mini"}, models)
}
