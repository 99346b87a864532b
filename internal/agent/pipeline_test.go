package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/providers"
	"github.com/nextlevelbuilder/telepersona/internal/services"
	"github.com/nextlevelbuilder/telepersona/internal/tools"
)

// stubTool is a single-function tool whose behavior the tests script.
type stubTool struct {
	mu     sync.Mutex
	calls  int
	silent bool
}

func (s *stubTool) Name() string        { return "stub" }
func (s *stubTool) Instruction() string { return "" }

func (s *stubTool) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:       "stub_fn",
			Parameters: map[string]interface{}{"type": "object"},
		},
	}}
}

func (s *stubTool) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *tools.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.silent {
		return tools.SilentResult()
	}
	q, _ := args["q"].(string)
	return tools.NewResult("stub result for " + q)
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// turnEnv wires a pipeline to a scripted chat-completions server. respond
// receives the 1-based request number and the decoded request body and
// returns the SSE data payloads for that request.
type turnEnv struct {
	pipe    *Pipeline
	svc     *services.Services
	stub    *stubTool
	session int64

	mu     sync.Mutex
	bodies []map[string]interface{}
}

func newTurnEnv(t *testing.T, respond func(n int, body map[string]interface{}) []string) *turnEnv {
	t.Helper()
	env := &turnEnv{stub: &stubTool{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		json.Unmarshal(raw, &body)

		env.mu.Lock()
		env.bodies = append(env.bodies, body)
		n := len(env.bodies)
		env.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range respond(n, body) {
			io.WriteString(w, "data: "+line+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	c := cache.New(cache.Defaults{Model: "test-model", Temperature: 0.7})
	cfg := &config.Config{EnabledTools: []string{"stub"}}
	env.svc = services.New(c, cfg, nil, slog.Default())
	env.svc.SetAPIKey(1, "test-key")
	env.svc.SetBaseURL(1, srv.URL)
	env.session = env.svc.EnsureSession(1)

	env.pipe = NewPipeline(env.svc, tools.NewRegistry(slog.Default(), env.stub), slog.Default())
	return env
}

func (e *turnEnv) turn(text string) Turn {
	return Turn{
		UserID:      1,
		Persona:     e.svc.CurrentPersona(1),
		SessionID:   e.session,
		Content:     text,
		HistoryText: text,
	}
}

func (e *turnEnv) body(n int) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodies[n-1]
}

func (e *turnEnv) requestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bodies)
}

// messageRoles extracts the role sequence from a recorded request body.
func messageRoles(body map[string]interface{}) []string {
	var roles []string
	for _, m := range body["messages"].([]interface{}) {
		roles = append(roles, m.(map[string]interface{})["role"].(string))
	}
	return roles
}

func toolCallLines(id, fn, args string) []string {
	return []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"` + id + `","function":{"name":"` + fn + `","arguments":` + args + `}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
}

func contentLines(parts ...string) []string {
	var lines []string
	for _, p := range parts {
		b, _ := json.Marshal(p)
		lines = append(lines, `{"choices":[{"delta":{"content":`+string(b)+`}}]}`)
	}
	lines = append(lines,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	)
	return lines
}

func TestRunPlainReply(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		return contentLines("Hello ", "there!")
	})

	res, err := env.pipe.Run(context.Background(), env.turn("hi"), Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", res.FinalText)
	assert.Equal(t, 1, res.Rounds)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	msgs := env.svc.Conversation(env.session)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hello there!", msgs[1].Content)

	assert.Equal(t, int64(15), env.svc.TotalTokens(1))
}

func TestRunToolRoundThenReply(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		if n == 1 {
			return toolCallLines("c1", "stub_fn", `"{\"q\":\"weather\"}"`)
		}
		return contentLines("It is sunny.")
	})

	var toolRounds [][]string
	res, err := env.pipe.Run(context.Background(), env.turn("weather?"), Callbacks{
		OnToolRound: func(names []string) { toolRounds = append(toolRounds, names) },
	})
	require.NoError(t, err)

	assert.Equal(t, "It is sunny.", res.FinalText)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 1, env.stub.callCount())
	assert.Equal(t, [][]string{{"stub_fn"}}, toolRounds)

	// Second request carries the tool exchange back to the model.
	assert.Equal(t, []string{"system", "user", "assistant", "tool"}, messageRoles(env.body(2)))
}

func TestRunRoundLimitForcesPlainReply(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		if _, hasTools := body["tools"]; hasTools {
			return toolCallLines("c1", "stub_fn", `"{\"q\":\"again\"}"`)
		}
		return contentLines("Final answer.")
	})

	res, err := env.pipe.Run(context.Background(), env.turn("loop"), Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, "Final answer.", res.FinalText)
	assert.Equal(t, config.MaxToolRounds+1, res.Rounds)
	assert.Equal(t, config.MaxToolRounds+1, env.requestCount())

	for n := 1; n <= config.MaxToolRounds; n++ {
		assert.Contains(t, env.body(n), "tools")
	}
	assert.NotContains(t, env.body(config.MaxToolRounds+1), "tools",
		"last invocation must not offer tools")
}

func TestRunDuplicateToolCallExecutedOnce(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		if n == 1 {
			return []string{
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"stub_fn","arguments":"{\"q\":\"x\"}"}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"c2","function":{"name":"stub_fn","arguments":"{\"q\":\"x\"}"}}]}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			}
		}
		return contentLines("Done.")
	})

	_, err := env.pipe.Run(context.Background(), env.turn("dup"), Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, 1, env.stub.callCount(), "identical call in one turn runs once")
	// Both calls still get a tool response so the transcript stays valid.
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "tool"}, messageRoles(env.body(2)))
}

func TestRunAllSilentRoundEndsTurn(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		return append([]string{
			`{"choices":[{"delta":{"content":"Noted."}}]}`,
		}, toolCallLines("c1", "stub_fn", `"{}"`)...)
	})
	env.stub.silent = true

	res, err := env.pipe.Run(context.Background(), env.turn("remember this"), Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rounds, "silent-only round needs no follow-up call")
	assert.Equal(t, 1, env.requestCount())
	assert.Equal(t, "Noted.", res.FinalText)
	assert.Equal(t, 1, env.stub.callCount())
}

func TestRunStreamingHidesThinking(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		return contentLines("<think>secret plan", "</think>", "The answer is 4.")
	})

	var sawThinkingPhase bool
	var visibles []string
	res, err := env.pipe.Run(context.Background(), env.turn("2+2?"), Callbacks{
		OnAssistant: func(visible string, thinking bool) {
			if thinking {
				sawThinkingPhase = true
			}
			visibles = append(visibles, visible)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", res.FinalText)
	assert.True(t, sawThinkingPhase)
	for _, v := range visibles {
		assert.NotContains(t, v, "secret plan", "thought text never reaches the callback")
	}
	assert.Equal(t, "The answer is 4.", visibles[len(visibles)-1])
}

func TestRunLengthCutGetsOneContinuation(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		if n == 1 {
			return []string{
				`{"choices":[{"delta":{"content":"Part one. "}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"length"}]}`,
			}
		}
		return contentLines("Part two.")
	})

	res, err := env.pipe.Run(context.Background(), env.turn("long"), Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, 2, env.requestCount())
	assert.Equal(t, "Part one. Part two.", res.FinalText)
	// The continuation request replays the truncated text as assistant context.
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, messageRoles(env.body(2)))
}

func TestRunSystemPromptCarriesPersonaAndInstructions(t *testing.T) {
	env := newTurnEnv(t, func(n int, body map[string]interface{}) []string {
		return contentLines("ok")
	})
	require.NoError(t, env.svc.CreatePersona(1, "pirate", "Talk like a pirate."))
	env.svc.SwitchPersona(1, "pirate")
	session := env.svc.EnsureSession(1)

	_, err := env.pipe.Run(context.Background(), Turn{
		UserID: 1, Persona: "pirate", SessionID: session,
		Content: "ahoy", HistoryText: "ahoy",
	}, Callbacks{})
	require.NoError(t, err)

	msgs := env.body(1)["messages"].([]interface{})
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "Talk like a pirate.")
}
