package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/providers"
	"github.com/nextlevelbuilder/telepersona/internal/services"
	"github.com/nextlevelbuilder/telepersona/internal/tools"
)

// Pipeline runs one chat turn: system prompt assembly, the bounded
// streaming/tool loop, thought filtering, and persistence against the pinned
// persona and session.
type Pipeline struct {
	svc      *services.Services
	registry *tools.Registry
	log      *slog.Logger
}

func NewPipeline(svc *services.Services, registry *tools.Registry, log *slog.Logger) *Pipeline {
	return &Pipeline{svc: svc, registry: registry, log: log}
}

// Turn is one user message addressed to a pinned (persona, session) pair.
// The pair is captured before the turn starts; a /persona or /chat switch
// mid-turn does not redirect the writes.
type Turn struct {
	UserID    int64
	Persona   string
	SessionID int64

	Content     string // text sent to the LLM
	HistoryText string // text recorded in the session history
	Images      []providers.ImageContent
}

// Callbacks surface streaming progress to the transport layer. Either may be
// nil.
type Callbacks struct {
	// OnAssistant receives the filtered visible buffer. thinking is true
	// while the model produces only hidden reasoning.
	OnAssistant func(visible string, thinking bool)
	// OnToolRound fires when a tool round starts, with the function names.
	OnToolRound func(names []string)
}

// Result is the completed turn.
type Result struct {
	FinalText string
	Usage     *providers.Usage // last observed usage record
	Rounds    int              // LLM invocations used
}

// Run executes the turn. On success the user and assistant messages are
// appended to the pinned session and token usage is recorded against the
// pinned persona.
func (p *Pipeline) Run(ctx context.Context, turn Turn, cb Callbacks) (*Result, error) {
	ctx, span := otel.Tracer("agent").Start(ctx, "turn", trace.WithAttributes(
		attribute.Int64("user.id", turn.UserID),
		attribute.String("persona", turn.Persona),
	))
	defer span.End()

	client, settings := p.svc.Client(turn.UserID)
	reg := p.registry.ForUser(p.svc.EnabledTools(turn.UserID))

	system := p.systemPrompt(ctx, reg, turn)
	messages := []providers.Message{{Role: "system", Content: system}}
	for _, m := range p.svc.Conversation(turn.SessionID) {
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, providers.Message{
		Role:    "user",
		Content: turn.Content,
		Images:  turn.Images,
	})

	temp := settings.Temperature
	var (
		lastUsage     *providers.Usage
		aggregate     strings.Builder
		toolsDisabled bool
		continued     bool
		toolResults   = map[string]*tools.Result{} // dedup within the turn
		rounds        int
		finalText     string
	)

	for rounds < config.MaxToolRounds+1 {
		rounds++

		// The last permitted invocation never offers tools, so the turn
		// always ends in a plain assistant reply.
		var defs []providers.ToolDefinition
		if rounds <= config.MaxToolRounds && !toolsDisabled {
			defs = reg.Definitions()
		}

		var buffer strings.Builder
		var sawThinking bool
		resp, err := client.ChatStream(ctx, providers.ChatRequest{
			Model:       settings.Model,
			Temperature: &temp,
			Messages:    messages,
			Tools:       defs,
		}, func(chunk providers.StreamChunk) {
			if chunk.Thinking != "" {
				sawThinking = true
			}
			if chunk.Content != "" {
				buffer.WriteString(chunk.Content)
			}
			if cb.OnAssistant == nil || chunk.Done {
				return
			}
			visible := strings.TrimSpace(VisibleText(aggregate.String() + buffer.String()))
			cb.OnAssistant(visible, visible == "" && (sawThinking || buffer.Len() > 0))
		})
		if err != nil {
			return nil, fmt.Errorf("llm call (round %d): %w", rounds, err)
		}

		if resp.Usage != nil {
			lastUsage = resp.Usage
		}
		if resp.ToolsDisabled {
			toolsDisabled = true
		}

		if len(resp.ToolCalls) == 0 {
			// A response cut off by the token limit gets one continuation.
			if resp.FinishReason == "length" && !continued && rounds < config.MaxToolRounds+1 {
				continued = true
				aggregate.WriteString(resp.Content)
				messages = append(messages,
					providers.Message{Role: "assistant", Content: resp.Content},
					providers.Message{Role: "user", Content: "Continue exactly where you left off."},
				)
				continue
			}
			aggregate.WriteString(resp.Content)
			finalText = aggregate.String()
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if cb.OnToolRound != nil {
			names := make([]string, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				names = append(names, tc.Name)
			}
			cb.OnToolRound(names)
		}

		allSilent := true
		for _, tc := range resp.ToolCalls {
			result := p.executeToolCall(ctx, reg, turn.UserID, tc, toolResults)
			if !result.Silent {
				allSilent = false
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}

		// A round of fire-and-forget tools (memory saves) has nothing for the
		// model to react to; the content so far is the reply.
		if allSilent {
			aggregate.WriteString(resp.Content)
			finalText = aggregate.String()
			break
		}
	}

	finalText = FilterFinal(finalText)
	finalText = reg.PostProcess(ctx, turn.UserID, finalText)
	if strings.TrimSpace(finalText) == "" {
		finalText = "..."
	}

	p.svc.AppendMessage(turn.SessionID, "user", turn.HistoryText)
	p.svc.AppendMessage(turn.SessionID, "assistant", finalText)
	if lastUsage != nil {
		p.svc.AddUsage(turn.UserID, turn.Persona,
			int64(lastUsage.PromptTokens), int64(lastUsage.CompletionTokens))
	}

	return &Result{FinalText: finalText, Usage: lastUsage, Rounds: rounds}, nil
}

// systemPrompt concatenates the persona prompt, per-tool context injection,
// and per-tool usage instructions.
func (p *Pipeline) systemPrompt(ctx context.Context, reg *tools.Registry, turn Turn) string {
	prompt := ""
	if persona, ok := p.svc.Persona(turn.UserID, turn.Persona); ok {
		prompt = persona.SystemPrompt
	}
	prompt = reg.EnrichSystemPrompt(ctx, turn.UserID, prompt, turn.Content)
	return prompt + reg.Instructions()
}

// executeToolCall runs one call under the tool deadline. An identical call
// repeated within the turn reuses the earlier result instead of re-running.
func (p *Pipeline) executeToolCall(ctx context.Context, reg *tools.Registry, userID int64, tc providers.ToolCall, cache map[string]*tools.Result) *tools.Result {
	argsJSON, _ := json.Marshal(tc.Arguments)
	key := tc.Name + ":" + string(argsJSON)
	if cached, ok := cache[key]; ok {
		p.log.Debug("duplicate tool call reused", "tool", tc.Name)
		return cached
	}

	toolCtx, cancel := context.WithTimeout(ctx, config.ToolTimeout)
	defer cancel()

	done := make(chan *tools.Result, 1)
	go func() {
		done <- reg.Execute(toolCtx, userID, tc.Name, tc.Arguments)
	}()

	var result *tools.Result
	select {
	case result = <-done:
	case <-toolCtx.Done():
		p.log.Warn("tool call timed out", "tool", tc.Name, "timeout", config.ToolTimeout)
		result = tools.ErrorResult(fmt.Sprintf("Tool %s timed out after %s.", tc.Name, config.ToolTimeout))
	}
	if result.IsError {
		msg := result.ForLLM
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		p.log.Warn("tool error", "tool", tc.Name, "error", msg)
	}
	cache[key] = result
	return result
}
