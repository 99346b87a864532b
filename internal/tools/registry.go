package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

// Tool is one pluggable capability. A tool may expose several function
// definitions; Execute receives the function name that was called.
type Tool interface {
	Name() string
	Definitions() []providers.ToolDefinition
	Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result

	// Instruction is appended to the system prompt when the tool is enabled.
	// Empty means no extra guidance.
	Instruction() string
}

// Enricher lets a tool inject context into the system prompt before the LLM
// call (the memory tool injects relevant memories here).
type Enricher interface {
	EnrichSystemPrompt(ctx context.Context, userID int64, prompt, query string) string
}

// PostProcessor lets a tool rewrite the assistant's final text (the memory
// tool strips and saves fallback-tagged memories here).
type PostProcessor interface {
	PostProcess(ctx context.Context, userID int64, text string) string
}

// Registry holds the registered tools and dispatches calls by function name.
type Registry struct {
	tools []Tool
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger, tools ...Tool) *Registry {
	return &Registry{tools: tools, log: log}
}

// ForUser returns a registry view containing only the named tools, in
// registration order.
func (r *Registry) ForUser(enabled []string) *Registry {
	set := map[string]bool{}
	for _, name := range enabled {
		set[strings.TrimSpace(name)] = true
	}
	var kept []Tool
	for _, t := range r.tools {
		if set[t.Name()] {
			kept = append(kept, t)
		}
	}
	return &Registry{tools: kept, log: r.log}
}

// Definitions merges the function schemas of every registered tool.
func (r *Registry) Definitions() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches one tool call. A function name no tool claims yields an
// error result so the LLM can correct itself on the next round.
func (r *Registry) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result {
	for _, t := range r.tools {
		for _, def := range t.Definitions() {
			if def.Function.Name == name {
				res := t.Execute(ctx, userID, name, args)
				if res == nil {
					res = SilentResult()
				}
				return res
			}
		}
	}
	r.log.Warn("no tool registered for function", "function", name)
	return ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
}

// Instructions concatenates the usage hints of every registered tool.
func (r *Registry) Instructions() string {
	var b strings.Builder
	for _, t := range r.tools {
		b.WriteString(t.Instruction())
	}
	return b.String()
}

// EnrichSystemPrompt lets every tool add context, in registration order.
func (r *Registry) EnrichSystemPrompt(ctx context.Context, userID int64, prompt, query string) string {
	for _, t := range r.tools {
		if e, ok := t.(Enricher); ok {
			prompt = e.EnrichSystemPrompt(ctx, userID, prompt, query)
		}
	}
	return prompt
}

// PostProcess lets every tool rewrite the final text, in registration order.
func (r *Registry) PostProcess(ctx context.Context, userID int64, text string) string {
	for _, t := range r.tools {
		if p, ok := t.(PostProcessor); ok {
			text = p.PostProcess(ctx, userID, text)
		}
	}
	return text
}
