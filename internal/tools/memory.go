package tools

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/telepersona/internal/memory"
	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

// memoryPatterns are the fallback tags extracted from assistant text when
// the model cannot (or will not) use the save_memory function.
var memoryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[MEMORY:\s*(.+?)\]`),
	regexp.MustCompile(`\[记忆:\s*(.+?)\]`),
	regexp.MustCompile(`(?is)<memory>\s*(.+?)\s*</memory>`),
}

// MemoryTool exposes save_memory, injects relevant memories into the system
// prompt, and extracts fallback-tagged memories from responses.
type MemoryTool struct {
	service *memory.Service
	log     *slog.Logger
}

func NewMemoryTool(service *memory.Service, log *slog.Logger) *MemoryTool {
	return &MemoryTool{service: service, log: log.With("tool", "memory")}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name: "save_memory",
			Description: "Save important information about the user that should be remembered " +
				"across conversations. Use this for user preferences, facts, context, " +
				"or anything worth remembering long-term.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"content": map[string]interface{}{
						"type":        "string",
						"description": "The information to remember, written as a brief factual statement",
					},
				},
				"required": []string{"content"},
			},
		},
	}}
}

func (t *MemoryTool) Instruction() string {
	return "\n\nYou can save important information about the user using the save_memory tool. " +
		"Use it for preferences, facts, or context worth remembering long-term. " +
		"If the tool is not available, you can use [MEMORY: description] format instead."
}

// Execute saves the memory and stays silent; the save is not worth a visible
// tool-result round trip.
func (t *MemoryTool) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content = strings.TrimSpace(content); content != "" {
		t.service.Add(ctx, userID, content, "ai")
		t.log.Info("saved memory via tool call", "user_id", userID, "chars", len(content))
	}
	return SilentResult()
}

// EnrichSystemPrompt appends the memories relevant to the current user input.
func (t *MemoryTool) EnrichSystemPrompt(ctx context.Context, userID int64, prompt, query string) string {
	block := t.service.FormatForPrompt(ctx, userID, query)
	if block == "" {
		return prompt
	}
	return prompt + "\n\n" + block
}

// PostProcess strips fallback memory tags from the final text and saves
// their contents.
func (t *MemoryTool) PostProcess(ctx context.Context, userID int64, text string) string {
	cleaned := text
	var found []string
	for _, pattern := range memoryPatterns {
		for _, m := range pattern.FindAllStringSubmatch(cleaned, -1) {
			found = append(found, m[1])
		}
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	for _, content := range found {
		if content = strings.TrimSpace(content); content != "" {
			t.service.Add(ctx, userID, content, "ai")
			t.log.Info("saved memory via fallback tag", "user_id", userID, "chars", len(content))
		}
	}
	return strings.TrimSpace(cleaned)
}
