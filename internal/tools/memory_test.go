package tools

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/memory"
)

func newMemoryTool() (*MemoryTool, *cache.Cache) {
	c := cache.New(cache.Defaults{})
	svc := memory.NewService(c, nil, 0.85, 0.35, 10, slog.Default())
	return NewMemoryTool(svc, slog.Default()), c
}

func TestMemoryToolExecuteIsSilent(t *testing.T) {
	tool, c := newMemoryTool()
	res := tool.Execute(context.Background(), 1, "save_memory",
		map[string]interface{}{"content": "prefers dark roast"})
	require.True(t, res.Silent)

	mems := c.Memories(1)
	require.Len(t, mems, 1)
	assert.Equal(t, "prefers dark roast", mems[0].Content)
	assert.Equal(t, "ai", mems[0].Source)
}

func TestMemoryToolPostProcessExtractsTags(t *testing.T) {
	tool, c := newMemoryTool()
	text := "Noted! [MEMORY: lives in Berlin] I'll keep that in mind.\n" +
		"好的[记忆: 喜欢喝茶]没问题。\n" +
		"<memory>works night shifts</memory> Anything else?"

	cleaned := tool.PostProcess(context.Background(), 1, text)

	assert.NotContains(t, cleaned, "MEMORY")
	assert.NotContains(t, cleaned, "记忆")
	assert.NotContains(t, cleaned, "<memory>")
	assert.Contains(t, cleaned, "Noted!")
	assert.Contains(t, cleaned, "Anything else?")

	mems := c.Memories(1)
	require.Len(t, mems, 3)
	contents := []string{mems[0].Content, mems[1].Content, mems[2].Content}
	assert.Contains(t, contents, "lives in Berlin")
	assert.Contains(t, contents, "喜欢喝茶")
	assert.Contains(t, contents, "works night shifts")
}

func TestMemoryToolPostProcessPlainText(t *testing.T) {
	tool, c := newMemoryTool()
	out := tool.PostProcess(context.Background(), 1, "Nothing to remember here.")
	assert.Equal(t, "Nothing to remember here.", out)
	assert.Empty(t, c.Memories(1))
}

func TestMemoryToolEnrichSystemPrompt(t *testing.T) {
	tool, c := newMemoryTool()
	assert.Equal(t, "base", tool.EnrichSystemPrompt(context.Background(), 1, "base", ""))

	c.AddMemory(1, "vegetarian", "user", nil)
	enriched := tool.EnrichSystemPrompt(context.Background(), 1, "base", "")
	assert.Contains(t, enriched, "base\n\n")
	assert.Contains(t, enriched, "vegetarian")
}
