package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bold", "say **hi** now", "say <b>hi</b> now"},
		{"italic", "say *hi* now", "say <i>hi</i> now"},
		{"strike", "~~gone~~", "<s>gone</s>"},
		{"heading", "# Title\nbody", "<b>Title</b>\nbody"},
		{"link", "see [docs](https://example.com/a)", `see <a href="https://example.com/a">docs</a>`},
		{"inline code", "run `go vet` first", "run <code>go vet</code> first"},
		{"escapes html", "1 < 2 & 3 > 2", "1 &lt; 2 &amp; 3 &gt; 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownToHTML(tt.in))
		})
	}
}

func TestMarkdownToHTMLProtectsCodeSpans(t *testing.T) {
	out := markdownToHTML("use `**not bold**` here")
	assert.Equal(t, "use <code>**not bold**</code> here", out)

	out = markdownToHTML("```go\na := b < c\n```")
	assert.Equal(t, "<pre><code class=\"language-go\">a := b &lt; c</code></pre>", out)

	// Markdown inside a fenced block stays literal.
	out = markdownToHTML("```\n**x** and [y](https://z)\n```")
	assert.Equal(t, "<pre>**x** and [y](https://z)</pre>", out)
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := splitMessage("hello", 100)
	assert.Equal(t, []string{"hello"}, chunks)
}

func TestSplitMessagePrefersParagraphs(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60) + "\n\n" + strings.Repeat("c", 60)
	chunks := splitMessage(text, 130)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60)+"\n\n"+strings.Repeat("b", 60), chunks[0])
	assert.Equal(t, strings.Repeat("c", 60), chunks[1])
}

func TestSplitMessageFallsBackToLines(t *testing.T) {
	// One paragraph that exceeds the limit but has line breaks.
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := splitMessage(text, 80)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60), chunks[0])
	assert.Equal(t, strings.Repeat("b", 60), chunks[1])
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := splitMessage(text, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[1], 100)
	assert.Len(t, chunks[2], 50)
}

func TestSplitMessageEveryChunkWithinLimit(t *testing.T) {
	text := strings.Repeat("word word word\n", 40) + "\n\n" + strings.Repeat("y", 500)
	for _, chunk := range splitMessage(text, 120) {
		assert.LessOrEqual(t, len(chunk), 120)
		assert.NotEmpty(t, chunk)
	}
}
