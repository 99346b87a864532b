package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Telegram's sendMessage HTML mode accepts only a small tag set. The
// conversion protects code spans first so markdown markers inside code are
// left alone.

var (
	reCodeBlock  = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n?(.*?)```")
	reInlineCode = regexp.MustCompile("`([^`\n]+)`")
	reBold       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	reItalic     = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+)\*`)
	reUnderline  = regexp.MustCompile(`__([^_\n]+)__`)
	reStrike     = regexp.MustCompile(`~~([^~\n]+)~~`)
	reLink       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	reHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// markdownToHTML converts the model's markdown-ish output into Telegram HTML.
func markdownToHTML(text string) string {
	var blocks []string
	placeholder := func(s string) string {
		blocks = append(blocks, s)
		return fmt.Sprintf("\x00CODE%d\x00", len(blocks)-1)
	}

	out := reCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		sub := reCodeBlock.FindStringSubmatch(m)
		lang, body := sub[1], strings.TrimRight(sub[2], "\n")
		escaped := html.EscapeString(body)
		if lang != "" {
			return placeholder(fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, lang, escaped))
		}
		return placeholder("<pre>" + escaped + "</pre>")
	})
	out = reInlineCode.ReplaceAllStringFunc(out, func(m string) string {
		sub := reInlineCode.FindStringSubmatch(m)
		return placeholder("<code>" + html.EscapeString(sub[1]) + "</code>")
	})

	out = html.EscapeString(out)

	out = reHeading.ReplaceAllString(out, "<b>$1</b>")
	out = reBold.ReplaceAllString(out, "<b>$1</b>")
	out = reUnderline.ReplaceAllString(out, "<u>$1</u>")
	out = reItalic.ReplaceAllString(out, "$1<i>$2</i>")
	out = reStrike.ReplaceAllString(out, "<s>$1</s>")
	out = reLink.ReplaceAllString(out, `<a href="$2">$1</a>`)

	for i, block := range blocks {
		out = strings.Replace(out, fmt.Sprintf("\x00CODE%d\x00", i), block, 1)
	}
	return out
}

// splitMessage breaks text into chunks of at most max characters, preferring
// paragraph boundaries, then line boundaries, then hard cuts.
func splitMessage(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	appendPiece := func(piece, sep string) {
		if current.Len() > 0 && current.Len()+len(sep)+len(piece) > max {
			flush()
		}
		if len(piece) > max {
			flush()
			for len(piece) > max {
				chunks = append(chunks, piece[:max])
				piece = piece[max:]
			}
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}

	for _, para := range strings.Split(text, "\n\n") {
		if len(para) <= max {
			appendPiece(para, "\n\n")
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			appendPiece(line, "\n")
		}
	}
	flush()
	return chunks
}
