package agent

import (
	"regexp"
	"strings"
)

// Hidden-thought wrappers some models leak into their visible output.
var thoughtBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?is)\[thinking\].*?\[/thinking\]`),
}

var thoughtTagPattern = regexp.MustCompile(`(?i)</?think>|</?thinking>|</?reasoning>|\[/?thinking\]`)

var thoughtOpenTags = []string{"<think>", "<thinking>", "<reasoning>", "[thinking]"}

var thoughtClosers = map[string]string{
	"<think>":    "</think>",
	"<thinking>": "</thinking>",
	"<reasoning>": "</reasoning>",
	"[thinking]":  "[/thinking]",
}

// VisibleText returns what may be shown from a partially streamed buffer.
// Content from an unterminated thought tag onward is suppressed; the caller
// shows a thinking indicator instead when the result is empty.
func VisibleText(buffer string) string {
	out := buffer
	for _, p := range thoughtBlockPatterns {
		out = p.ReplaceAllString(out, "")
	}

	// An opening tag without its closer hides everything after it.
	lower := strings.ToLower(out)
	cut := -1
	for _, open := range thoughtOpenTags {
		idx := strings.Index(lower, open)
		if idx < 0 {
			continue
		}
		if !strings.Contains(lower[idx:], thoughtClosers[open]) {
			if cut < 0 || idx < cut {
				cut = idx
			}
		}
	}
	if cut >= 0 {
		out = out[:cut]
	}
	return out
}

// FilterFinal strips thought blocks from the completed assistant text. If
// stripping whole blocks would leave nothing, only the tags are removed and
// the inner content kept; an assistant reply is never reduced to empty.
func FilterFinal(text string) string {
	stripped := text
	for _, p := range thoughtBlockPatterns {
		stripped = p.ReplaceAllString(stripped, "")
	}
	// Stray tags without a matching pair are dropped too.
	stripped = thoughtTagPattern.ReplaceAllString(stripped, "")
	stripped = strings.TrimSpace(stripped)
	if stripped != "" {
		return stripped
	}
	return strings.TrimSpace(thoughtTagPattern.ReplaceAllString(text, ""))
}
