package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisibleText(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain text", "Hello there", "Hello there"},
		{"complete block removed", "<think>plan the answer</think>Hello", "Hello"},
		{"unterminated tag suppresses onward", "Sure.<thinking>still going", "Sure."},
		{"unterminated at start hides all", "<think>hmm", ""},
		{"bracket form", "[thinking]let me see[/thinking]Done", "Done"},
		{"unterminated bracket form", "Okay[thinking]not yet", "Okay"},
		{"case insensitive", "<THINK>hidden</THINK>Visible", "Visible"},
		{"multiline block", "<reasoning>line one\nline two</reasoning>Answer", "Answer"},
		{"two blocks", "<think>a</think>Mid<think>b</think>End", "MidEnd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VisibleText(tt.in))
		})
	}
}

func TestFilterFinal(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "Answer.", "Answer."},
		{"block stripped", "<think>working</think>\nAnswer.", "Answer."},
		{"whitespace trimmed", "  Answer.  ", "Answer."},
		{
			// The whole reply is inside a thought block: keep the content,
			// drop only the tags, so the user never gets an empty reply.
			"all-thought reply keeps content",
			"<think>The answer is 42.</think>",
			"The answer is 42.",
		},
		{
			"unterminated tag only strips the tag",
			"<thinking>It depends on the context.",
			"It depends on the context.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterFinal(tt.in))
		})
	}
}
