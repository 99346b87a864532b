package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name, text string
		cmd, args  string
		ok         bool
	}{
		{"bare command", "/clear", "/clear", "", true},
		{"command with args", "/set model gpt-4o", "/set", "model gpt-4o", true},
		{"mention of this bot", "/clear@MyBot", "/clear", "", true},
		{"mention case-insensitive", "/clear@mybot extra", "/clear", "extra", true},
		{"mention of another bot", "/clear@otherbot", "", "", false},
		{"uppercased command", "/Settings", "/settings", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, ok := splitCommand(tt.text, "MyBot")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.args, args)
		})
	}
}
