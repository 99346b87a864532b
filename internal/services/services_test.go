package services

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/config"
)

func newTestServices() *Services {
	c := cache.New(cache.Defaults{Model: "gpt-4o-mini", Temperature: 0.7})
	cfg := &config.Config{EnabledTools: []string{"memory", "search", "fetch", "wikipedia", "tts"}}
	return New(c, cfg, map[string]config.Preset{
		"openrouter": {APIKey: "or-key", BaseURL: "https://openrouter.ai/api/v1", Model: "deepseek/deepseek-chat"},
	}, slog.Default())
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "(not set)", MaskKey(""))
	assert.Equal(t, "***", MaskKey("short"))
	assert.Equal(t, "sk-abcde...wxyz", MaskKey("sk-abcdefghijklmnopqrstuvwxyz"))
}

func TestSetToolEnabled(t *testing.T) {
	s := newTestServices()

	require.Error(t, s.SetToolEnabled(1, "shell", true))

	require.NoError(t, s.SetToolEnabled(1, "tts", false))
	assert.Equal(t, []string{"memory", "search", "fetch", "wikipedia"}, s.EnabledTools(1))

	require.NoError(t, s.SetToolEnabled(1, "tts", true))
	assert.Contains(t, s.EnabledTools(1), "tts")

	for _, name := range KnownToolNames {
		require.NoError(t, s.SetToolEnabled(1, name, false))
	}
	assert.Empty(t, s.EnabledTools(1), "all-off must not fall back to the global default")
}

func TestPresetSaveLoadDelete(t *testing.T) {
	s := newTestServices()
	s.SetAPIKey(1, "sk-mine")
	s.SetBaseURL(1, "https://api.openai.com/v1")
	s.SetModel(1, "gpt-4o")
	s.SavePreset(1, "work")

	s.SetAPIKey(1, "sk-other")
	require.NoError(t, s.LoadPreset(1, "WORK"), "preset lookup is case-insensitive")
	st := s.Settings(1)
	assert.Equal(t, "sk-mine", st.APIKey)
	assert.Equal(t, "gpt-4o", st.Model)

	require.NoError(t, s.LoadPreset(1, "openrouter"), "operator file presets load too")
	assert.Equal(t, "or-key", s.Settings(1).APIKey)

	assert.Equal(t, []string{"openrouter", "work"}, s.ListPresets(1))
	require.NoError(t, s.DeletePreset(1, "work"))
	assert.ErrorIs(t, s.DeletePreset(1, "work"), ErrPresetNotFound)
	assert.ErrorIs(t, s.DeletePreset(1, "openrouter"), ErrPresetNotFound,
		"the operator file is read-only")
}

func TestSessionIndexOps(t *testing.T) {
	s := newTestServices()
	first := s.NewSession(1)
	second := s.NewSession(1)
	third := s.NewSession(1)

	_, err := s.SwitchSession(1, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.SwitchSession(1, 4)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := s.SwitchSession(1, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	renamed, err := s.RenameSession(1, 2, "Postgres tuning")
	require.NoError(t, err)
	assert.Equal(t, second.ID, renamed.ID)
	assert.Equal(t, "Postgres tuning", renamed.Title)

	_ = third
}

func TestDeleteCurrentSessionSwitchesToMostRecent(t *testing.T) {
	s := newTestServices()
	s.NewSession(1)
	second := s.NewSession(1)
	third := s.NewSession(1) // current

	_, err := s.DeleteSession(1, 3)
	require.NoError(t, err)

	cur, ok := s.CurrentSession(1)
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)
	assert.NotEqual(t, third.ID, cur.ID)
}

func TestDeleteLastSessionCreatesFresh(t *testing.T) {
	s := newTestServices()
	only := s.NewSession(1)

	_, err := s.DeleteSession(1, 1)
	require.NoError(t, err)

	cur, ok := s.CurrentSession(1)
	require.True(t, ok)
	assert.NotEqual(t, only.ID, cur.ID)
	assert.Equal(t, "New Chat", cur.Title)
}

func TestDeleteNonCurrentSessionKeepsCurrent(t *testing.T) {
	s := newTestServices()
	s.NewSession(1)
	current := s.NewSession(1)

	_, err := s.DeleteSession(1, 1)
	require.NoError(t, err)

	cur, ok := s.CurrentSession(1)
	require.True(t, ok)
	assert.Equal(t, current.ID, cur.ID)
}

func TestDefaultPersonaProtected(t *testing.T) {
	s := newTestServices()
	assert.ErrorIs(t, s.DeletePersona(1, "default"), ErrDefaultPersona)
	assert.ErrorIs(t, s.DeletePersona(1, "ghost"), ErrPersonaNotFound)

	s.SwitchPersona(1, "pirate")
	require.NoError(t, s.DeletePersona(1, "pirate"))
	assert.Equal(t, "default", s.CurrentPersona(1))
}

func TestRemainingTokens(t *testing.T) {
	s := newTestServices()

	_, limited := s.RemainingTokens(1)
	assert.False(t, limited, "zero limit means unlimited")
	assert.False(t, s.QuotaExceeded(1))

	require.NoError(t, s.SetTokenLimit(1, 1000))
	s.AddUsage(1, "default", 300, 200)
	s.SwitchPersona(1, "pirate")
	s.AddUsage(1, "pirate", 100, 100)

	remaining, limited := s.RemainingTokens(1)
	require.True(t, limited)
	assert.Equal(t, int64(300), remaining, "the limit spans all personas")

	s.AddUsage(1, "pirate", 400, 400)
	remaining, _ = s.RemainingTokens(1)
	assert.Equal(t, int64(0), remaining, "remaining never goes negative")
	assert.True(t, s.QuotaExceeded(1))
}

func TestPopLastExchangeForRetry(t *testing.T) {
	s := newTestServices()
	id := s.EnsureSession(1)
	s.AppendMessage(id, "user", "first question")
	s.AppendMessage(id, "assistant", "first answer")
	s.AppendMessage(id, "user", "second question")
	s.AppendMessage(id, "assistant", "draft one")
	s.AppendMessage(id, "assistant", "draft two")

	popped, err := s.PopLastExchange(1)
	require.NoError(t, err)
	assert.Equal(t, "second question", popped)

	msgs := s.Conversation(id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first answer", msgs[1].Content)
}

func TestPopLastExchangeEmpty(t *testing.T) {
	s := newTestServices()
	_, err := s.PopLastExchange(1)
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestParseTitle(t *testing.T) {
	tests := []struct {
		name, raw, want string
	}{
		{"plain json", `{"title": "Go generics"}`, "Go generics"},
		{"fenced", "```json\n{\"title\": \"Trip planning\"}\n```", "Trip planning"},
		{"prose around", `Sure! {"title": "Kafka basics"} hope that helps`, "Kafka basics"},
		{"bare text", "Just a title", "Just a title"},
		{"quoted bare text", `"Weather chat"`, "Weather chat"},
		{"too long", `{"title": "` + strings.Repeat("x", 60) + `"}`, ""},
		{"empty", "", ""},
		{"unparseable json", `{"headline": "nope"`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTitle(tt.raw))
		})
	}
}

func TestExport(t *testing.T) {
	s := newTestServices()

	_, _, err := s.Export(1)
	assert.ErrorIs(t, err, ErrNothingToExport)

	id := s.EnsureSession(1)
	s.AppendMessage(id, "user", "hello")
	s.AppendMessage(id, "assistant", "hi there")

	content, filename, err := s.Export(1)
	require.NoError(t, err)
	assert.Contains(t, content, "# AI Chat Export")
	assert.Contains(t, content, "- Persona: default")
	assert.Contains(t, content, "- Messages: 2")
	assert.Contains(t, content, "**User:**\nhello")
	assert.Contains(t, content, "**Assistant:**\nhi there")
	assert.Regexp(t, `^chat_default_\d{8}_\d{6}\.md$`, filename)
}
