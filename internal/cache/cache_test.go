package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/telepersona/internal/store"
)

func newTestCache() *Cache {
	return New(Defaults{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o",
		Temperature:  0.7,
		SystemPrompt: "You are a helpful assistant.",
	})
}

func TestEnsureUserCreatesDefaults(t *testing.T) {
	c := newTestCache()
	st := c.Settings(42)

	assert.Equal(t, int64(42), st.UserID)
	assert.Equal(t, DefaultPersonaName, st.CurrentPersona)

	p, ok := c.Persona(42, DefaultPersonaName)
	require.True(t, ok)
	assert.Equal(t, "You are a helpful assistant.", p.SystemPrompt)

	snap := c.GetAndClearDirty()
	assert.Contains(t, snap.Settings, int64(42))
	assert.Contains(t, snap.Personas, PersonaKey{42, DefaultPersonaName})
}

func TestCreateSessionAssignsDecreasingTempIDs(t *testing.T) {
	c := newTestCache()
	s1 := c.CreateSession(1, "default", "")
	s2 := c.CreateSession(1, "default", "second")

	assert.Equal(t, int64(-1), s1.ID)
	assert.Equal(t, int64(-2), s2.ID)
	assert.Equal(t, "New Chat", s1.Title)

	sessions := c.Sessions(1, "default")
	require.Len(t, sessions, 2)
	assert.Equal(t, s1.ID, sessions[0].ID)
	assert.Equal(t, s2.ID, sessions[1].ID)
}

func TestDeleteTempSessionCancelsInsert(t *testing.T) {
	c := newTestCache()
	s := c.CreateSession(1, "default", "A")
	require.True(t, c.RenameSession(s.ID, "A'"))
	require.True(t, c.DeleteSession(s.ID))

	snap := c.GetAndClearDirty()
	assert.Empty(t, snap.NewSessions)
	assert.Empty(t, snap.SessionTitles)
	assert.Empty(t, snap.DeletedSessions, "a session that never reached the DB has nothing to delete")
}

func TestRemapSessionID(t *testing.T) {
	c := newTestCache()
	c.EnsureUser(1)
	s := c.CreateSession(1, "default", "chat")
	c.SetCurrentSessionID(1, "default", s.ID)
	c.AppendMessage(s.ID, "user", "hi")
	_ = c.GetAndClearDirty()

	// Messages arriving after the dirty swap follow the remap too.
	c.AppendMessage(s.ID, "assistant", "hello")
	c.RemapSessionID(s.ID, 100)

	got, ok := c.Session(100)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.ID)

	_, stale := c.Session(s.ID)
	assert.False(t, stale)

	assert.Equal(t, int64(100), c.CurrentSessionID(1, "default"))
	assert.Len(t, c.Conversation(100), 2)

	snap := c.GetAndClearDirty()
	assert.Contains(t, snap.Conversations, int64(100))
	assert.NotContains(t, snap.Conversations, s.ID)
}

func TestPopLastExchange(t *testing.T) {
	c := newTestCache()
	s := c.CreateSession(1, "default", "")
	c.AppendMessage(s.ID, "user", "q1")
	c.AppendMessage(s.ID, "assistant", "a1")
	c.AppendMessage(s.ID, "user", "q2")
	c.AppendMessage(s.ID, "assistant", "a2a")
	c.AppendMessage(s.ID, "assistant", "a2b")

	require.True(t, c.PopLastExchange(s.ID))

	msgs := c.Conversation(s.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "q1", msgs[0].Content)
	assert.Equal(t, "a1", msgs[1].Content)

	snap := c.GetAndClearDirty()
	assert.Contains(t, snap.ClearedConversations, s.ID,
		"the DB copy must be rewritten, not left with orphaned rows")

	require.True(t, c.PopLastExchange(s.ID))
	assert.Empty(t, c.Conversation(s.ID))
	assert.False(t, c.PopLastExchange(s.ID), "empty conversation has nothing to pop")
}

func TestClearConversationDropsPendingInserts(t *testing.T) {
	c := newTestCache()
	s := c.CreateSession(1, "default", "")
	c.AppendMessage(s.ID, "user", "hi")
	c.ClearConversation(s.ID)

	snap := c.GetAndClearDirty()
	assert.NotContains(t, snap.Conversations, s.ID)
	assert.Contains(t, snap.ClearedConversations, s.ID)
	assert.Empty(t, c.Conversation(s.ID))
}

func TestTokenUsageInvariant(t *testing.T) {
	c := newTestCache()
	c.AddTokenUsage(1, "default", 100, 40)
	c.AddTokenUsage(1, "default", 10, 5)
	c.AddTokenUsage(1, "writer", 50, 50)

	u := c.TokenUsage(1, "default")
	assert.Equal(t, u.TotalTokens, u.PromptTokens+u.CompletionTokens)
	assert.Equal(t, int64(155), u.TotalTokens)
	assert.Equal(t, int64(255), c.TotalTokens(1))
	assert.Zero(t, c.TotalTokens(2))
}

func TestDeletePersonaCascades(t *testing.T) {
	c := newTestCache()
	c.EnsureUser(1)
	c.SetCurrentPersona(1, "writer")
	s := c.CreateSession(1, "writer", "")
	c.AppendMessage(s.ID, "user", "draft")
	c.AddTokenUsage(1, "writer", 10, 10)
	_ = c.GetAndClearDirty()

	require.True(t, c.DeletePersona(1, "writer"))

	assert.Empty(t, c.Sessions(1, "writer"))
	_, ok := c.Persona(1, "writer")
	assert.False(t, ok)
	assert.Equal(t, DefaultPersonaName, c.CurrentPersonaName(1))
	assert.Zero(t, c.TotalTokens(1))

	snap := c.GetAndClearDirty()
	assert.Contains(t, snap.DeletedPersonas, PersonaKey{1, "writer"})
}

func TestMemoryLifecycle(t *testing.T) {
	c := newTestCache()
	m1 := c.AddMemory(1, "likes coffee", "user", []float32{1, 0})
	m2 := c.AddMemory(1, "owns a cat", "ai", nil)
	assert.Negative(t, m1.ID)
	assert.Negative(t, m2.ID)

	// Deleting a never-persisted memory cancels its pending insert.
	require.True(t, c.DeleteMemoryAt(1, 0))
	snap := c.GetAndClearDirty()
	require.Len(t, snap.NewMemories, 1)
	assert.Equal(t, "owns a cat", snap.NewMemories[0].Content)
	assert.Empty(t, snap.DeletedMemoryIDs)

	// Persisted memories record a database delete.
	c.Load(&store.Snapshot{Memories: map[int64][]*store.Memory{
		2: {{ID: 7, UserID: 2, Content: "speaks French"}},
	}})
	require.True(t, c.DeleteMemoryAt(2, 0))
	snap = c.GetAndClearDirty()
	assert.Equal(t, []int64{7}, snap.DeletedMemoryIDs)
}

func TestRestoreDirtyReunions(t *testing.T) {
	c := newTestCache()
	c.EnsureUser(1)
	s := c.CreateSession(1, "default", "")
	c.AppendMessage(s.ID, "user", "hi")

	snap := c.GetAndClearDirty()
	require.False(t, snap.Empty())
	assert.True(t, c.GetAndClearDirty().Empty())

	// New work lands while the failed snapshot is outstanding.
	c.AddTokenUsage(1, "default", 5, 5)
	c.RestoreDirty(snap)

	merged := c.GetAndClearDirty()
	assert.Contains(t, merged.NewSessions, s.ID)
	assert.Contains(t, merged.Conversations, s.ID)
	assert.Contains(t, merged.Tokens, PersonaKey{1, "default"})
}

func TestFailedCycleRetriesNewSession(t *testing.T) {
	c := newTestCache()
	c.EnsureUser(1)
	s := c.CreateSession(1, "default", "chat")
	c.AppendMessage(s.ID, "user", "hi")
	c.RenameSession(s.ID, "renamed")

	snap := c.GetAndClearDirty()

	// The cycle inserts the session and rewrites the snapshot keys to the
	// database id, then a later statement fails and the tx rolls back.
	e := NewEngine(c, nil, time.Minute, slog.Default())
	require.NoError(t, e.remapSnapshot(context.Background(), nil, snap, s.ID, 42))

	unremapSnapshot(snap, []remapEntry{{tempID: s.ID, dbID: 42}})
	c.RestoreDirty(snap)

	_, phantom := c.Session(42)
	assert.False(t, phantom, "the rolled-back database id must not appear in the cache")
	_, alive := c.Session(s.ID)
	assert.True(t, alive, "the cache keeps the session under its temp id until a commit")

	retry := c.GetAndClearDirty()
	assert.Contains(t, retry.NewSessions, s.ID, "the insert is retried next cycle")
	assert.Contains(t, retry.Conversations, s.ID)
	assert.Contains(t, retry.SessionTitles, s.ID)
	assert.NotContains(t, retry.Conversations, int64(42))
}

func TestFailedCycleRetriesNewMemory(t *testing.T) {
	c := newTestCache()
	m := c.AddMemory(1, "likes jazz", "user", nil)

	snap := c.GetAndClearDirty()
	// The insert ran but the tx rolled back. No id was stamped, so the row
	// re-queues instead of being dropped as already persisted.
	c.RestoreDirty(snap)

	retry := c.GetAndClearDirty()
	require.Len(t, retry.NewMemories, 1)
	assert.Equal(t, m.ID, retry.NewMemories[0].ID)
	assert.Negative(t, retry.NewMemories[0].ID)
}
