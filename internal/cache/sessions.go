package cache

import (
	"time"

	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// --- sessions ---

// CreateSession adds a session with a temp ID and returns a copy of it. The
// caller decides whether to make it current.
func (c *Cache) CreateSession(userID int64, persona, title string) store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if title == "" {
		title = "New Chat"
	}
	c.nextTemp--
	sess := &store.Session{
		ID:          c.nextTemp,
		UserID:      userID,
		PersonaName: persona,
		Title:       title,
		CreatedAt:   time.Now().UTC(),
	}
	key := PersonaKey{userID, persona}
	c.sessions[sess.ID] = sess
	c.order[key] = append(c.order[key], sess.ID)
	c.conversations[sess.ID] = nil
	c.d.newSessions[sess.ID] = struct{}{}
	return *sess
}

// Session returns a copy of the session row.
func (c *Cache) Session(sessionID int64) (store.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return store.Session{}, false
	}
	return *s, true
}

// Sessions lists the persona's sessions in creation order.
func (c *Cache) Sessions(userID int64, persona string) []store.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.order[PersonaKey{userID, persona}]
	out := make([]store.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.sessions[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// RenameSession updates the title and marks it for persistence.
func (c *Cache) RenameSession(sessionID int64, title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	s.Title = title
	c.d.sessionTitles[sessionID] = title
	return true
}

// DeleteSession removes a session and its conversation. Deleting a session
// that only exists in the cache cancels the pending insert instead of
// recording a database delete.
func (c *Cache) DeleteSession(sessionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	key := PersonaKey{s.UserID, s.PersonaName}
	ids := c.order[key]
	for i, id := range ids {
		if id == sessionID {
			c.order[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	c.dropSessionLocked(sessionID)
	return true
}

// dropSessionLocked removes all session state and dirty entries. Caller
// holds the write lock and maintains the order list.
func (c *Cache) dropSessionLocked(sessionID int64) {
	delete(c.sessions, sessionID)
	delete(c.conversations, sessionID)
	delete(c.d.conversations, sessionID)
	delete(c.d.clearedConversations, sessionID)
	delete(c.d.sessionTitles, sessionID)
	if sessionID < 0 {
		delete(c.d.newSessions, sessionID)
	} else {
		c.d.deletedSessions[sessionID] = struct{}{}
	}
}

// --- conversations ---

// Conversation returns a copy of the session's message list.
func (c *Cache) Conversation(sessionID int64) []store.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.conversations[sessionID]
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out
}

// MessageCount returns the number of messages in a session.
func (c *Cache) MessageCount(sessionID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conversations[sessionID])
}

// AppendMessage adds a message to the session's conversation.
func (c *Cache) AppendMessage(sessionID int64, role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		return
	}
	c.conversations[sessionID] = append(c.conversations[sessionID], store.Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	c.d.conversations[sessionID] = struct{}{}
}

// ClearConversation empties the session's history. Pending row inserts for
// the session are dropped; the sync cycle rewrites it from scratch.
func (c *Cache) ClearConversation(sessionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations[sessionID] = nil
	c.d.clearedConversations[sessionID] = struct{}{}
	delete(c.d.conversations, sessionID)
}

// PopLastExchange removes trailing assistant messages and the user message
// before them. The session is marked cleared so the database copy is
// rewritten rather than left with orphaned rows.
func (c *Cache) PopLastExchange(sessionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.conversations[sessionID]
	if len(msgs) == 0 {
		return false
	}
	for len(msgs) > 0 && msgs[len(msgs)-1].Role == "assistant" {
		msgs = msgs[:len(msgs)-1]
	}
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == "user" {
		msgs = msgs[:len(msgs)-1]
	}
	c.conversations[sessionID] = msgs
	c.d.clearedConversations[sessionID] = struct{}{}
	if len(msgs) > 0 {
		c.d.conversations[sessionID] = struct{}{}
	} else {
		delete(c.d.conversations, sessionID)
	}
	return true
}

// --- tokens ---

// TokenUsage returns a copy of the persona's counters.
func (c *Cache) TokenUsage(userID int64, persona string) store.TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.tokens[PersonaKey{userID, persona}]; ok {
		return *t
	}
	return store.TokenUsage{UserID: userID, PersonaName: persona}
}

// AddTokenUsage accumulates a turn's usage onto the persona's counters.
func (c *Cache) AddTokenUsage(userID int64, persona string, prompt, completion int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PersonaKey{userID, persona}
	t, ok := c.tokens[key]
	if !ok {
		t = &store.TokenUsage{UserID: userID, PersonaName: persona}
		c.tokens[key] = t
	}
	t.PromptTokens += prompt
	t.CompletionTokens += completion
	t.TotalTokens += prompt + completion
	c.d.tokens[key] = struct{}{}
}

// TotalTokens sums usage across all of the user's personas; the token limit
// applies to this sum.
func (c *Cache) TotalTokens(userID int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for key, t := range c.tokens {
		if key.UserID == userID {
			total += t.TotalTokens
		}
	}
	return total
}

// --- memories ---

// Memories returns copies of the user's memories in insertion order.
func (c *Cache) Memories(userID int64) []store.Memory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mems := c.memories[userID]
	out := make([]store.Memory, 0, len(mems))
	for _, m := range mems {
		out = append(out, *m)
	}
	return out
}

// AddMemory stores a memory with a temp ID; the sync cycle assigns the
// database ID.
func (c *Cache) AddMemory(userID int64, content, source string, embedding []float32) store.Memory {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTemp--
	m := &store.Memory{
		ID:        c.nextTemp,
		UserID:    userID,
		Content:   content,
		Source:    source,
		Embedding: embedding,
		CreatedAt: time.Now().UTC(),
	}
	c.memories[userID] = append(c.memories[userID], m)
	c.d.newMemories = append(c.d.newMemories, m)
	return *m
}

// DeleteMemoryAt removes the user's memory at a 0-based index. Deleting a
// memory that was never persisted cancels its pending insert.
func (c *Cache) DeleteMemoryAt(userID int64, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mems := c.memories[userID]
	if index < 0 || index >= len(mems) {
		return false
	}
	removed := mems[index]
	c.memories[userID] = append(mems[:index], mems[index+1:]...)
	if removed.ID > 0 {
		c.d.deletedMemoryIDs = append(c.d.deletedMemoryIDs, removed.ID)
	} else {
		for i, m := range c.d.newMemories {
			if m == removed {
				c.d.newMemories = append(c.d.newMemories[:i], c.d.newMemories[i+1:]...)
				break
			}
		}
	}
	return true
}

// ClearMemories removes every memory of the user.
func (c *Cache) ClearMemories(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memories[userID] = nil
	c.d.clearedMemories[userID] = struct{}{}
	kept := c.d.newMemories[:0]
	for _, m := range c.d.newMemories {
		if m.UserID != userID {
			kept = append(kept, m)
		}
	}
	c.d.newMemories = kept
}

// setMemoryID is called by the sync engine after a successful insert.
func (c *Cache) setMemoryID(m *store.Memory, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.ID = id
}
