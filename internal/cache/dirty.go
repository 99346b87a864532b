package cache

import "github.com/nextlevelbuilder/telepersona/internal/store"

// dirtySets tracks everything modified since the last successful sync. The
// kinds are disjoint: an entity appears in the set matching the change that
// happened to it.
type dirtySets struct {
	settings             map[int64]struct{}
	personas             map[PersonaKey]struct{}
	deletedPersonas      map[PersonaKey]struct{}
	newSessions          map[int64]struct{}
	sessionTitles        map[int64]string
	deletedSessions      map[int64]struct{}
	conversations        map[int64]struct{}
	clearedConversations map[int64]struct{}
	tokens               map[PersonaKey]struct{}
	newMemories          []*store.Memory
	deletedMemoryIDs     []int64
	clearedMemories      map[int64]struct{}
}

func newDirtySets() dirtySets {
	return dirtySets{
		settings:             map[int64]struct{}{},
		personas:             map[PersonaKey]struct{}{},
		deletedPersonas:      map[PersonaKey]struct{}{},
		newSessions:          map[int64]struct{}{},
		sessionTitles:        map[int64]string{},
		deletedSessions:      map[int64]struct{}{},
		conversations:        map[int64]struct{}{},
		clearedConversations: map[int64]struct{}{},
		tokens:               map[PersonaKey]struct{}{},
		clearedMemories:      map[int64]struct{}{},
	}
}

// DirtySnapshot is what one sync cycle works from. Row data is captured by
// value at swap time, except memories, whose pointers are kept so database
// IDs can be written back after insert.
type DirtySnapshot struct {
	Settings             map[int64]store.Settings
	Personas             map[PersonaKey]store.Persona
	DeletedPersonas      map[PersonaKey]struct{}
	NewSessions          map[int64]store.Session
	SessionTitles        map[int64]string
	DeletedSessions      map[int64]struct{}
	Conversations        map[int64]struct{}
	ClearedConversations map[int64]struct{}
	Tokens               map[PersonaKey]store.TokenUsage
	NewMemories          []*store.Memory
	DeletedMemoryIDs     []int64
	ClearedMemories      map[int64]struct{}
}

// Empty reports whether the snapshot carries no work.
func (s *DirtySnapshot) Empty() bool {
	return len(s.Settings) == 0 && len(s.Personas) == 0 &&
		len(s.DeletedPersonas) == 0 && len(s.NewSessions) == 0 &&
		len(s.SessionTitles) == 0 && len(s.DeletedSessions) == 0 &&
		len(s.Conversations) == 0 && len(s.ClearedConversations) == 0 &&
		len(s.Tokens) == 0 && len(s.NewMemories) == 0 &&
		len(s.DeletedMemoryIDs) == 0 && len(s.ClearedMemories) == 0
}

// GetAndClearDirty atomically swaps the dirty sets for empty ones and
// returns a snapshot of the outgoing state. Mutations arriving after the
// swap accumulate for the next cycle.
func (c *Cache) GetAndClearDirty() *DirtySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &DirtySnapshot{
		Settings:             make(map[int64]store.Settings, len(c.d.settings)),
		Personas:             make(map[PersonaKey]store.Persona, len(c.d.personas)),
		DeletedPersonas:      c.d.deletedPersonas,
		NewSessions:          make(map[int64]store.Session, len(c.d.newSessions)),
		SessionTitles:        c.d.sessionTitles,
		DeletedSessions:      c.d.deletedSessions,
		Conversations:        c.d.conversations,
		ClearedConversations: c.d.clearedConversations,
		Tokens:               make(map[PersonaKey]store.TokenUsage, len(c.d.tokens)),
		NewMemories:          c.d.newMemories,
		DeletedMemoryIDs:     c.d.deletedMemoryIDs,
		ClearedMemories:      c.d.clearedMemories,
	}
	for userID := range c.d.settings {
		if st, ok := c.settings[userID]; ok {
			snap.Settings[userID] = *st
		}
	}
	for key := range c.d.personas {
		if p, ok := c.personas[key]; ok {
			snap.Personas[key] = *p
		}
	}
	for id := range c.d.newSessions {
		if s, ok := c.sessions[id]; ok {
			snap.NewSessions[id] = *s
		}
	}
	for key := range c.d.tokens {
		if t, ok := c.tokens[key]; ok {
			snap.Tokens[key] = *t
		}
	}

	c.d = newDirtySets()
	return snap
}

// RestoreDirty re-unions a failed cycle's snapshot with whatever accumulated
// since the swap, so the next cycle retries the work.
func (c *Cache) RestoreDirty(snap *DirtySnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID := range snap.Settings {
		c.d.settings[userID] = struct{}{}
	}
	for key := range snap.Personas {
		if _, ok := c.personas[key]; ok {
			c.d.personas[key] = struct{}{}
		}
	}
	for key := range snap.DeletedPersonas {
		c.d.deletedPersonas[key] = struct{}{}
	}
	for id := range snap.NewSessions {
		if _, ok := c.sessions[id]; ok {
			c.d.newSessions[id] = struct{}{}
		}
	}
	for id, title := range snap.SessionTitles {
		if _, exists := c.d.sessionTitles[id]; !exists {
			c.d.sessionTitles[id] = title
		}
	}
	for id := range snap.DeletedSessions {
		c.d.deletedSessions[id] = struct{}{}
	}
	for id := range snap.Conversations {
		if _, ok := c.conversations[id]; ok {
			c.d.conversations[id] = struct{}{}
		}
	}
	for id := range snap.ClearedConversations {
		c.d.clearedConversations[id] = struct{}{}
	}
	for key := range snap.Tokens {
		if _, ok := c.tokens[key]; ok {
			c.d.tokens[key] = struct{}{}
		}
	}
	for _, m := range snap.NewMemories {
		if m.ID < 0 { // not yet inserted
			c.d.newMemories = append(c.d.newMemories, m)
		}
	}
	c.d.deletedMemoryIDs = append(c.d.deletedMemoryIDs, snap.DeletedMemoryIDs...)
	for userID := range snap.ClearedMemories {
		c.d.clearedMemories[userID] = struct{}{}
	}
}

// RemapSessionID replaces a temp session ID with its database ID everywhere
// the cache references it: the session row, the creation-order list, the
// conversation key, the owning persona's current_session_id, and any live
// dirty sets. Must run before any dependent write of the same cycle.
func (c *Cache) RemapSessionID(tempID, dbID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[tempID]
	if !ok {
		return
	}
	s.ID = dbID
	delete(c.sessions, tempID)
	c.sessions[dbID] = s

	key := PersonaKey{s.UserID, s.PersonaName}
	for i, id := range c.order[key] {
		if id == tempID {
			c.order[key][i] = dbID
			break
		}
	}

	if msgs, ok := c.conversations[tempID]; ok {
		delete(c.conversations, tempID)
		c.conversations[dbID] = msgs
	}

	if p, ok := c.personas[key]; ok && p.CurrentSessionID == tempID {
		p.CurrentSessionID = dbID
		c.d.personas[key] = struct{}{}
	}

	// Dirty entries that accrued after the swap follow the new id.
	if _, ok := c.d.conversations[tempID]; ok {
		delete(c.d.conversations, tempID)
		c.d.conversations[dbID] = struct{}{}
	}
	if _, ok := c.d.clearedConversations[tempID]; ok {
		delete(c.d.clearedConversations, tempID)
		c.d.clearedConversations[dbID] = struct{}{}
	}
	if title, ok := c.d.sessionTitles[tempID]; ok {
		delete(c.d.sessionTitles, tempID)
		c.d.sessionTitles[dbID] = title
	}
}
