package cache

import (
	"sort"
	"sync"

	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// PersonaKey identifies a persona row: personas are unique per (user, name).
type PersonaKey struct {
	UserID int64
	Name   string
}

// DefaultPersonaName always exists for every user and cannot be deleted.
const DefaultPersonaName = "default"

// Defaults are the global fallbacks baked into lazily created user rows.
type Defaults struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	SystemPrompt string
}

// Cache is the process-wide authoritative state. All reads and writes during
// operation go through it; the database only sees it through the sync engine.
// Every mutation marks the matching dirty set so the next sync cycle picks it
// up.
type Cache struct {
	mu       sync.RWMutex
	defaults Defaults

	settings      map[int64]*store.Settings
	personas      map[PersonaKey]*store.Persona
	sessions      map[int64]*store.Session
	order         map[PersonaKey][]int64 // session ids in creation order
	conversations map[int64][]store.Message
	tokens        map[PersonaKey]*store.TokenUsage
	memories      map[int64][]*store.Memory

	// Temp IDs are negative and monotonically decreasing. They are assigned
	// to new sessions and memories and replaced with database IDs at sync.
	nextTemp int64

	d dirtySets
}

func New(defaults Defaults) *Cache {
	return &Cache{
		defaults:      defaults,
		settings:      map[int64]*store.Settings{},
		personas:      map[PersonaKey]*store.Persona{},
		sessions:      map[int64]*store.Session{},
		order:         map[PersonaKey][]int64{},
		conversations: map[int64][]store.Message{},
		tokens:        map[PersonaKey]*store.TokenUsage{},
		memories:      map[int64][]*store.Memory{},
		d:             newDirtySets(),
	}
}

// Load replaces the cache contents with a database snapshot. Called once at
// startup, before any user traffic.
func (c *Cache) Load(snap *store.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, st := range snap.Settings {
		c.settings[id] = st
	}
	for _, byName := range snap.Personas {
		for _, p := range byName {
			c.personas[PersonaKey{p.UserID, p.Name}] = p
		}
	}
	for _, sess := range snap.Sessions {
		c.sessions[sess.ID] = sess
		key := PersonaKey{sess.UserID, sess.PersonaName}
		c.order[key] = append(c.order[key], sess.ID)
	}
	for sessionID, msgs := range snap.Conversations {
		c.conversations[sessionID] = msgs
	}
	for _, byName := range snap.Tokens {
		for _, t := range byName {
			c.tokens[PersonaKey{t.UserID, t.PersonaName}] = t
		}
	}
	for userID, mems := range snap.Memories {
		c.memories[userID] = mems
	}
}

// --- settings ---

// ensureUserLocked creates the settings row and default persona on first
// contact. Caller holds the write lock.
func (c *Cache) ensureUserLocked(userID int64) *store.Settings {
	st, ok := c.settings[userID]
	if !ok {
		st = &store.Settings{
			UserID:         userID,
			APIKey:         c.defaults.APIKey,
			BaseURL:        c.defaults.BaseURL,
			Model:          c.defaults.Model,
			Temperature:    c.defaults.Temperature,
			CurrentPersona: DefaultPersonaName,
		}
		c.settings[userID] = st
		c.d.settings[userID] = struct{}{}
	}
	key := PersonaKey{userID, DefaultPersonaName}
	if _, ok := c.personas[key]; !ok {
		c.personas[key] = &store.Persona{
			UserID:       userID,
			Name:         DefaultPersonaName,
			SystemPrompt: c.defaults.SystemPrompt,
		}
		c.d.personas[key] = struct{}{}
	}
	return st
}

// EnsureUser creates the lazily initialised rows for a user.
func (c *Cache) EnsureUser(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureUserLocked(userID)
}

// Counts reports cache population for the health endpoint.
func (c *Cache) Counts() (users, sessions, memories int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, mems := range c.memories {
		memories += len(mems)
	}
	return len(c.settings), len(c.sessions), memories
}

// Settings returns a copy of the user's settings, creating defaults on first
// contact.
func (c *Cache) Settings(userID int64) store.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.ensureUserLocked(userID)
}

// UpdateSettings applies a mutation to the user's settings row and marks it
// dirty.
func (c *Cache) UpdateSettings(userID int64, mutate func(*store.Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.ensureUserLocked(userID)
	mutate(st)
	c.d.settings[userID] = struct{}{}
}

// --- personas ---

// CurrentPersonaName resolves the user's active persona.
func (c *Cache) CurrentPersonaName(userID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureUserLocked(userID).CurrentPersona
}

// SetCurrentPersona switches the active persona, creating it if missing.
func (c *Cache) SetCurrentPersona(userID int64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.ensureUserLocked(userID)
	key := PersonaKey{userID, name}
	if _, ok := c.personas[key]; !ok {
		c.personas[key] = &store.Persona{
			UserID:       userID,
			Name:         name,
			SystemPrompt: c.defaults.SystemPrompt,
		}
		c.d.personas[key] = struct{}{}
	}
	st.CurrentPersona = name
	c.d.settings[userID] = struct{}{}
}

// Persona returns a copy of the named persona.
func (c *Cache) Persona(userID int64, name string) (store.Persona, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.personas[PersonaKey{userID, name}]
	if !ok {
		return store.Persona{}, false
	}
	return *p, true
}

// Personas lists the user's personas, "default" first, the rest by name.
func (c *Cache) Personas(userID int64) []store.Persona {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureUserLocked(userID)
	var out []store.Persona
	for key, p := range c.personas {
		if key.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == DefaultPersonaName {
			return true
		}
		if out[j].Name == DefaultPersonaName {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CreatePersona adds a persona. Returns false if it already exists.
func (c *Cache) CreatePersona(userID int64, name, prompt string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureUserLocked(userID)
	key := PersonaKey{userID, name}
	if _, ok := c.personas[key]; ok {
		return false
	}
	if prompt == "" {
		prompt = c.defaults.SystemPrompt
	}
	c.personas[key] = &store.Persona{UserID: userID, Name: name, SystemPrompt: prompt}
	c.d.personas[key] = struct{}{}
	return true
}

// UpdatePersonaPrompt sets the persona's system prompt.
func (c *Cache) UpdatePersonaPrompt(userID int64, name, prompt string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PersonaKey{userID, name}
	p, ok := c.personas[key]
	if !ok {
		return false
	}
	p.SystemPrompt = prompt
	c.d.personas[key] = struct{}{}
	return true
}

// DeletePersona removes a persona and everything under it: its sessions,
// their conversations, and its token row. The caller guards the "default"
// persona; the cache does not.
func (c *Cache) DeletePersona(userID int64, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PersonaKey{userID, name}
	if _, ok := c.personas[key]; !ok {
		return false
	}

	for _, sessionID := range c.order[key] {
		c.dropSessionLocked(sessionID)
	}
	delete(c.order, key)
	delete(c.tokens, key)
	delete(c.d.tokens, key)
	delete(c.personas, key)
	delete(c.d.personas, key)
	// The DB cascade removes sessions and tokens with the persona row.
	c.d.deletedPersonas[key] = struct{}{}

	if st, ok := c.settings[userID]; ok && st.CurrentPersona == name {
		st.CurrentPersona = DefaultPersonaName
		c.d.settings[userID] = struct{}{}
	}
	return true
}

// CurrentSessionID returns the persona's active session id (0 = none).
func (c *Cache) CurrentSessionID(userID int64, persona string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.personas[PersonaKey{userID, persona}]; ok {
		return p.CurrentSessionID
	}
	return 0
}

// SetCurrentSessionID repoints the persona's active session.
func (c *Cache) SetCurrentSessionID(userID int64, persona string, sessionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PersonaKey{userID, persona}
	p, ok := c.personas[key]
	if !ok {
		return
	}
	p.CurrentSessionID = sessionID
	c.d.personas[key] = struct{}{}
}
