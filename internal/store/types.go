package store

import "time"

// Preset is a saved API provider shortcut (per user).
type Preset struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model,omitempty"`
}

// Settings is a user's per-account configuration row. TokenLimit 0 means
// unlimited; the limit applies to total tokens across all personas.
type Settings struct {
	UserID         int64
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	TokenLimit     int64
	CurrentPersona string
	EnabledTools   string // comma list; empty = global default
	APIPresets     map[string]Preset
	TitleModel     string
	TTSVoice       string
	TTSStyle       string
	TTSEndpoint    string
	SearchProvider string
}

// Persona is a named system-prompt profile. CurrentSessionID is 0 when the
// persona has no active session yet; negative IDs are cache-local temp IDs
// and must never be written to the database.
type Persona struct {
	UserID           int64
	Name             string
	SystemPrompt     string
	CurrentSessionID int64
}

// Session groups an ordered conversation under a persona.
type Session struct {
	ID          int64
	UserID      int64
	PersonaName string
	Title       string
	CreatedAt   time.Time
}

// Message is one conversation turn. Role is "user" or "assistant".
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// TokenUsage is cumulative token accounting per (user, persona).
// Invariant: TotalTokens = PromptTokens + CompletionTokens.
type TokenUsage struct {
	UserID           int64
	PersonaName      string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Memory is one long-term memory entry. Source is "user" or "ai".
// Embedding is nil when the embedding call failed or the provider is
// disabled; such memories still participate in retrieval, unranked.
type Memory struct {
	ID        int64
	UserID    int64
	Content   string
	Source    string
	Embedding []float32
	CreatedAt time.Time
}

// Snapshot is the full database image used to warm the cache at startup.
type Snapshot struct {
	Settings      map[int64]*Settings
	Personas      map[int64]map[string]*Persona
	Sessions      []*Session
	Conversations map[int64][]Message
	Tokens        map[int64]map[string]*TokenUsage
	Memories      map[int64][]*Memory
}
