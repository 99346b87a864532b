package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the Postgres persistence layer. During normal operation it is
// only touched by the startup load and the periodic sync engine; all hot
// reads and writes go through the cache.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// DB exposes the underlying handle for transaction control by the sync
// engine.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies all pending schema migrations. Safe to run on every start.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	s.log.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// LoadAll reads the complete database image for cache warm-up.
func (s *Store) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Settings:      map[int64]*Settings{},
		Personas:      map[int64]map[string]*Persona{},
		Conversations: map[int64][]Message{},
		Tokens:        map[int64]map[string]*TokenUsage{},
		Memories:      map[int64][]*Memory{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, api_key, base_url, model, temperature, token_limit,
		       current_persona, enabled_tools, api_presets, title_model,
		       tts_voice, tts_style, tts_endpoint, search_provider
		FROM user_settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	for rows.Next() {
		st := &Settings{}
		var presets []byte
		if err := rows.Scan(&st.UserID, &st.APIKey, &st.BaseURL, &st.Model,
			&st.Temperature, &st.TokenLimit, &st.CurrentPersona, &st.EnabledTools,
			&presets, &st.TitleModel, &st.TTSVoice, &st.TTSStyle, &st.TTSEndpoint,
			&st.SearchProvider); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		if len(presets) > 0 {
			if err := json.Unmarshal(presets, &st.APIPresets); err != nil {
				st.APIPresets = nil
			}
		}
		snap.Settings[st.UserID] = st
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT user_id, name, system_prompt, COALESCE(current_session_id, 0)
		FROM personas`)
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	for rows.Next() {
		p := &Persona{}
		if err := rows.Scan(&p.UserID, &p.Name, &p.SystemPrompt, &p.CurrentSessionID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		if snap.Personas[p.UserID] == nil {
			snap.Personas[p.UserID] = map[string]*Persona{}
		}
		snap.Personas[p.UserID][p.Name] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, user_id, persona_name, title, created_at
		FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.PersonaName, &sess.Title, &sess.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		snap.Sessions = append(snap.Sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at
		FROM conversations ORDER BY session_id, id`)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	for rows.Next() {
		var sessionID int64
		var msg Message
		if err := rows.Scan(&sessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		snap.Conversations[sessionID] = append(snap.Conversations[sessionID], msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT user_id, persona_name, prompt_tokens, completion_tokens, total_tokens
		FROM persona_tokens`)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	for rows.Next() {
		t := &TokenUsage{}
		if err := rows.Scan(&t.UserID, &t.PersonaName, &t.PromptTokens,
			&t.CompletionTokens, &t.TotalTokens); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tokens: %w", err)
		}
		if snap.Tokens[t.UserID] == nil {
			snap.Tokens[t.UserID] = map[string]*TokenUsage{}
		}
		snap.Tokens[t.UserID][t.PersonaName] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, user_id, content, source, embedding, created_at
		FROM memories ORDER BY user_id, id`)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	for rows.Next() {
		m := &Memory{}
		var raw []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Source, &raw, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Embedding); err != nil {
				// Corrupt embedding is not fatal; keep the memory unranked.
				m.Embedding = nil
			}
		}
		snap.Memories[m.UserID] = append(snap.Memories[m.UserID], m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	return snap, nil
}
