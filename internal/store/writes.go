package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Transaction-scoped writers used by the sync engine. Every method takes the
// sync cycle's transaction so a failure rolls the whole cycle back.

func (s *Store) UpsertSettings(ctx context.Context, tx *sql.Tx, st *Settings) error {
	var presets any
	if len(st.APIPresets) > 0 {
		b, err := json.Marshal(st.APIPresets)
		if err != nil {
			return fmt.Errorf("encode api presets: %w", err)
		}
		presets = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, api_key, base_url, model, temperature,
			token_limit, current_persona, enabled_tools, api_presets, title_model,
			tts_voice, tts_style, tts_endpoint, search_provider, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		ON CONFLICT (user_id) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			base_url = EXCLUDED.base_url,
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			token_limit = EXCLUDED.token_limit,
			current_persona = EXCLUDED.current_persona,
			enabled_tools = EXCLUDED.enabled_tools,
			api_presets = EXCLUDED.api_presets,
			title_model = EXCLUDED.title_model,
			tts_voice = EXCLUDED.tts_voice,
			tts_style = EXCLUDED.tts_style,
			tts_endpoint = EXCLUDED.tts_endpoint,
			search_provider = EXCLUDED.search_provider,
			updated_at = now()`,
		st.UserID, st.APIKey, st.BaseURL, st.Model, st.Temperature,
		st.TokenLimit, st.CurrentPersona, st.EnabledTools, presets,
		st.TitleModel, st.TTSVoice, st.TTSStyle, st.TTSEndpoint, st.SearchProvider)
	if err != nil {
		return fmt.Errorf("upsert settings for user %d: %w", st.UserID, err)
	}
	return nil
}

func (s *Store) UpsertPersona(ctx context.Context, tx *sql.Tx, p *Persona) error {
	var sessionID any
	if p.CurrentSessionID > 0 {
		sessionID = p.CurrentSessionID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO personas (user_id, name, system_prompt, current_session_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, name) DO UPDATE SET
			system_prompt = EXCLUDED.system_prompt,
			current_session_id = EXCLUDED.current_session_id`,
		p.UserID, p.Name, p.SystemPrompt, sessionID)
	if err != nil {
		return fmt.Errorf("upsert persona %d/%s: %w", p.UserID, p.Name, err)
	}
	return nil
}

// DeletePersona removes a persona and everything under it.
func (s *Store) DeletePersona(ctx context.Context, tx *sql.Tx, userID int64, name string) error {
	// conversations go via the sessions FK cascade
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND persona_name = $2`, userID, name); err != nil {
		return fmt.Errorf("delete sessions of persona %d/%s: %w", userID, name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM persona_tokens WHERE user_id = $1 AND persona_name = $2`, userID, name); err != nil {
		return fmt.Errorf("delete tokens of persona %d/%s: %w", userID, name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM personas WHERE user_id = $1 AND name = $2`, userID, name); err != nil {
		return fmt.Errorf("delete persona %d/%s: %w", userID, name, err)
	}
	return nil
}

// InsertSession creates the row and returns the database-assigned ID.
func (s *Store) InsertSession(ctx context.Context, tx *sql.Tx, sess *Session) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, persona_name, title, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		sess.UserID, sess.PersonaName, sess.Title, sess.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert session for %d/%s: %w", sess.UserID, sess.PersonaName, err)
	}
	return id, nil
}

func (s *Store) UpdateSessionTitle(ctx context.Context, tx *sql.Tx, sessionID int64, title string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET title = $2 WHERE id = $1`, sessionID, title); err != nil {
		return fmt.Errorf("update title of session %d: %w", sessionID, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %d: %w", sessionID, err)
	}
	return nil
}

func (s *Store) CountConversations(ctx context.Context, tx *sql.Tx, sessionID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations of session %d: %w", sessionID, err)
	}
	return n, nil
}

func (s *Store) InsertConversation(ctx context.Context, tx *sql.Tx, sessionID int64, msg Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`,
		sessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation row for session %d: %w", sessionID, err)
	}
	return nil
}

func (s *Store) DeleteConversations(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear conversations of session %d: %w", sessionID, err)
	}
	return nil
}

func (s *Store) UpsertPersonaTokens(ctx context.Context, tx *sql.Tx, t *TokenUsage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO persona_tokens (user_id, persona_name, prompt_tokens,
			completion_tokens, total_tokens)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, persona_name) DO UPDATE SET
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens = EXCLUDED.total_tokens`,
		t.UserID, t.PersonaName, t.PromptTokens, t.CompletionTokens, t.TotalTokens)
	if err != nil {
		return fmt.Errorf("upsert tokens %d/%s: %w", t.UserID, t.PersonaName, err)
	}
	return nil
}

// InsertMemory creates the row and returns the database-assigned ID.
func (s *Store) InsertMemory(ctx context.Context, tx *sql.Tx, m *Memory) (int64, error) {
	var raw any
	if m.Embedding != nil {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return 0, fmt.Errorf("encode embedding: %w", err)
		}
		raw = b
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO memories (user_id, content, source, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		m.UserID, m.Content, m.Source, raw, m.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert memory for user %d: %w", m.UserID, err)
	}
	return id, nil
}

func (s *Store) DeleteMemory(ctx context.Context, tx *sql.Tx, memoryID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE id = $1`, memoryID); err != nil {
		return fmt.Errorf("delete memory %d: %w", memoryID, err)
	}
	return nil
}

func (s *Store) DeleteAllMemories(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear memories of user %d: %w", userID, err)
	}
	return nil
}
