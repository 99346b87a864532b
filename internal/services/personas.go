package services

import (
	"fmt"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// --- personas ---

func (s *Services) CurrentPersona(userID int64) string {
	return s.cache.CurrentPersonaName(userID)
}

func (s *Services) Personas(userID int64) []store.Persona {
	return s.cache.Personas(userID)
}

func (s *Services) Persona(userID int64, name string) (store.Persona, bool) {
	return s.cache.Persona(userID, name)
}

// SwitchPersona makes name the active persona, creating it if missing.
func (s *Services) SwitchPersona(userID int64, name string) {
	s.cache.SetCurrentPersona(userID, name)
}

func (s *Services) CreatePersona(userID int64, name, prompt string) error {
	if !s.cache.CreatePersona(userID, name, prompt) {
		return fmt.Errorf("%w: persona %q already exists", ErrInvalidArgument, name)
	}
	return nil
}

func (s *Services) SetPersonaPrompt(userID int64, name, prompt string) error {
	if !s.cache.UpdatePersonaPrompt(userID, name, prompt) {
		return fmt.Errorf("%w: %s", ErrPersonaNotFound, name)
	}
	return nil
}

// DeletePersona removes a persona with everything under it. The default
// persona is protected; deleting the active persona falls back to default.
func (s *Services) DeletePersona(userID int64, name string) error {
	if name == cache.DefaultPersonaName {
		return ErrDefaultPersona
	}
	if !s.cache.DeletePersona(userID, name) {
		return fmt.Errorf("%w: %s", ErrPersonaNotFound, name)
	}
	return nil
}

// --- sessions ---

// EnsureSession resolves the active persona's current session, creating one
// when none exists, and returns its id.
func (s *Services) EnsureSession(userID int64) int64 {
	persona := s.cache.CurrentPersonaName(userID)
	if id := s.cache.CurrentSessionID(userID, persona); id != 0 {
		if _, ok := s.cache.Session(id); ok {
			return id
		}
	}
	sess := s.cache.CreateSession(userID, persona, "")
	s.cache.SetCurrentSessionID(userID, persona, sess.ID)
	return sess.ID
}

// NewSession starts a fresh session for the active persona and makes it
// current.
func (s *Services) NewSession(userID int64) store.Session {
	persona := s.cache.CurrentPersonaName(userID)
	sess := s.cache.CreateSession(userID, persona, "")
	s.cache.SetCurrentSessionID(userID, persona, sess.ID)
	return sess
}

// Sessions lists the active persona's sessions in creation order.
func (s *Services) Sessions(userID int64) []store.Session {
	return s.cache.Sessions(userID, s.cache.CurrentPersonaName(userID))
}

// sessionByIndex resolves a 1-based position in the creation-order list.
func (s *Services) sessionByIndex(userID int64, index int) (store.Session, error) {
	sessions := s.Sessions(userID)
	if index < 1 || index > len(sessions) {
		return store.Session{}, fmt.Errorf("%w: index %d", ErrSessionNotFound, index)
	}
	return sessions[index-1], nil
}

// SwitchSession makes the 1-based indexed session current.
func (s *Services) SwitchSession(userID int64, index int) (store.Session, error) {
	sess, err := s.sessionByIndex(userID, index)
	if err != nil {
		return store.Session{}, err
	}
	s.cache.SetCurrentSessionID(userID, sess.PersonaName, sess.ID)
	return sess, nil
}

// RenameSession retitles the 1-based indexed session.
func (s *Services) RenameSession(userID int64, index int, title string) (store.Session, error) {
	sess, err := s.sessionByIndex(userID, index)
	if err != nil {
		return store.Session{}, err
	}
	s.cache.RenameSession(sess.ID, title)
	sess.Title = title
	return sess, nil
}

// DeleteSession removes the 1-based indexed session. When the current session
// is deleted the most recent remaining one becomes current, or a fresh one is
// created if none remain.
func (s *Services) DeleteSession(userID int64, index int) (store.Session, error) {
	sess, err := s.sessionByIndex(userID, index)
	if err != nil {
		return store.Session{}, err
	}
	persona := sess.PersonaName
	wasCurrent := s.cache.CurrentSessionID(userID, persona) == sess.ID
	s.cache.DeleteSession(sess.ID)

	if wasCurrent {
		remaining := s.cache.Sessions(userID, persona)
		if len(remaining) > 0 {
			s.cache.SetCurrentSessionID(userID, persona, remaining[len(remaining)-1].ID)
		} else {
			fresh := s.cache.CreateSession(userID, persona, "")
			s.cache.SetCurrentSessionID(userID, persona, fresh.ID)
		}
	}
	return sess, nil
}

// SetSessionTitle names a session directly by id. Auto-titling uses this so
// the pinned session gets the title even after the user switches away.
func (s *Services) SetSessionTitle(sessionID int64, title string) {
	s.cache.RenameSession(sessionID, title)
}

// CurrentSession returns the active persona's current session, if any.
func (s *Services) CurrentSession(userID int64) (store.Session, bool) {
	persona := s.cache.CurrentPersonaName(userID)
	id := s.cache.CurrentSessionID(userID, persona)
	if id == 0 {
		return store.Session{}, false
	}
	return s.cache.Session(id)
}
