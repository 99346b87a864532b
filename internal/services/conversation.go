package services

import (
	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// --- conversation, explicit mode ---
//
// The chat pipeline resolves its session once per turn and then addresses it
// by id, so a mid-stream /chat switch cannot redirect the write.

func (s *Services) Conversation(sessionID int64) []store.Message {
	return s.cache.Conversation(sessionID)
}

func (s *Services) MessageCount(sessionID int64) int {
	return s.cache.MessageCount(sessionID)
}

func (s *Services) AppendMessage(sessionID int64, role, content string) {
	s.cache.AppendMessage(sessionID, role, content)
}

// --- conversation, current mode ---

// ClearConversation empties the active session's history.
func (s *Services) ClearConversation(userID int64) {
	s.cache.ClearConversation(s.EnsureSession(userID))
}

// PopLastExchange removes the last user/assistant exchange from the active
// session and returns the user message that was popped, so /retry can replay
// it.
func (s *Services) PopLastExchange(userID int64) (string, error) {
	sessionID := s.EnsureSession(userID)
	msgs := s.cache.Conversation(sessionID)

	var lastUser string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUser = msgs[i].Content
			break
		}
	}
	if !s.cache.PopLastExchange(sessionID) || lastUser == "" {
		return "", ErrNothingToRetry
	}
	return lastUser, nil
}

// --- tokens ---

// AddUsage records a turn's token consumption against the persona that ran
// it.
func (s *Services) AddUsage(userID int64, persona string, prompt, completion int64) {
	s.cache.AddTokenUsage(userID, persona, prompt, completion)
}

func (s *Services) Usage(userID int64, persona string) store.TokenUsage {
	return s.cache.TokenUsage(userID, persona)
}

func (s *Services) TotalTokens(userID int64) int64 {
	return s.cache.TotalTokens(userID)
}

// RemainingTokens reports how many tokens the user may still spend. The
// second return is false when no limit is configured.
func (s *Services) RemainingTokens(userID int64) (int64, bool) {
	limit := s.cache.Settings(userID).TokenLimit
	if limit <= 0 {
		return 0, false
	}
	remaining := limit - s.cache.TotalTokens(userID)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// QuotaExceeded reports whether the user has exhausted their token limit.
func (s *Services) QuotaExceeded(userID int64) bool {
	remaining, limited := s.RemainingTokens(userID)
	return limited && remaining == 0
}
