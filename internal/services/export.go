package services

import (
	"fmt"
	"strings"
	"time"
)

// Export renders the active session as a markdown document and returns the
// content with a suggested filename.
func (s *Services) Export(userID int64) (content, filename string, err error) {
	persona := s.cache.CurrentPersonaName(userID)
	sessionID := s.EnsureSession(userID)
	msgs := s.cache.Conversation(sessionID)
	if len(msgs) == 0 {
		return "", "", ErrNothingToExport
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("# AI Chat Export\n")
	fmt.Fprintf(&b, "- Date: %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- Persona: %s\n", persona)
	fmt.Fprintf(&b, "- Session ID: %d\n", sessionID)
	fmt.Fprintf(&b, "- Messages: %d\n\n---\n\n", len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "**User:**\n%s\n\n---\n\n", m.Content)
		case "assistant":
			fmt.Fprintf(&b, "**Assistant:**\n%s\n\n---\n\n", m.Content)
		}
	}

	filename = fmt.Sprintf("chat_%s_%s.md", persona, now.Format("20060102_150405"))
	return b.String(), filename, nil
}
