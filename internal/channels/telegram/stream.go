package telegram

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/telepersona/internal/config"
)

// streamCursor marks the live edge of a streaming reply.
const streamCursor = "▌"

// streamer edits one placeholder message with streaming progress. The first
// visible chunk goes out immediately; later edits are throttled to one per
// StreamUpdateInterval so Telegram's edit limits are respected.
type streamer struct {
	bot       *telego.Bot
	log       *slog.Logger
	chatID    int64
	messageID int

	limiter *rate.Limiter
	mu      sync.Mutex
	last    string
}

func newStreamer(bot *telego.Bot, log *slog.Logger, chatID int64, messageID int) *streamer {
	return &streamer{
		bot:       bot,
		log:       log,
		chatID:    chatID,
		messageID: messageID,
		limiter:   rate.NewLimiter(rate.Every(config.StreamUpdateInterval), 1),
	}
}

// update shows partial content with the cursor appended. Oversized partials
// are tail-truncated; the full text arrives with the final delivery anyway.
func (s *streamer) update(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.last || !s.limiter.Allow() {
		return
	}
	s.last = text

	display := text
	if len(display) > config.MaxMessageLength-len(streamCursor) {
		display = display[:config.MaxMessageLength-len(streamCursor)]
	}
	s.edit(ctx, display+streamCursor)
}

// status replaces the message content immediately, bypassing the throttle.
// Used for "Thinking…" and tool-round notices.
func (s *streamer) status(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.last {
		return
	}
	s.last = text
	s.edit(ctx, text)
}

func (s *streamer) edit(ctx context.Context, text string) {
	_, err := s.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(s.chatID),
		MessageID: s.messageID,
		Text:      text,
	})
	if err != nil && !ignorableEditError(err) {
		s.log.Debug("stream edit failed", "chat_id", s.chatID, "error", err)
	}
}

// ignorableEditError covers the two errors streaming edits routinely hit:
// editing to identical content and hitting Telegram's flood limit.
func ignorableEditError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "message is not modified") ||
		strings.Contains(msg, "Too Many Requests")
}
