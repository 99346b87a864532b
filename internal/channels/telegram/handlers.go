package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/telepersona/internal/agent"
	"github.com/nextlevelbuilder/telepersona/internal/config"
)

// genericError is the only error text regular failures expose to users.
// Details stay in the logs.
const genericError = "Error. Please retry."

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		c.handleCommand(ctx, msg)
		return
	}

	// In groups the bot only answers when addressed.
	if isGroupChat(msg.Chat) && !c.addressed(msg) {
		return
	}

	if msg.MediaGroupID != "" {
		c.albums.add(msg)
		return
	}

	input, err := c.buildTurnInput(ctx, []*telego.Message{msg})
	if err != nil {
		c.log.Warn("failed to build turn input", "chat_id", msg.Chat.ID, "error", err)
		c.sendText(ctx, msg.Chat.ID, genericError)
		return
	}
	if input.Text == "" && len(input.Images) == 0 {
		return
	}
	input = withReplyContext(input, msg)

	c.runTurn(ctx, msg.Chat.ID, msg.From.ID, input)
}

// processAlbum handles a buffered media group as one logical turn. The album
// timer fires outside any update context.
func (c *Channel) processAlbum(msgs []*telego.Message) {
	if len(msgs) == 0 || msgs[0].From == nil {
		return
	}
	c.turns.Add(1)
	defer c.turns.Done()
	defer c.recoverTurn(msgs[0].Chat.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	input, err := c.buildTurnInput(ctx, msgs)
	if err != nil {
		c.log.Warn("failed to build album input", "chat_id", msgs[0].Chat.ID, "error", err)
		c.sendText(ctx, msgs[0].Chat.ID, genericError)
		return
	}
	if input.Text == "" && len(input.Images) == 0 {
		return
	}
	c.runTurn(ctx, msgs[0].Chat.ID, msgs[0].From.ID, input)
}

// runTurn executes the chat pipeline for one aggregated input and delivers
// the result.
func (c *Channel) runTurn(ctx context.Context, chatID, userID int64, input turnInput) {
	if !c.svc.HasAPIKey(userID) {
		c.sendText(ctx, chatID, "No API key configured. Set one with:\n/set api_key <your key>")
		return
	}
	if c.svc.QuotaExceeded(userID) {
		c.sendText(ctx, chatID, "Token limit reached. See /usage, or raise it with /set token_limit.")
		return
	}

	// The turn writes to the persona and session that are current right now,
	// even if the user switches while the reply streams.
	persona := c.svc.CurrentPersona(userID)
	sessionID := c.svc.EnsureSession(userID)
	firstExchange := c.svc.MessageCount(sessionID) == 0

	placeholder, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "Thinking…"))
	if err != nil {
		c.log.Warn("failed to send placeholder", "chat_id", chatID, "error", err)
		return
	}
	st := newStreamer(c.bot, c.log, chatID, placeholder.MessageID)

	history := input.History
	if history == "" {
		history = input.Text
	}

	res, err := c.pipe.Run(ctx, agent.Turn{
		UserID:      userID,
		Persona:     persona,
		SessionID:   sessionID,
		Content:     input.Text,
		HistoryText: history,
		Images:      input.Images,
	}, agent.Callbacks{
		OnAssistant: func(visible string, thinking bool) {
			if visible == "" {
				if thinking {
					st.status(ctx, "Thinking…")
				}
				return
			}
			st.update(ctx, visible)
		},
		OnToolRound: func(names []string) {
			st.status(ctx, "🔧 "+strings.Join(names, ", ")+"…")
		},
	})
	if err != nil {
		c.log.Error("chat turn failed",
			"user_id", userID, "persona", persona, "session_id", sessionID, "error", err)
		st.status(ctx, genericError)
		return
	}

	c.deliver(ctx, chatID, placeholder.MessageID, res.FinalText)
	c.drainVoice(ctx, chatID, userID)

	if firstExchange {
		c.nameSession(userID, sessionID, history, res.FinalText)
	}
}

// deliver replaces the placeholder with the final text, splitting when it
// exceeds the Telegram message limit.
func (c *Channel) deliver(ctx context.Context, chatID int64, messageID int, text string) {
	if len(text) <= config.MaxMessageLength {
		if c.editFormatted(ctx, chatID, messageID, text) {
			return
		}
		// Editing failed both formatted and plain; last resort is a fresh
		// message.
		c.sendText(ctx, chatID, text)
		return
	}

	_ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID: tu.ID(chatID), MessageID: messageID,
	})
	for _, chunk := range splitMessage(text, config.MaxMessageLength) {
		if err := c.sendHTML(ctx, chatID, chunk); err != nil {
			c.sendText(ctx, chatID, chunk)
		}
	}
}

// editFormatted tries an HTML edit, then a plain-text edit. Model output is
// not always valid markup; Telegram rejects the whole edit when it is not.
func (c *Channel) editFormatted(ctx context.Context, chatID int64, messageID int, text string) bool {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      markdownToHTML(text),
		ParseMode: telego.ModeHTML,
	})
	if err == nil || ignorableEditError(err) {
		return true
	}
	c.log.Debug("html edit rejected, retrying plain", "chat_id", chatID, "error", err)

	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	return err == nil || ignorableEditError(err)
}

func (c *Channel) sendHTML(ctx context.Context, chatID int64, text string) error {
	msg := tu.Message(tu.ID(chatID), markdownToHTML(text))
	msg.ParseMode = telego.ModeHTML
	_, err := c.bot.SendMessage(ctx, msg)
	return err
}

func (c *Channel) sendText(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		c.log.Warn("failed to send message", "chat_id", chatID, "error", err)
	}
}

// drainVoice sends any audio the TTS tool queued during the turn, in enqueue
// order.
func (c *Channel) drainVoice(ctx context.Context, chatID, userID int64) {
	if c.voices == nil {
		return
	}
	for _, job := range c.voices.Drain(userID) {
		params := &telego.SendVoiceParams{
			ChatID:  tu.ID(chatID),
			Voice:   tu.File(tu.NameReader(bytes.NewReader(job.Audio), job.Filename)),
			Caption: job.Caption,
		}
		if _, err := c.bot.SendVoice(ctx, params); err != nil {
			c.log.Warn("failed to send voice reply", "chat_id", chatID, "error", err)
		}
	}
}

// nameSession titles a fresh session after its first exchange, off the turn's
// critical path.
func (c *Channel) nameSession(userID, sessionID int64, userMsg, aiMsg string) {
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if title := c.svc.GenerateTitle(ctx, userID, userMsg, aiMsg); title != "" {
			c.svc.SetSessionTitle(sessionID, title)
		}
	}()
}

// addressed reports whether a group message is directed at the bot: an
// @mention in text or caption, or a reply to one of the bot's messages.
func (c *Channel) addressed(msg *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)

	for _, text := range []string{msg.Text, msg.Caption} {
		if text != "" && strings.Contains(strings.ToLower(text), handle) {
			return true
		}
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		return strings.EqualFold(reply.From.Username, botUsername)
	}
	return false
}

func isGroupChat(chat telego.Chat) bool {
	return chat.Type == telego.ChatTypeGroup || chat.Type == telego.ChatTypeSupergroup
}

// withReplyContext prepends the quoted message when the user replies to
// someone, so the model sees what is being discussed.
func withReplyContext(input turnInput, msg *telego.Message) turnInput {
	reply := msg.ReplyToMessage
	if reply == nil || (reply.From != nil && reply.From.IsBot) {
		return input
	}
	quoted := reply.Text
	if quoted == "" {
		quoted = reply.Caption
	}
	if quoted == "" {
		return input
	}
	if len(quoted) > 500 {
		quoted = quoted[:500] + "..."
	}

	sender := "someone"
	if reply.From != nil && reply.From.FirstName != "" {
		sender = reply.From.FirstName
	}
	input.Text = fmt.Sprintf("[Replying to %s: %s]\n\n%s", sender, quoted, input.Text)
	return input
}
