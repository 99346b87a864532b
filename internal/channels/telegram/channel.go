package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/telepersona/internal/agent"
	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/memory"
	"github.com/nextlevelbuilder/telepersona/internal/services"
	"github.com/nextlevelbuilder/telepersona/internal/tools"
)

// Channel connects to Telegram via the Bot API using long polling. Each
// update is handled in its own goroutine; shutdown waits for in-flight turns
// up to a grace period.
type Channel struct {
	bot    *telego.Bot
	svc    *services.Services
	pipe   *agent.Pipeline
	mem    *memory.Service
	voices *tools.TTSTool // nil when the tts tool is not registered
	cfg    *config.Config
	log    *slog.Logger

	albums *albumBuffer

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	turns      sync.WaitGroup

	// download is swappable for tests.
	download func(ctx context.Context, fileID string, maxBytes int64) ([]byte, error)
}

func New(cfg *config.Config, svc *services.Services, pipe *agent.Pipeline, mem *memory.Service, voices *tools.TTSTool, log *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c := &Channel{
		bot:    bot,
		svc:    svc,
		pipe:   pipe,
		mem:    mem,
		voices: voices,
		cfg:    cfg,
		log:    log,
	}
	c.albums = newAlbumBuffer(c.processAlbum)
	c.download = c.downloadFile
	return c, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.log.Info("telegram bot connected", "username", c.bot.Username())

	// Register the command menu with retry; Telegram is flaky right after
	// connect.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.syncMenuCommands(pollCtx); err != nil {
				c.log.Warn("menu command sync failed", "error", err, "attempt", attempt)
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
				continue
			}
			return
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.log.Info("telegram updates channel closed")
					return
				}
				c.dispatch(pollCtx, update)
			}
		}
	}()

	return nil
}

func (c *Channel) dispatch(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		msg := update.Message
		c.turns.Add(1)
		go func() {
			defer c.turns.Done()
			defer c.recoverTurn(msg.Chat.ID)
			c.handleMessage(ctx, msg)
		}()
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		c.turns.Add(1)
		go func() {
			defer c.turns.Done()
			c.handleCallback(ctx, cq)
		}()
	}
}

// recoverTurn keeps a panicking turn from taking the process down; the user
// still gets the generic error.
func (c *Channel) recoverTurn(chatID int64) {
	if r := recover(); r != nil {
		c.log.Error("panic in message handler", "chat_id", chatID, "panic", r)
		c.sendText(context.Background(), chatID, genericError)
	}
}

// Stop cancels long polling and waits for the polling goroutine and in-flight
// turns to finish, so Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	c.log.Info("stopping telegram bot")
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("polling goroutine did not exit within timeout")
		}
	}

	done := make(chan struct{})
	go func() {
		c.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("telegram bot stopped")
	case <-time.After(5 * time.Second):
		c.log.Warn("in-flight turns did not finish within grace period")
	}
	return nil
}

func (c *Channel) syncMenuCommands(ctx context.Context) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "start", Description: "Start the bot"},
			{Command: "help", Description: "Show available commands"},
			{Command: "clear", Description: "Clear the current conversation"},
			{Command: "retry", Description: "Regenerate the last answer"},
			{Command: "settings", Description: "Show current settings"},
			{Command: "set", Description: "Change a setting"},
			{Command: "persona", Description: "Manage personas"},
			{Command: "chat", Description: "Manage chat sessions"},
			{Command: "remember", Description: "Save a memory"},
			{Command: "memories", Description: "List saved memories"},
			{Command: "forget", Description: "Delete a memory"},
			{Command: "usage", Description: "Show token usage"},
			{Command: "export", Description: "Export the current session"},
		},
	})
}
