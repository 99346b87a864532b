package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/providers"
	"github.com/nextlevelbuilder/telepersona/internal/services"
)

const helpText = `Available commands:
/clear — clear the current conversation
/retry — regenerate the last answer
/settings — show current settings
/set <key> <value> — change a setting (base_url, api_key, model, temperature, token_limit, voice, style, endpoint, title_model, tool, provider)
/persona — list personas; /persona <name> to switch
/persona new <name> [prompt] — create a persona
/persona delete <name> — delete a persona
/persona prompt [text] — show or set the active persona's prompt
/chat — list sessions; /chat <n> to switch
/chat new [title] — start a new session
/chat rename <title> — rename the current session
/chat delete <n> — delete a session
/remember <text> — save a memory
/memories — list saved memories
/forget <n|all> — delete a memory
/usage — show token usage
/export — export the current session as Markdown

Anything else you send starts a chat turn.`

// splitCommand parses "/cmd[@bot] args". A command carrying a mention of a
// different bot is not ours; in a group every bot receives it.
func splitCommand(text, botUsername string) (cmd, args string, ok bool) {
	cmd, args, _ = strings.Cut(text, " ")
	cmd, mention, _ := strings.Cut(cmd, "@")
	if mention != "" && !strings.EqualFold(mention, botUsername) {
		return "", "", false
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}

// handleCommand processes a slash command. Unknown commands fall through to
// the chat pipeline, since "/some text" may be ordinary input.
func (c *Channel) handleCommand(ctx context.Context, msg *telego.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	cmd, args, ok := splitCommand(msg.Text, c.bot.Username())
	if !ok {
		return
	}

	reply := func(text string) { c.sendText(ctx, chatID, text) }

	switch cmd {
	case "/start":
		reply("Hi! I am an AI chat bot.\n\n" +
			"Set your OpenAI-compatible API key to begin:\n/set api_key <your key>\n\n" +
			"Then just send me a message. /help lists everything I can do.")

	case "/help":
		reply(helpText)

	case "/clear":
		c.svc.ClearConversation(userID)
		reply("Conversation cleared.")

	case "/retry":
		text, err := c.svc.PopLastExchange(userID)
		if err != nil {
			reply("Nothing to retry yet.")
			return
		}
		c.runTurn(ctx, chatID, userID, turnInput{Text: text, History: text})

	case "/settings":
		reply(c.settingsText(userID))

	case "/set":
		c.handleSet(ctx, chatID, userID, args)

	case "/persona":
		c.handlePersona(ctx, chatID, userID, args)

	case "/chat":
		c.handleChat(ctx, chatID, userID, args)

	case "/remember":
		if args == "" {
			reply("Usage: /remember <text>")
			return
		}
		c.mem.Add(ctx, userID, args, "user")
		reply("Remembered.")

	case "/memories":
		mems := c.mem.List(userID)
		if len(mems) == 0 {
			reply("No memories saved yet.")
			return
		}
		var b strings.Builder
		b.WriteString(fmt.Sprintf("Memories (%d):\n", len(mems)))
		for i, m := range mems {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, m.Content))
		}
		reply(b.String())

	case "/forget":
		c.handleForget(ctx, chatID, userID, args)

	case "/usage":
		reply(c.usageText(userID))

	case "/export":
		content, filename, err := c.svc.Export(userID)
		if err != nil {
			reply("Nothing to export yet.")
			return
		}
		doc := &telego.SendDocumentParams{
			ChatID:   tu.ID(chatID),
			Document: tu.File(tu.NameReader(strings.NewReader(content), filename)),
		}
		if _, err := c.bot.SendDocument(ctx, doc); err != nil {
			c.log.Warn("export send failed", "chat_id", chatID, "error", err)
			reply(genericError)
		}

	default:
		// Not a command we know; treat it as chat input. The group gate
		// applies here like it does for any other text.
		if isGroupChat(msg.Chat) && !c.addressed(msg) {
			return
		}
		c.runTurn(ctx, chatID, userID, turnInput{Text: msg.Text, History: msg.Text})
	}
}

func (c *Channel) settingsText(userID int64) string {
	st := c.svc.Settings(userID)
	var b strings.Builder
	b.WriteString("Current settings:\n")
	b.WriteString(fmt.Sprintf("api_key: %s\n", services.MaskKey(st.APIKey)))
	b.WriteString(fmt.Sprintf("base_url: %s\n", st.BaseURL))
	b.WriteString(fmt.Sprintf("model: %s\n", st.Model))
	b.WriteString(fmt.Sprintf("temperature: %.1f\n", st.Temperature))
	if st.TokenLimit > 0 {
		b.WriteString(fmt.Sprintf("token_limit: %d\n", st.TokenLimit))
	} else {
		b.WriteString("token_limit: unlimited\n")
	}
	b.WriteString(fmt.Sprintf("persona: %s\n", st.CurrentPersona))
	if sess, ok := c.svc.CurrentSession(userID); ok {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		b.WriteString(fmt.Sprintf("session: %s\n", title))
	}
	b.WriteString(fmt.Sprintf("tools: %s\n", strings.Join(c.svc.EnabledTools(userID), ", ")))
	if st.TTSVoice != "" {
		b.WriteString(fmt.Sprintf("voice: %s\n", st.TTSVoice))
	}
	if st.TTSStyle != "" {
		b.WriteString(fmt.Sprintf("style: %s\n", st.TTSStyle))
	}
	if st.TTSEndpoint != "" {
		b.WriteString(fmt.Sprintf("endpoint: %s\n", st.TTSEndpoint))
	}
	if st.TitleModel != "" {
		b.WriteString(fmt.Sprintf("title_model: %s\n", st.TitleModel))
	}
	return b.String()
}

// handleSet dispatches /set <key> <value>.
func (c *Channel) handleSet(ctx context.Context, chatID, userID int64, args string) {
	reply := func(text string) { c.sendText(ctx, chatID, text) }

	key, value, _ := strings.Cut(args, " ")
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case "":
		reply("Usage: /set <key> <value>\nKeys: base_url, api_key, model, temperature, token_limit, voice, style, endpoint, title_model, tool <name> <on|off>, provider <list|save|load|delete>")

	case "base_url":
		if value == "" {
			reply("Usage: /set base_url <url>")
			return
		}
		c.svc.SetBaseURL(userID, value)
		reply("Base URL updated.")

	case "api_key":
		if value == "" {
			reply("Usage: /set api_key <key>")
			return
		}
		// The key is verified against the endpoint before it is stored; a
		// typo'd key would otherwise break every turn.
		models, err := c.verifyAPIKey(ctx, userID, value)
		if err != nil {
			c.log.Info("api key verification failed", "user_id", userID, "error", err)
			reply("That API key did not work against the configured endpoint. Check the key (and /set base_url) and try again.")
			return
		}
		c.svc.SetAPIKey(userID, value)
		reply(fmt.Sprintf("API key verified and saved. %d models available — pick one with /set model.", len(models)))

	case "model":
		if value != "" {
			c.svc.SetModel(userID, value)
			reply(fmt.Sprintf("Model set to %s.", value))
			return
		}
		c.sendModelKeyboard(ctx, chatID, userID, 0)

	case "temperature":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			reply("Usage: /set temperature <0.0–2.0>")
			return
		}
		if err := c.svc.SetTemperature(userID, f); err != nil {
			reply(err.Error())
			return
		}
		reply(fmt.Sprintf("Temperature set to %.1f.", f))

	case "token_limit":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			reply("Usage: /set token_limit <number> (0 = unlimited)")
			return
		}
		if err := c.svc.SetTokenLimit(userID, n); err != nil {
			reply(err.Error())
			return
		}
		if n == 0 {
			reply("Token limit removed.")
		} else {
			reply(fmt.Sprintf("Token limit set to %d.", n))
		}

	case "voice":
		c.svc.SetTTSVoice(userID, value)
		reply("Voice updated.")

	case "style":
		c.svc.SetTTSStyle(userID, value)
		reply("Style updated.")

	case "endpoint":
		c.svc.SetTTSEndpoint(userID, value)
		reply("TTS endpoint updated.")

	case "title_model":
		c.svc.SetTitleModel(userID, value)
		reply("Title model updated.")

	case "tool":
		name, state, _ := strings.Cut(value, " ")
		state = strings.ToLower(strings.TrimSpace(state))
		if name == "" || (state != "on" && state != "off") {
			reply("Usage: /set tool <name> <on|off>")
			return
		}
		if err := c.svc.SetToolEnabled(userID, name, state == "on"); err != nil {
			reply(err.Error())
			return
		}
		reply(fmt.Sprintf("Tool %s switched %s.", name, state))

	case "provider":
		c.handleProvider(ctx, chatID, userID, value)

	default:
		reply(fmt.Sprintf("Unknown setting %q. See /set for the list.", key))
	}
}

// handleProvider covers /set provider <list|save|load|delete>. Loading is
// explicit only; a bare name is rejected so a typo never swaps credentials.
func (c *Channel) handleProvider(ctx context.Context, chatID, userID int64, args string) {
	reply := func(text string) { c.sendText(ctx, chatID, text) }

	verb, name, _ := strings.Cut(args, " ")
	verb = strings.ToLower(strings.TrimSpace(verb))
	name = strings.TrimSpace(name)

	switch verb {
	case "", "list":
		presets := c.svc.ListPresets(userID)
		if len(presets) == 0 {
			reply("No saved providers. Save the current one with /set provider save <name>.")
			return
		}
		reply("Saved providers:\n" + strings.Join(presets, "\n"))

	case "save":
		if name == "" {
			reply("Usage: /set provider save <name>")
			return
		}
		c.svc.SavePreset(userID, name)
		reply(fmt.Sprintf("Provider %q saved (current api_key, base_url, model).", name))

	case "load":
		if name == "" {
			reply("Usage: /set provider load <name>")
			return
		}
		if err := c.svc.LoadPreset(userID, name); err != nil {
			reply(err.Error())
			return
		}
		reply(fmt.Sprintf("Provider %q loaded.", name))

	case "delete":
		if name == "" {
			reply("Usage: /set provider delete <name>")
			return
		}
		if err := c.svc.DeletePreset(userID, name); err != nil {
			reply(err.Error())
			return
		}
		reply(fmt.Sprintf("Provider %q deleted.", name))

	default:
		reply("Usage: /set provider <list|save <name>|load <name>|delete <name>>")
	}
}

func (c *Channel) handlePersona(ctx context.Context, chatID, userID int64, args string) {
	reply := func(text string) { c.sendText(ctx, chatID, text) }

	verb, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "":
		current := c.svc.CurrentPersona(userID)
		var b strings.Builder
		b.WriteString("Personas:\n")
		for _, p := range c.svc.Personas(userID) {
			marker := "  "
			if p.Name == current {
				marker = "▸ "
			}
			b.WriteString(marker + p.Name + "\n")
		}
		b.WriteString("\nSwitch with /persona <name>.")
		reply(b.String())

	case "new":
		name, prompt, _ := strings.Cut(rest, " ")
		if name == "" {
			reply("Usage: /persona new <name> [prompt]")
			return
		}
		if prompt == "" {
			prompt = c.cfg.DefaultSystemPrompt
		}
		if err := c.svc.CreatePersona(userID, name, prompt); err != nil {
			reply(err.Error())
			return
		}
		c.svc.SwitchPersona(userID, name)
		reply(fmt.Sprintf("Persona %q created and activated.", name))

	case "delete":
		if rest == "" {
			reply("Usage: /persona delete <name>")
			return
		}
		if err := c.svc.DeletePersona(userID, rest); err != nil {
			reply(err.Error())
			return
		}
		reply(fmt.Sprintf("Persona %q deleted.", rest))

	case "prompt":
		if rest == "" {
			current := c.svc.CurrentPersona(userID)
			if p, ok := c.svc.Persona(userID, current); ok {
				reply(fmt.Sprintf("Prompt for %q:\n\n%s", current, p.SystemPrompt))
			}
			return
		}
		current := c.svc.CurrentPersona(userID)
		if err := c.svc.SetPersonaPrompt(userID, current, rest); err != nil {
			reply(err.Error())
			return
		}
		reply(fmt.Sprintf("Prompt for %q updated.", current))

	default:
		// /persona <name> switches.
		name := strings.TrimSpace(args)
		if _, ok := c.svc.Persona(userID, name); !ok {
			reply(fmt.Sprintf("Persona %q does not exist. Create it with /persona new %s.", name, name))
			return
		}
		c.svc.SwitchPersona(userID, name)
		reply(fmt.Sprintf("Switched to persona %q.", name))
	}
}

func (c *Channel) handleChat(ctx context.Context, chatID, userID int64, args string) {
	reply := func(text string) { c.sendText(ctx, chatID, text) }

	verb, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "":
		sessions := c.svc.Sessions(userID)
		if len(sessions) == 0 {
			reply("No sessions yet. Send a message or use /chat new.")
			return
		}
		currentID := int64(0)
		if sess, ok := c.svc.CurrentSession(userID); ok {
			currentID = sess.ID
		}
		var b strings.Builder
		b.WriteString("Sessions:\n")
		for i, s := range sessions {
			marker := "  "
			if s.ID == currentID {
				marker = "▸ "
			}
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			b.WriteString(fmt.Sprintf("%s%d. %s (%d messages, %s)\n",
				marker, i+1, title, c.svc.MessageCount(s.ID), s.CreatedAt.Format("Jan 2")))
		}
		b.WriteString("\nSwitch with /chat <number>.")
		reply(b.String())

	case "new":
		sess := c.svc.NewSession(userID)
		if rest != "" {
			c.svc.SetSessionTitle(sess.ID, rest)
		}
		reply("Started a new session.")

	case "rename":
		if rest == "" {
			reply("Usage: /chat rename <title>")
			return
		}
		sess, ok := c.svc.CurrentSession(userID)
		if !ok {
			reply("No active session to rename.")
			return
		}
		c.svc.SetSessionTitle(sess.ID, rest)
		reply(fmt.Sprintf("Session renamed to %q.", rest))

	case "delete":
		index, err := strconv.Atoi(rest)
		if err != nil {
			reply("Usage: /chat delete <number>")
			return
		}
		sess, err := c.svc.DeleteSession(userID, index)
		if err != nil {
			reply(err.Error())
			return
		}
		title := sess.Title
		if title == "" {
			title = fmt.Sprintf("#%d", index)
		}
		reply(fmt.Sprintf("Session %s deleted.", title))

	default:
		index, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			reply("Usage: /chat, /chat new [title], /chat <number>, /chat rename <title>, /chat delete <number>")
			return
		}
		sess, err := c.svc.SwitchSession(userID, index)
		if err != nil {
			reply(err.Error())
			return
		}
		title := sess.Title
		if title == "" {
			title = fmt.Sprintf("#%d", index)
		}
		reply(fmt.Sprintf("Switched to session %s.", title))
	}
}

func (c *Channel) handleForget(ctx context.Context, chatID, userID int64, args string) {
	reply := func(text string) { c.sendText(ctx, chatID, text) }

	switch {
	case args == "":
		reply("Usage: /forget <number|all>")
	case strings.EqualFold(args, "all"):
		c.mem.Clear(userID)
		reply("All memories deleted.")
	default:
		index, err := strconv.Atoi(args)
		if err != nil {
			reply("Usage: /forget <number|all>")
			return
		}
		if !c.mem.DeleteAt(userID, index-1) {
			reply(fmt.Sprintf("No memory #%d. See /memories.", index))
			return
		}
		reply(fmt.Sprintf("Memory #%d deleted.", index))
	}
}

func (c *Channel) usageText(userID int64) string {
	var b strings.Builder
	b.WriteString("Token usage:\n")
	var total int64
	for _, p := range c.svc.Personas(userID) {
		u := c.svc.Usage(userID, p.Name)
		if u.TotalTokens == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("%s: %d (prompt %d, completion %d)\n",
			p.Name, u.TotalTokens, u.PromptTokens, u.CompletionTokens))
		total += u.TotalTokens
	}
	b.WriteString(fmt.Sprintf("\nTotal: %d tokens", total))
	if remaining, limited := c.svc.RemainingTokens(userID); limited {
		b.WriteString(fmt.Sprintf("\nRemaining: %d tokens", remaining))
	}
	return b.String()
}

// --- model picker (inline keyboard with pagination) ---

// verifyAPIKey checks a candidate key against the user's base URL.
func (c *Channel) verifyAPIKey(ctx context.Context, userID int64, key string) ([]string, error) {
	st := c.svc.Settings(userID)
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return providers.NewClient(key, st.BaseURL).ListModels(checkCtx)
}

func (c *Channel) sendModelKeyboard(ctx context.Context, chatID, userID int64, page int) {
	client, _ := c.svc.Client(userID)
	models, err := client.ListModels(ctx)
	if err != nil || len(models) == 0 {
		c.sendText(ctx, chatID, "Could not fetch the model list. Set one directly with /set model <name>.")
		return
	}

	msg := tu.Message(tu.ID(chatID), "Pick a model:")
	msg.ReplyMarkup = modelKeyboard(models, page)
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		c.log.Warn("failed to send model keyboard", "chat_id", chatID, "error", err)
	}
}

func modelKeyboard(models []string, page int) *telego.InlineKeyboardMarkup {
	pages := (len(models) + config.ModelsPerPage - 1) / config.ModelsPerPage
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}
	start := page * config.ModelsPerPage
	end := start + config.ModelsPerPage
	if end > len(models) {
		end = len(models)
	}

	var rows [][]telego.InlineKeyboardButton
	for _, m := range models[start:end] {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(m).WithCallbackData("model:" + m),
		))
	}

	if pages > 1 {
		var nav []telego.InlineKeyboardButton
		if page > 0 {
			nav = append(nav, tu.InlineKeyboardButton("◀️").WithCallbackData(fmt.Sprintf("models:%d", page-1)))
		}
		nav = append(nav, tu.InlineKeyboardButton(fmt.Sprintf("%d/%d", page+1, pages)).WithCallbackData("noop"))
		if page < pages-1 {
			nav = append(nav, tu.InlineKeyboardButton("▶️").WithCallbackData(fmt.Sprintf("models:%d", page+1)))
		}
		rows = append(rows, nav)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// handleCallback processes model-picker button presses.
func (c *Channel) handleCallback(ctx context.Context, cq *telego.CallbackQuery) {
	answer := func(text string) {
		_ = c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: cq.ID,
			Text:            text,
		})
	}

	msg := cq.Message
	if msg == nil {
		answer("")
		return
	}
	chatID := msg.GetChat().ID
	userID := cq.From.ID

	switch {
	case strings.HasPrefix(cq.Data, "model:"):
		model := strings.TrimPrefix(cq.Data, "model:")
		c.svc.SetModel(userID, model)
		answer("Model set")
		_, _ = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(chatID),
			MessageID: msg.GetMessageID(),
			Text:      fmt.Sprintf("Model set to %s.", model),
		})

	case strings.HasPrefix(cq.Data, "models:"):
		page, err := strconv.Atoi(strings.TrimPrefix(cq.Data, "models:"))
		if err != nil {
			answer("")
			return
		}
		client, _ := c.svc.Client(userID)
		models, err := client.ListModels(ctx)
		if err != nil || len(models) == 0 {
			answer("Model list unavailable")
			return
		}
		answer("")
		_, err = c.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
			ChatID:      tu.ID(chatID),
			MessageID:   msg.GetMessageID(),
			ReplyMarkup: modelKeyboard(models, page),
		})
		if err != nil && !ignorableEditError(err) {
			c.log.Debug("model keyboard update failed", "error", err)
		}

	default:
		answer("")
	}
}
