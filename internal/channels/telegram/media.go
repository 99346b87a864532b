package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

// albumFlushDelay is how long an album (media group) is buffered. Telegram
// delivers album items as separate updates with a shared MediaGroupID.
const albumFlushDelay = 500 * time.Millisecond

// turnInput is the aggregated content of one logical user message, possibly
// built from several album updates.
type turnInput struct {
	// Text goes to the LLM: captions plus decoded document content.
	Text string
	// History is the shorter form recorded in the session ("[Image]" + caption).
	History string
	Images  []providers.ImageContent
}

// albumBuffer groups album updates by MediaGroupID and flushes each group to
// the handler once no new item has arrived for albumFlushDelay.
type albumBuffer struct {
	mu     sync.Mutex
	groups map[string]*albumGroup
	flush  func(messages []*telego.Message)
}

type albumGroup struct {
	messages []*telego.Message
	timer    *time.Timer
}

func newAlbumBuffer(flush func([]*telego.Message)) *albumBuffer {
	return &albumBuffer{groups: map[string]*albumGroup{}, flush: flush}
}

func (b *albumBuffer) add(msg *telego.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := msg.MediaGroupID
	g, ok := b.groups[key]
	if !ok {
		g = &albumGroup{}
		b.groups[key] = g
		g.timer = time.AfterFunc(albumFlushDelay, func() { b.fire(key) })
	} else {
		g.timer.Reset(albumFlushDelay)
	}
	g.messages = append(g.messages, msg)
}

func (b *albumBuffer) fire(key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	delete(b.groups, key)
	b.mu.Unlock()
	if ok {
		b.flush(g.messages)
	}
}

// buildTurnInput downloads and aggregates the media of one logical message.
// Order across album items is preserved.
func (c *Channel) buildTurnInput(ctx context.Context, msgs []*telego.Message) (turnInput, error) {
	var in turnInput
	var llm, history []string

	for _, msg := range msgs {
		caption := msg.Caption
		if msg.Text != "" {
			caption = msg.Text
		}

		switch {
		case len(msg.Photo) > 0:
			// Highest resolution is last.
			photo := msg.Photo[len(msg.Photo)-1]
			data, err := c.download(ctx, photo.FileID, config.MaxFileSize)
			if err != nil {
				return in, fmt.Errorf("download photo: %w", err)
			}
			in.Images = append(in.Images, providers.ImageContent{
				MimeType: "image/jpeg",
				Data:     base64.StdEncoding.EncodeToString(data),
			})
			history = append(history, "[Image]"+caption)
			if caption != "" {
				llm = append(llm, caption)
			}

		case msg.Document != nil:
			doc := msg.Document
			block, err := c.documentBlock(ctx, doc)
			if err != nil {
				return in, err
			}
			history = append(history, fmt.Sprintf("[File: %s] %s", doc.FileName, caption))
			llm = append(llm, strings.TrimSpace(block+"\n\n"+caption))

		default:
			if caption != "" {
				llm = append(llm, caption)
				history = append(history, caption)
			}
		}
	}

	in.Text = strings.TrimSpace(strings.Join(llm, "\n\n"))
	in.History = strings.TrimSpace(strings.Join(history, "\n"))
	if in.Text == "" && len(in.Images) > 0 {
		in.Text = "Describe the attached image(s)."
	}
	return in, nil
}

// textExtensions lists document types whose content is inlined into the turn.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true, ".json": true,
	".yaml": true, ".yml": true, ".xml": true, ".log": true, ".ini": true,
	".toml": true, ".sh": true, ".py": true, ".go": true, ".js": true,
	".ts": true, ".html": true, ".css": true, ".sql": true, ".rs": true,
	".java": true, ".c": true, ".cpp": true, ".h": true, ".rb": true,
}

// documentBlock fetches a document and renders it for the LLM. Binary formats
// become a placeholder, text content is capped.
func (c *Channel) documentBlock(ctx context.Context, doc *telego.Document) (string, error) {
	ext := strings.ToLower(filepath.Ext(doc.FileName))
	if !textExtensions[ext] {
		return fmt.Sprintf("[File: %s — binary format, content not readable]", doc.FileName), nil
	}
	if doc.FileSize > config.MaxFileSize {
		return fmt.Sprintf("[File: %s — too large to read]", doc.FileName), nil
	}

	data, err := c.download(ctx, doc.FileID, config.MaxFileSize)
	if err != nil {
		return "", fmt.Errorf("download document: %w", err)
	}
	content := string(data)
	if len(content) > config.MaxTextContentLength {
		content = content[:config.MaxTextContentLength] + "\n... [truncated]"
	}
	return fmt.Sprintf("[File: %s]\n%s", doc.FileName, content), nil
}

// downloadFile fetches a Telegram file by id, enforcing maxBytes.
func (c *Channel) downloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.TelegramToken, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("file exceeds max size during download")
	}
	return data, nil
}
