package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/telepersona/internal/providers"
	"github.com/nextlevelbuilder/telepersona/internal/tts"
)

const maxTTSTextLength = 2000

// VoiceJob is one synthesised audio blob waiting for delivery as a voice
// reply.
type VoiceJob struct {
	Audio    []byte
	Filename string
	Caption  string
}

// VoicePrefs resolves a user's configured TTS settings.
type VoicePrefs interface {
	TTSPrefs(userID int64) (voice, style, endpoint string)
}

// TTSTool synthesises speech and queues it per user; the chat pipeline
// drains the queue after the streaming loop and delivers each blob as a
// voice message.
type TTSTool struct {
	synth        *tts.Synthesizer
	prefs        VoicePrefs
	defaultVoice string
	defaultStyle string
	log          *slog.Logger

	mu      sync.Mutex
	pending map[int64][]VoiceJob
}

func NewTTSTool(synth *tts.Synthesizer, prefs VoicePrefs, defaultVoice, defaultStyle string, log *slog.Logger) *TTSTool {
	if defaultVoice == "" {
		defaultVoice = tts.DefaultVoice
	}
	if defaultStyle == "" {
		defaultStyle = tts.DefaultStyle
	}
	return &TTSTool{
		synth:        synth,
		prefs:        prefs,
		defaultVoice: defaultVoice,
		defaultStyle: defaultStyle,
		log:          log.With("tool", "tts"),
		pending:      map[int64][]VoiceJob{},
	}
}

func (t *TTSTool) Name() string { return "tts" }

func (t *TTSTool) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name: "tts_speak",
				Description: "Convert text to speech and send as a voice message. " +
					"Supports optional voice and speaking style.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"text": map[string]interface{}{
							"type":        "string",
							"description": "Text content that should be spoken",
						},
						"voice_name": map[string]interface{}{
							"type":        "string",
							"description": "Optional voice name, e.g. zh-CN-XiaoxiaoMultilingualNeural",
						},
						"style": map[string]interface{}{
							"type":        "string",
							"description": "Optional style, e.g. general/chat/assistant/cheerful/sad",
						},
						"rate": map[string]interface{}{
							"type":        "string",
							"description": "Optional speaking rate percentage, e.g. -10, 0, 15",
						},
						"pitch": map[string]interface{}{
							"type":        "string",
							"description": "Optional pitch percentage, e.g. -5, 0, 8",
						},
						"output_format": map[string]interface{}{
							"type":        "string",
							"description": "Optional output format",
							"enum": []string{
								"ogg-24khz-16bit-mono-opus",
								"audio-24khz-48kbitrate-mono-mp3",
							},
							"default": "ogg-24khz-16bit-mono-opus",
						},
					},
					"required": []string{"text"},
				},
			},
		},
		{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        "tts_list_voices",
				Description: "List available TTS voices and styles.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"locale": map[string]interface{}{
							"type":        "string",
							"description": "Optional locale filter, e.g. zh-CN, en-US",
						},
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum voices to return (default 20, max 50)",
							"default":     20.0,
						},
					},
					"required": []string{},
				},
			},
		},
	}
}

func (t *TTSTool) Instruction() string {
	return "\n\nYou have TTS tools to generate voice messages.\n" +
		"- Use tts_speak when user asks for spoken/voice output.\n" +
		"- Prefer /set voice and /set style as defaults.\n" +
		"- Do not set voice_name/style arguments unless user explicitly requests a temporary override.\n" +
		"- Keep spoken text concise and natural.\n" +
		"- Use tts_list_voices when user asks what voices are available."
}

func (t *TTSTool) Execute(ctx context.Context, userID int64, name string, args map[string]interface{}) *Result {
	switch name {
	case "tts_speak":
		return t.speak(ctx, userID, args)
	case "tts_list_voices":
		return t.listVoices(ctx, args)
	}
	return ErrorResult(fmt.Sprintf("Unknown tts tool: %s", name))
}

func (t *TTSTool) speak(ctx context.Context, userID int64, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrorResult("TTS failed: empty text.")
	}
	if len(text) > maxTTSTextLength {
		return ErrorResult(fmt.Sprintf("TTS failed: text too long (%d chars). Limit is %d chars.",
			len(text), maxTTSTextLength))
	}

	configuredVoice, configuredStyle, endpoint := t.prefs.TTSPrefs(userID)
	requestedVoice, _ := args["voice_name"].(string)
	requestedVoice = strings.TrimSpace(requestedVoice)
	requestedStyle, _ := args["style"].(string)
	requestedStyle = strings.ToLower(strings.TrimSpace(requestedStyle))

	// User settings beat tool-call arguments beat the environment default.
	voice := firstNonEmpty(configuredVoice, requestedVoice, t.defaultVoice)
	style := firstNonEmpty(strings.ToLower(configuredStyle), requestedStyle, t.defaultStyle)

	// Unknown voice names fall back rather than failing the synthesis.
	fallbackNote := ""
	if voices, err := t.synth.Voices(ctx); err == nil && len(voices) > 0 {
		known := map[string]bool{}
		for _, v := range voices {
			known[v.ShortName] = true
		}
		if !known[voice] {
			fallback := t.defaultVoice
			if !known[fallback] && known[requestedVoice] {
				fallback = requestedVoice
			}
			fallbackNote = fmt.Sprintf(" Requested voice '%s' not found, fallback to '%s'.", voice, fallback)
			voice = fallback
		}
	}

	rate, _ := args["rate"].(string)
	pitch, _ := args["pitch"].(string)
	format, _ := args["output_format"].(string)
	if format == "" {
		format = tts.DefaultOutputFormat
	}

	audio, err := t.synth.Synthesize(ctx, tts.Request{
		Text:         text,
		Voice:        voice,
		Style:        style,
		Rate:         rate,
		Pitch:        pitch,
		OutputFormat: format,
		EndpointHost: endpoint,
	})
	if err != nil {
		t.log.Warn("tts_speak failed", "user_id", userID, "error", err)
		return ErrorResult(fmt.Sprintf("TTS failed: %v", err))
	}

	t.enqueue(userID, VoiceJob{
		Audio:    audio,
		Filename: "tts." + tts.GuessExtension(format),
		Caption:  fmt.Sprintf("🎤 %s (%s)", voice, style),
	})

	host := endpoint
	if host == "" {
		host = "auto"
	}
	return NewResult(fmt.Sprintf(
		"Voice generated and queued for delivery. voice=%s, style=%s, endpoint=%s, chars=%d.%s",
		voice, style, host, len(text), fallbackNote))
}

func (t *TTSTool) listVoices(ctx context.Context, args map[string]interface{}) *Result {
	locale := ""
	if l, ok := args["locale"].(string); ok {
		locale = strings.ToLower(strings.TrimSpace(l))
	}
	limit := 20
	if raw, ok := args["limit"].(float64); ok {
		limit = int(raw)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	voices, err := t.synth.Voices(ctx)
	if err != nil || len(voices) == 0 {
		return ErrorResult("Failed to fetch voice list.")
	}

	filtered := voices
	if locale != "" {
		filtered = nil
		for _, v := range voices {
			if strings.ToLower(v.Locale) == locale {
				filtered = append(filtered, v)
			}
		}
	}
	if len(filtered) == 0 {
		return ErrorResult(fmt.Sprintf("No voices found for locale: %s", locale))
	}

	shown := filtered
	if len(shown) > limit {
		shown = shown[:limit]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Available voices (%d/%d):\n", len(shown), len(filtered))
	for i, v := range shown {
		styles := strings.Join(v.StyleList, ", ")
		if styles == "" {
			styles = "general"
		}
		fmt.Fprintf(&b, "%d. %s | locale=%s | gender=%s | styles=%s\n",
			i+1, v.ShortName, v.Locale, v.Gender, styles)
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// --- pending voice queue ---

func (t *TTSTool) enqueue(userID int64, job VoiceJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[userID] = append(t.pending[userID], job)
}

// Drain removes and returns the user's queued voice jobs in enqueue order.
func (t *TTSTool) Drain(userID int64) []VoiceJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	jobs := t.pending[userID]
	delete(t.pending, userID)
	return jobs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
