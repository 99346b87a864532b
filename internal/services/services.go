package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/providers"
	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// Precondition violations are the one error class shown to users verbatim.
var (
	ErrDefaultPersona   = errors.New("cannot delete the default persona")
	ErrPersonaNotFound  = errors.New("persona not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrPresetNotFound   = errors.New("preset not found")
	ErrUnknownTool      = errors.New("unknown tool name")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNothingToExport  = errors.New("no conversation to export")
	ErrNothingToRetry   = errors.New("no exchange to retry")
)

// Services is the semantic layer over the cache. Conversation writes come in
// two modes: "current" resolves persona/session at call time, "explicit"
// takes a session id. The chat pipeline pins its target once and then uses
// only the explicit mode.
type Services struct {
	cache       *cache.Cache
	cfg         *config.Config
	filePresets map[string]config.Preset
	log         *slog.Logger
}

func New(c *cache.Cache, cfg *config.Config, filePresets map[string]config.Preset, log *slog.Logger) *Services {
	if filePresets == nil {
		filePresets = map[string]config.Preset{}
	}
	return &Services{cache: c, cfg: cfg, filePresets: filePresets, log: log}
}

// --- settings ---

func (s *Services) Settings(userID int64) store.Settings {
	return s.cache.Settings(userID)
}

func (s *Services) HasAPIKey(userID int64) bool {
	return s.cache.Settings(userID).APIKey != ""
}

// Client builds an LLM client from the user's settings.
func (s *Services) Client(userID int64) (*providers.Client, store.Settings) {
	st := s.cache.Settings(userID)
	return providers.NewClient(st.APIKey, st.BaseURL), st
}

func (s *Services) SetBaseURL(userID int64, url string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.BaseURL = strings.TrimSpace(url) })
}

func (s *Services) SetAPIKey(userID int64, key string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.APIKey = strings.TrimSpace(key) })
}

func (s *Services) SetModel(userID int64, model string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.Model = strings.TrimSpace(model) })
}

func (s *Services) SetTemperature(userID int64, temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("%w: temperature must be between 0.0 and 2.0", ErrInvalidArgument)
	}
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.Temperature = temp })
	return nil
}

func (s *Services) SetTokenLimit(userID int64, limit int64) error {
	if limit < 0 {
		return fmt.Errorf("%w: token limit must be non-negative", ErrInvalidArgument)
	}
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.TokenLimit = limit })
	return nil
}

func (s *Services) SetTitleModel(userID int64, v string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.TitleModel = strings.TrimSpace(v) })
}

func (s *Services) SetTTSVoice(userID int64, v string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.TTSVoice = strings.TrimSpace(v) })
}

func (s *Services) SetTTSStyle(userID int64, v string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.TTSStyle = strings.TrimSpace(v) })
}

func (s *Services) SetTTSEndpoint(userID int64, v string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.TTSEndpoint = strings.TrimSpace(v) })
}

// TTSPrefs satisfies the TTS tool's voice-preference lookup.
func (s *Services) TTSPrefs(userID int64) (voice, style, endpoint string) {
	st := s.cache.Settings(userID)
	return st.TTSVoice, st.TTSStyle, st.TTSEndpoint
}

// KnownToolNames is the fixed tool name set accepted by /set tool.
var KnownToolNames = []string{"memory", "search", "fetch", "wikipedia", "tts"}

// EnabledTools resolves the user's tool set, falling back to the global
// default when the user never customised it.
func (s *Services) EnabledTools(userID int64) []string {
	raw := s.cache.Settings(userID).EnabledTools
	if raw == "" {
		return s.cfg.EnabledTools
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Services) SetToolEnabled(userID int64, name string, on bool) error {
	known := false
	for _, t := range KnownToolNames {
		if t == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	current := s.EnabledTools(userID)
	set := map[string]bool{}
	for _, t := range current {
		set[t] = true
	}
	set[name] = on

	var list []string
	for _, t := range KnownToolNames {
		if set[t] {
			list = append(list, t)
		}
	}
	joined := strings.Join(list, ",")
	if joined == "" {
		joined = "none" // distinguish "all off" from "never customised"
	}
	s.cache.UpdateSettings(userID, func(st *store.Settings) { st.EnabledTools = joined })
	return nil
}

// --- API presets ---

func (s *Services) SavePreset(userID int64, name string) {
	s.cache.UpdateSettings(userID, func(st *store.Settings) {
		if st.APIPresets == nil {
			st.APIPresets = map[string]store.Preset{}
		}
		st.APIPresets[name] = store.Preset{
			APIKey:  st.APIKey,
			BaseURL: st.BaseURL,
			Model:   st.Model,
		}
	})
}

func (s *Services) LoadPreset(userID int64, name string) error {
	p, ok := s.lookupPreset(userID, name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	s.cache.UpdateSettings(userID, func(st *store.Settings) {
		st.APIKey = p.APIKey
		st.BaseURL = p.BaseURL
		if p.Model != "" {
			st.Model = p.Model
		}
	})
	return nil
}

func (s *Services) DeletePreset(userID int64, name string) error {
	found := false
	s.cache.UpdateSettings(userID, func(st *store.Settings) {
		if _, ok := st.APIPresets[name]; ok {
			delete(st.APIPresets, name)
			found = true
		}
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return nil
}

func (s *Services) ListPresets(userID int64) []string {
	names := map[string]struct{}{}
	for name := range s.filePresets {
		names[name] = struct{}{}
	}
	for name := range s.cache.Settings(userID).APIPresets {
		names[name] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// lookupPreset prefers the user's saved presets, then the operator's presets
// file, case-insensitively.
func (s *Services) lookupPreset(userID int64, name string) (config.Preset, bool) {
	for k, v := range s.cache.Settings(userID).APIPresets {
		if strings.EqualFold(k, name) {
			return config.Preset{APIKey: v.APIKey, BaseURL: v.BaseURL, Model: v.Model}, true
		}
	}
	for k, v := range s.filePresets {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return config.Preset{}, false
}

// MaskKey hides an API key for display: first8...last4, or *** for short
// keys.
func MaskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) > 12 {
		return key[:8] + "..." + key[len(key)-4:]
	}
	return "***"
}
