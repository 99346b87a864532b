package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
// Per-user overrides (api_key, base_url, model, ...) live in user settings;
// these values are the global defaults.
type Config struct {
	TelegramToken string
	DatabaseURL   string

	// Default OpenAI-compatible endpoint for users without their own key.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	Temperature   float64

	// Embedding endpoint for the memory subsystem. Any OpenAI-compatible
	// /embeddings API works.
	EmbeddingAPIKey  string
	EmbeddingBaseURL string
	EmbeddingModel   string

	MemorySimilarityThreshold float64
	MemoryRetrievalThreshold  float64
	MemoryTopK                int

	EnabledTools []string

	SearchProvider   string
	BrowserlessURL   string
	BrowserlessToken string
	OllamaAPIKey     string
	JinaAPIKey       string

	TTSEndpoint string
	TTSVoice    string
	TTSStyle    string

	TitleModel string

	DefaultSystemPrompt string

	Port        int
	PresetsFile string
}

const defaultSystemPrompt = "You are a helpful assistant. Be concise and friendly. " +
	"Answer in the language the user writes in."

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		TelegramToken:             os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		OpenAIAPIKey:              os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:             envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:               envOr("OPENAI_MODEL", "gpt-4o"),
		Temperature:               envFloat("OPENAI_TEMPERATURE", 0.7),
		EmbeddingAPIKey:           envOr("EMBEDDING_API_KEY", os.Getenv("OPENAI_API_KEY")),
		EmbeddingBaseURL:          envOr("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingModel:            envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		MemorySimilarityThreshold: envFloat("MEMORY_SIMILARITY_THRESHOLD", 0.85),
		MemoryRetrievalThreshold:  envFloat("MEMORY_RETRIEVAL_THRESHOLD", 0.35),
		MemoryTopK:                envInt("MEMORY_TOP_K", 10),
		EnabledTools:              splitList(envOr("ENABLED_TOOLS", "memory,search,fetch,wikipedia,tts")),
		SearchProvider:            envOr("SEARCH_PROVIDER", "all"),
		BrowserlessURL:            os.Getenv("BROWSERLESS_URL"),
		BrowserlessToken:          os.Getenv("BROWSERLESS_TOKEN"),
		OllamaAPIKey:              os.Getenv("OLLAMA_API_KEY"),
		JinaAPIKey:                os.Getenv("JINA_API_KEY"),
		TTSEndpoint:               os.Getenv("TTS_ENDPOINT"),
		TTSVoice:                  envOr("TTS_VOICE", "en-US-AvaMultilingualNeural"),
		TTSStyle:                  envOr("TTS_STYLE", "general"),
		TitleModel:                os.Getenv("TITLE_MODEL"),
		DefaultSystemPrompt:       envOr("DEFAULT_SYSTEM_PROMPT", defaultSystemPrompt),
		Port:                      envInt("PORT", 8080),
		PresetsFile:               os.Getenv("PRESETS_FILE"),
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// ToolEnabled reports whether the named tool is switched on.
func (c *Config) ToolEnabled(name string) bool {
	for _, t := range c.EnabledTools {
		if t == name {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Hard limits shared across the codebase.
const (
	MaxMessageLength     = 4096
	StreamUpdateInterval = time.Second
	DBSyncInterval       = 30 * time.Second
	MaxToolRounds        = 3
	ToolTimeout          = 30 * time.Second
	MaxFileSize          = 20 * 1024 * 1024
	MaxTextContentLength = 100_000
	ModelsPerPage        = 10
)
