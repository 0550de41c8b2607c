package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// ProviderConfig describes one configured inference provider. APIKeys is the
// raw comma-separated credential string as the user typed it; parsing happens
// in the token pool.
type ProviderConfig struct {
	ID      string
	BaseURL string
	Model   string
	APIKeys string
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	StorageBackend   string // "file" or "postgres"
	StoragePath      string
	DatabaseURL      string
	Locale           string
	HTTPTimeout      time.Duration
	TransientRetries int
	PollBase         time.Duration
	PollCap          time.Duration
	PollMaxAttempts  int
	PollMaxElapsed   time.Duration
	HistoryTTL       time.Duration
	Providers        []ProviderConfig
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		StorageBackend:   getEnv("STORAGE_BACKEND", "file"),
		StoragePath:      getEnv("STORAGE_PATH", "./data"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Locale:           normalizeLocale(getEnv("STUDIO_LOCALE", "en")),
		HTTPTimeout:      time.Second * time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 60)),
		TransientRetries: getEnvInt("TRANSIENT_RETRIES", 2),
		PollBase:         time.Second * time.Duration(getEnvInt("VIDEO_POLL_BASE_SECONDS", 5)),
		PollCap:          time.Second * time.Duration(getEnvInt("VIDEO_POLL_CAP_SECONDS", 60)),
		PollMaxAttempts:  getEnvInt("VIDEO_POLL_MAX_ATTEMPTS", 60),
		PollMaxElapsed:   time.Minute * time.Duration(getEnvInt("VIDEO_POLL_MAX_ELAPSED_MINUTES", 15)),
		HistoryTTL:       time.Hour * time.Duration(getEnvInt("HISTORY_TTL_HOURS", 24)),
		Providers: []ProviderConfig{
			{
				ID:      "gemini",
				BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				Model:   getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
				APIKeys: os.Getenv("GEMINI_API_KEYS"),
			},
			{
				ID:      "qwen",
				BaseURL: getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
				Model:   getEnv("QWEN_MODEL", "qwen-image-plus"),
				APIKeys: os.Getenv("QWEN_API_KEYS"),
			},
		},
	}

	switch cfg.StorageBackend {
	case "file":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	return cfg, nil
}

// normalizeLocale canonicalizes the configured locale hint; unparseable input
// falls back to English rather than failing startup.
func normalizeLocale(raw string) string {
	tag, err := language.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "en"
	}
	return tag.String()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
