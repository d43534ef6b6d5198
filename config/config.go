// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the commands need to wire the pipeline.
type Config struct {
	// Snapshot storage
	LocalStorage  string
	StorageBucket string
	ScopeSalt     string

	// Snapshot producer; SnapshotURL wins over SnapshotDir.
	SnapshotDir string
	SnapshotURL string

	// Preferences come from Postgres when DatabaseURL is set, otherwise PrefsFile.
	PrefsFile   string
	DatabaseURL string
	HistoryFile string

	Timezone *time.Location

	DedupTTL               time.Duration
	CooldownScheduleChange time.Duration
	CooldownDigest         time.Duration
	DigestMaxAge           time.Duration

	SendTimeout  time.Duration
	SendAttempts int // first send plus retries

	CheckSchedule    string // cron spec, empty disables periodic checks
	CheckMaxInterval time.Duration
	CheckConcurrency int
	DigestTick       string // cron spec

	EmailProvider         string
	BrevoAPIKey           string
	MailFrom              string
	MailFromName          string
	GoogleCredentialsJSON string

	PushoverAppToken string
	DesktopMock      bool
	TelegramToken    string

	Port             string
	CORSAllowOrigins []string
	ManualRatePerMin int

	Debug bool
}

// Load reads configuration from environment variables with defaults suited to
// local development.
func Load() (*Config, error) {
	tzName := envOr("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", tzName, err)
	}

	cfg := &Config{
		LocalStorage:  envOr("LOCAL_STORAGE", ""),
		StorageBucket: envOr("STORAGE_BUCKET", ""),
		ScopeSalt:     envOr("SCOPE_SALT", ""),

		SnapshotDir: envOr("SNAPSHOT_DIR", "./snapshots"),
		SnapshotURL: envOr("SNAPSHOT_URL", ""),

		PrefsFile:   envOr("PREFS_FILE", "./prefs.yaml"),
		DatabaseURL: envOr("DATABASE_URL", ""),
		HistoryFile: envOr("HISTORY_FILE", ""),

		Timezone: loc,

		DedupTTL:               envDuration("DEDUP_TTL", 5*time.Minute),
		CooldownScheduleChange: envDuration("COOLDOWN_SCHEDULE_CHANGE", 10*time.Minute),
		CooldownDigest:         envDuration("COOLDOWN_DIGEST", 24*time.Hour),
		DigestMaxAge:           envDuration("DIGEST_MAX_AGE", 24*time.Hour),

		SendTimeout:  envDuration("SEND_TIMEOUT", 10*time.Second),
		SendAttempts: envInt("SEND_ATTEMPTS", 4),

		CheckSchedule:    envOr("CHECK_SCHEDULE", "*/5 * * * *"),
		CheckMaxInterval: envDuration("CHECK_MAX_INTERVAL", 0),
		CheckConcurrency: envInt("CHECK_CONCURRENCY", 4),
		DigestTick:       envOr("DIGEST_TICK", "* * * * *"),

		EmailProvider:         envOr("EMAIL_PROVIDER", ""),
		BrevoAPIKey:           envOr("BREVO_API_KEY", ""),
		MailFrom:              envOr("MAIL_FROM", "dispatch@localhost"),
		MailFromName:          envOr("MAIL_FROM_NAME", "Dispenser Watch"),
		GoogleCredentialsJSON: envOr("GOOGLE_CREDENTIALS_JSON", ""),

		PushoverAppToken: envOr("PUSHOVER_APP_TOKEN", ""),
		DesktopMock:      envBool("DESKTOP_MOCK", false),
		TelegramToken:    envOr("TELEGRAM_TOKEN", ""),

		Port:             envOr("PORT", "8080"),
		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", nil),
		ManualRatePerMin: envInt("MANUAL_RATE_PER_MIN", 30),

		Debug: envBool("DEBUG", false),
	}

	// Default to local development mode if no bucket specified
	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	if cfg.ScopeSalt == "" {
		if cfg.StorageBucket != "" {
			return nil, errors.New("SCOPE_SALT is required with STORAGE_BUCKET")
		}
		cfg.ScopeSalt = "local-development"
	}
	if cfg.SendAttempts < 1 {
		return nil, fmt.Errorf("SEND_ATTEMPTS must be at least 1, got %d", cfg.SendAttempts)
	}
	if cfg.CheckConcurrency < 1 {
		cfg.CheckConcurrency = 1
	}
	return cfg, nil
}

// Local reports whether snapshots are kept on local disk.
func (c *Config) Local() bool {
	return c.LocalStorage != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
