// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime setting.
type Config struct {
	// Portal
	Email    string
	Password string
	BaseURL  string

	// Behavior
	PollInterval      time.Duration
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	RetentionDays     int
	DryRun            bool
	Debug             bool

	// Storage
	DBPath        string
	StatePath     string
	SnapshotPath  string
	BackupDir     string
	BackupBucket  string
	SaveSnapshots bool

	// Logging
	LogLevel string
	LogFile  string

	// Notifications
	TelegramToken   string
	TelegramChatIDs []int64
	FeishuAppID     string
	FeishuAppSecret string
	FeishuChatIDs   []string
	GoogleCredsJSON string
	NotifyEmailTo   string

	// Admin API
	Port       string
	AdminToken string

	problems []error // Parse errors surfaced by Validate
}

var validLogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// LoadFromEnv reads the configuration from environment variables and applies
// defaults. Malformed values are reported by Validate.
func LoadFromEnv() *Config {
	c := &Config{
		Email:           strings.TrimSpace(os.Getenv("IVASMS_EMAIL")),
		Password:        os.Getenv("IVASMS_PASSWORD"),
		BaseURL:         envOr("IVASMS_BASE_URL", "https://www.ivasms.com"),
		DBPath:          envOr("DB_PATH", "./data/state.db"),
		StatePath:       envOr("BROWSER_STATE_PATH", "./browser_state"),
		SnapshotPath:    envOr("SNAPSHOT_PATH", "./screenshots"),
		BackupDir:       os.Getenv("BACKUP_DIR"),
		BackupBucket:    os.Getenv("BACKUP_BUCKET"),
		LogLevel:        strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		LogFile:         os.Getenv("LOG_FILE"),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		FeishuAppID:     os.Getenv("FEISHU_APP_ID"),
		FeishuAppSecret: os.Getenv("FEISHU_APP_SECRET"),
		FeishuChatIDs:   splitList(os.Getenv("FEISHU_CHAT_IDS")),
		GoogleCredsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		NotifyEmailTo:   os.Getenv("NOTIFY_EMAIL_TO"),
		Port:            envOr("PORT", "8080"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
	}

	c.PollInterval = time.Duration(c.intVar("POLL_INTERVAL_SECONDS", 15)) * time.Second
	c.RetryDelay = time.Duration(c.intVar("RETRY_DELAY_SECONDS", 5)) * time.Second
	c.HeartbeatInterval = time.Duration(c.intVar("HEARTBEAT_INTERVAL_HOURS", 24)) * time.Hour
	c.MaxRetries = c.intVar("MAX_RETRIES", 3)
	c.RetentionDays = c.intVar("CLEANUP_OLD_OTPS_DAYS", 30)
	c.DryRun = c.boolVar("DRY_RUN", false)
	c.Debug = c.boolVar("DEBUG_MODE", false)
	c.SaveSnapshots = c.boolVar("SAVE_SNAPSHOTS", true)

	for _, raw := range splitList(os.Getenv("TELEGRAM_ADMIN_CHAT_ID")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.problems = append(c.problems, fmt.Errorf("TELEGRAM_ADMIN_CHAT_ID: %q is not an integer", raw))
			continue
		}
		c.TelegramChatIDs = append(c.TelegramChatIDs, id)
	}
	return c
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) intVar(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (c *Config) boolVar(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

// Validate returns every configuration problem at once.
func (c *Config) Validate() error {
	errs := slices.Clone(c.problems)

	if c.Email == "" {
		errs = append(errs, errors.New("IVASMS_EMAIL is required"))
	} else if !strings.Contains(c.Email, "@") {
		errs = append(errs, errors.New("IVASMS_EMAIL must be a valid email address"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("IVASMS_PASSWORD is required"))
	}

	if c.PollInterval < time.Second {
		errs = append(errs, errors.New("POLL_INTERVAL_SECONDS must be at least 1"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("MAX_RETRIES must be at least 1"))
	}
	if c.RetryDelay < time.Second {
		errs = append(errs, errors.New("RETRY_DELAY_SECONDS must be at least 1"))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL_HOURS must not be negative"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("CLEANUP_OLD_OTPS_DAYS must not be negative"))
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	if c.TelegramToken != "" && len(c.TelegramChatIDs) == 0 {
		errs = append(errs, errors.New("TELEGRAM_ADMIN_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set"))
	}
	if (c.FeishuAppID == "") != (c.FeishuAppSecret == "") {
		errs = append(errs, errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET must be set together"))
	}
	if c.FeishuAppID != "" && len(c.FeishuChatIDs) == 0 {
		errs = append(errs, errors.New("FEISHU_CHAT_IDS is required when FEISHU_APP_ID is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// HasNotifier reports whether any real notification channel is configured.
func (c *Config) HasNotifier() bool {
	return c.TelegramToken != "" || c.FeishuAppID != "" || c.NotifyEmailTo != ""
}

// MaskedEmail hides all but the last two characters of the local part.
func (c *Config) MaskedEmail() string {
	user, domain, ok := strings.Cut(c.Email, "@")
	if !ok {
		return "Invalid email"
	}
	if len(user) <= 2 {
		return strings.Repeat("*", len(user)) + "@" + domain
	}
	return strings.Repeat("*", len(user)-2) + user[len(user)-2:] + "@" + domain
}

// Summary returns a printable view of the configuration without secrets.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"portal": map[string]any{
			"email":        c.MaskedEmail(),
			"password_set": c.Password != "",
			"base_url":     c.BaseURL,
		},
		"behavior": map[string]any{
			"poll_interval_seconds": int(c.PollInterval / time.Second),
			"retry_delay_seconds":   int(c.RetryDelay / time.Second),
			"max_retries":           c.MaxRetries,
			"dry_run":               c.DryRun,
		},
		"storage": map[string]any{
			"db_path":       c.DBPath,
			"backup_dir":    c.BackupDir,
			"backup_bucket": c.BackupBucket,
		},
		"notify": map[string]any{
			"telegram_chats": len(c.TelegramChatIDs),
			"feishu_chats":   len(c.FeishuChatIDs),
			"email_set":      c.NotifyEmailTo != "",
		},
		"optional": map[string]any{
			"heartbeat_interval_hours": int(c.HeartbeatInterval / time.Hour),
			"cleanup_old_otps_days":    c.RetentionDays,
			"debug_mode":               c.Debug,
			"save_snapshots":           c.SaveSnapshots,
			"admin_api":                c.AdminToken != "",
		},
	}
}
