// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	APIBaseURL       string
	APIKey           string
	DatabasePath     string
	LogLevel         string
	AdminIDs         []int64
	AllowedUsers     []int64

	AttendanceInterval time.Duration
	AttendanceOverlap  time.Duration
	BirthdayHour       int
	Timezone           string
	Location           *time.Location
	FanoutWorkers      int
	SendRatePerSec     int

	WebhookAddr string
	PlatformURL string
	RedisURL    string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		APIBaseURL:       strings.TrimRight(envOr("API_BASE_URL", "http://localhost:8000/api/v1/telegram"), "/"),
		APIKey:           os.Getenv("API_KEY"),
		DatabasePath:     envOr("DATABASE_PATH", "./data/bot.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		Timezone:         envOr("TIMEZONE", "Asia/Tashkent"),
		WebhookAddr:      os.Getenv("WEBHOOK_ADDR"),
		PlatformURL:      envOr("PLATFORM_URL", "https://unicontrol.uz"),
		RedisURL:         os.Getenv("REDIS_URL"),
	}

	var err error
	if cfg.AdminIDs, err = parseIDs("ADMIN_IDS"); err != nil {
		return nil, err
	}
	if cfg.AllowedUsers, err = parseIDs("ALLOWED_USERS"); err != nil {
		return nil, err
	}
	if cfg.AttendanceInterval, err = envDuration("ATTENDANCE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AttendanceInterval <= 0 {
		return nil, fmt.Errorf("ATTENDANCE_INTERVAL must be positive")
	}
	if cfg.AttendanceOverlap, err = envDuration("ATTENDANCE_OVERLAP", 0); err != nil {
		return nil, err
	}
	if cfg.AttendanceOverlap < 0 {
		return nil, fmt.Errorf("ATTENDANCE_OVERLAP cannot be negative")
	}
	if cfg.BirthdayHour, err = envInt("BIRTHDAY_HOUR", 6); err != nil {
		return nil, err
	}
	if cfg.BirthdayHour < 0 || cfg.BirthdayHour > 23 {
		return nil, fmt.Errorf("BIRTHDAY_HOUR must be between 0 and 23")
	}
	if cfg.FanoutWorkers, err = envInt("FANOUT_WORKERS", 1); err != nil {
		return nil, err
	}
	if cfg.FanoutWorkers < 1 {
		return nil, fmt.Errorf("FANOUT_WORKERS must be at least 1")
	}
	if cfg.SendRatePerSec, err = envInt("SEND_RATE_PER_SEC", 20); err != nil {
		return nil, err
	}
	if cfg.SendRatePerSec < 1 {
		return nil, fmt.Errorf("SEND_RATE_PER_SEC must be at least 1")
	}

	cfg.Location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	return contains(c.AllowedUsers, userID)
}

// IsAdmin reports whether the user may run operational commands.
// An empty admin list grants nobody.
func (c *Config) IsAdmin(userID int64) bool {
	return contains(c.AdminIDs, userID)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseIDs(key string) ([]int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in %s: %w", s, key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
