package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"unicontrol_bot/internal/bot"
	"unicontrol_bot/internal/config"
	"unicontrol_bot/internal/fetcher"
	"unicontrol_bot/internal/registry"
	"unicontrol_bot/internal/scheduler"
	"unicontrol_bot/internal/storage"
	"unicontrol_bot/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := fetcher.New(&http.Client{Timeout: 35 * time.Second}, cfg.APIBaseURL, cfg.TelegramBotToken, cfg.APIKey)
	reg := registry.New(store, api, log)

	b, err := bot.New(cfg.TelegramBotToken, reg, store, api, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	attendance := scheduler.NewAttendance(store, reg, api, b, log.With("component", "attendance"))
	attendance.SetTickInterval(cfg.AttendanceInterval)
	attendance.SetOverlap(cfg.AttendanceOverlap)
	attendance.SetWorkers(cfg.FanoutWorkers)

	birthdays := scheduler.NewBirthday(store, reg, api, b, cfg.Location, log.With("component", "birthday"))
	birthdays.SetTriggerHour(cfg.BirthdayHour)
	birthdays.SetPlatformURL(cfg.PlatformURL)

	if cfg.RedisURL != "" {
		greetings, err := storage.NewRedisGreetings(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = greetings.Close() }()
		birthdays.SetLedger(greetings)
		log.Info("using redis greeting ledger")
	}

	b.SetPoller(attendance)
	b.SetBirthdayTrigger(birthdays)

	log.Info("starting bot",
		"api_base_url", cfg.APIBaseURL,
		"attendance_interval", cfg.AttendanceInterval,
		"birthday_hour", cfg.BirthdayHour,
		"timezone", cfg.Timezone,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		attendance.Run(gctx)
		return nil
	})
	g.Go(func() error {
		birthdays.Run(gctx)
		return nil
	})
	g.Go(func() error {
		b.Run(gctx)
		return nil
	})
	if cfg.WebhookAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := webhook.New(attendance, cfg.TelegramBotToken, log.With("component", "webhook"))
		g.Go(func() error {
			return srv.Run(gctx, cfg.WebhookAddr)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("bot stopped with error", "error", err)
		cancel()
		_ = store.Close()
		os.Exit(1)
	}

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
