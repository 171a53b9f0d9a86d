package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"unicontrol_bot/internal/config"
	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/registry"
	"unicontrol_bot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Verifier confirms a student's identity with the backend.
type Verifier interface {
	VerifyStudent(ctx context.Context, telegramID, studentID int64, code string) (*model.Verification, error)
}

// Poller runs one attendance poll cycle.
type Poller interface {
	PollOnce(ctx context.Context)
}

// BirthdayTrigger re-runs today's birthday greetings.
type BirthdayTrigger interface {
	TriggerNow(ctx context.Context) (int, error)
}

// Bot is the Telegram bot that handles chat commands and delivers notifications.
type Bot struct {
	api       telegramAPI
	registry  *registry.Registry
	store     storage.Storage
	verifier  Verifier
	poller    Poller
	birthdays BirthdayTrigger
	cfg       *config.Config
	limiter   *rate.Limiter
	log       *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, reg *registry.Registry, store storage.Storage, verifier Verifier, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	rps := cfg.SendRatePerSec
	if rps < 1 {
		rps = 20
	}

	return &Bot{
		api:      api,
		registry: reg,
		store:    store,
		verifier: verifier,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
	}, nil
}

// SetPoller enables the /check admin command.
func (b *Bot) SetPoller(p Poller) {
	b.poller = p
}

// SetBirthdayTrigger enables the /birthdays_now admin command.
func (b *Bot) SetBirthdayTrigger(t BirthdayTrigger) {
	b.birthdays = t
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if update.CallbackQuery.From != nil && !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.From != nil && !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends an HTML message to the given chat and returns its message id.
// It waits for the send rate limiter, so a cancelled ctx aborts the send.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return b.send(ctx, msg)
}

// SendMessageWithLink sends an HTML message with a single URL button under it.
func (b *Bot) SendMessageWithLink(ctx context.Context, chatID int64, text, label, url string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(label, url)),
	)
	return b.send(ctx, msg)
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) (int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	sent, err := b.api.Send(c)
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return sent.MessageID, nil
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.SendMessage(context.Background(), chatID, text); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) replyWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = kb
	if _, err := b.send(context.Background(), msg); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(msg)
	case "help":
		b.handleHelp(chatID)
	case "subscribe":
		b.handleSubscribe(ctx, msg, args)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, chatID)
	case cmdSettings:
		b.handleSettings(ctx, chatID)
	case "status":
		b.handleStatus(ctx, msg)
	case "verify":
		b.handleVerify(ctx, msg, args)
	case cmdCheck:
		b.handleCheck(ctx, msg)
	case cmdBirthdaysNow:
		b.handleBirthdaysNow(ctx, msg)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func senderID(msg *tgbotapi.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}
