package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"unicontrol_bot/internal/filter"
	"unicontrol_bot/internal/model"
)

const (
	cmdCheck        = "check"
	cmdSettings     = "settings"
	cmdBirthdaysNow = "birthdays_now"

	cbSetting     = "setting"
	cbResubscribe = "resubscribe"
	cbNoop        = "noop"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	parts := strings.SplitN(cb.Data, ":", 2)
	if len(parts) != 2 {
		b.ack(cb, "")
		return
	}
	action, arg := parts[0], parts[1]

	var userID int64
	if cb.From != nil {
		userID = cb.From.ID
		b.log.Info("callback",
			"action", action,
			"arg", arg,
			"chat_id", chatID,
			"user_id", cb.From.ID,
			"username", cb.From.UserName,
		)
	}

	switch action {
	case cbSetting:
		b.toggleSetting(ctx, cb, arg)
	case cbResubscribe:
		b.ack(cb, "")
		code, err := ParseGroupCode(arg)
		if err != nil {
			return
		}
		b.subscribe(ctx, cb.Message.Chat, userID, code)
	default:
		b.ack(cb, "")
	}
}

func (b *Bot) toggleSetting(ctx context.Context, cb *tgbotapi.CallbackQuery, arg string) {
	chatID := cb.Message.Chat.ID

	pref, err := filter.ParsePreference(arg)
	if err != nil {
		b.ack(cb, "Unknown setting")
		return
	}

	sub, err := b.registry.TogglePreference(ctx, chatID, pref)
	if errors.Is(err, model.ErrNotFound) {
		b.ack(cb, "This chat is not subscribed")
		return
	}
	if err != nil {
		b.log.Error("toggle preference", "chat_id", chatID, "preference", pref, "error", err)
		b.ack(cb, "Failed to update settings")
		return
	}

	state := "off"
	if sub.Enabled(pref) {
		state = "on"
	}
	b.ack(cb, preferenceLabel[pref]+" notifications "+state)

	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, cb.Message.MessageID,
		"⚙️ <b>Notification settings</b>\n\n"+FormatSubscription(sub), settingsKeyboard(sub))
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(edit); err != nil {
		b.log.Error("update settings message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) ack(cb *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
}
