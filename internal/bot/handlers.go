package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/registry"
)

func (b *Bot) handleStart(msg *tgbotapi.Message) {
	if model.ChatType(msg.Chat.Type) == model.ChatPrivate {
		b.reply(msg.Chat.ID, `👋 <b>Welcome to the UniControl bot!</b>

Here you will receive birthday greetings and updates from the UniControl platform.

To link your account:
/verify &lt;student_id&gt; &lt;code&gt; - the code is shown in your UniControl profile

Use /help for the full command reference.`)
		return
	}

	b.reply(msg.Chat.ID, `👋 <b>Welcome to the UniControl bot!</b>

I post attendance updates and birthday greetings for your academic group.

Quick start:
1. /subscribe &lt;group_code&gt; - e.g. /subscribe KI_25-09
2. /settings - choose which statuses to receive

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Group chats:
/subscribe &lt;code&gt; - follow an academic group
/unsubscribe - stop notifications
/settings - toggle late / absent / present updates
/status - show the current subscription

Personal chat:
/verify &lt;student_id&gt; &lt;code&gt; - link your student account

Admin:
/check - poll attendance now
/birthdays_now - send today's birthday greetings again`)
}

func (b *Bot) handleSubscribe(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID

	code, err := ParseGroupCode(args)
	if err != nil {
		b.reply(chatID, "Usage: /subscribe &lt;group_code&gt;\nExample: /subscribe KI_25-09")
		return
	}

	current, err := b.registry.Active(ctx, chatID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		b.log.Error("get subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	case current.GroupCode == code:
		b.reply(chatID, fmt.Sprintf("ℹ️ This chat is already subscribed to <b>%s</b>.", escape(code)))
		return
	default:
		text := fmt.Sprintf("This chat is subscribed to <b>%s</b>.\nSwitch to <b>%s</b>?",
			escape(current.GroupCode), escape(code))
		b.replyWithKeyboard(chatID, text, tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, switch", cbResubscribe+":"+code),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", cbNoop+":0"),
			),
		))
		return
	}

	b.subscribe(ctx, msg.Chat, senderID(msg), code)
}

func (b *Bot) subscribe(ctx context.Context, chat *tgbotapi.Chat, userID int64, code string) {
	title := chat.Title
	if title == "" {
		title = chat.UserName
	}

	sub, err := b.registry.Subscribe(ctx, registry.SubscribeRequest{
		ChatID:       chat.ID,
		ChatTitle:    title,
		ChatType:     model.ChatType(chat.Type),
		GroupCode:    code,
		SubscribedBy: userID,
	})

	var denied *registry.AccessDeniedError
	switch {
	case err == nil:
		b.reply(chat.ID, FormatSubscribed(sub))
	case errors.As(err, &denied):
		text := fmt.Sprintf("⛔ The bot is not available for group <b>%s</b>.", escape(code))
		if denied.Message != "" {
			text += "\n" + escape(denied.Message)
		}
		b.reply(chat.ID, text)
	case errors.Is(err, model.ErrNotFound):
		b.reply(chat.ID, fmt.Sprintf("❌ Group <b>%s</b> not found. Check the code and try again.", escape(code)))
	default:
		b.log.Error("subscribe", "chat_id", chat.ID, "group_code", code, "error", err)
		b.reply(chat.ID, "Failed to subscribe, please try again later.")
	}
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64) {
	sub, err := b.registry.Unsubscribe(ctx, chatID)
	if errors.Is(err, model.ErrNotFound) {
		b.reply(chatID, "This chat is not subscribed to any group.")
		return
	}
	if err != nil {
		b.log.Error("unsubscribe", "chat_id", chatID, "error", err)
		b.reply(chatID, "Failed to unsubscribe, please try again later.")
		return
	}
	b.reply(chatID, fmt.Sprintf("🔕 Unsubscribed from <b>%s</b>. Use /subscribe to follow a group again.",
		escape(sub.GroupCode)))
}

func (b *Bot) handleSettings(ctx context.Context, chatID int64) {
	sub, ok := b.activeOrReply(ctx, chatID)
	if !ok {
		return
	}
	b.replyWithKeyboard(chatID, "⚙️ <b>Notification settings</b>\n\n"+FormatSubscription(sub), settingsKeyboard(sub))
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if model.ChatType(msg.Chat.Type) == model.ChatPrivate {
		reg, err := b.store.GetRegistration(ctx, senderID(msg))
		if err == nil && reg.IsVerified {
			b.reply(chatID, fmt.Sprintf("🎓 Linked to student <b>%s</b> (ID %d, group %s).",
				escape(reg.StudentName), reg.StudentID, escape(reg.GroupCode)))
			return
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			b.log.Error("get registration", "chat_id", chatID, "error", err)
		}
	}

	sub, ok := b.activeOrReply(ctx, chatID)
	if !ok {
		return
	}
	b.reply(chatID, "📊 <b>Subscription</b>\n\n"+FormatSubscription(sub))
}

func (b *Bot) handleVerify(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID

	if model.ChatType(msg.Chat.Type) != model.ChatPrivate {
		b.reply(chatID, "Please send /verify in a private chat with the bot.")
		return
	}
	studentID, code, err := ParseVerifyArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /verify &lt;student_id&gt; &lt;code&gt;")
		return
	}

	userID := senderID(msg)
	res, err := b.verifier.VerifyStudent(ctx, userID, studentID, code)
	if err != nil {
		b.log.Error("verify student", "telegram_id", userID, "student_id", studentID, "error", err)
		b.reply(chatID, "Verification failed, please try again later.")
		return
	}
	if !res.Verified {
		text := "❌ Verification failed. Check your student ID and code."
		if res.Message != "" {
			text += "\n" + escape(res.Message)
		}
		b.reply(chatID, text)
		return
	}

	reg := &model.Registration{
		TelegramID:  userID,
		StudentID:   studentID,
		StudentName: res.StudentName,
		GroupCode:   res.GroupCode,
		IsVerified:  true,
	}
	if msg.From != nil {
		reg.TelegramUsername = msg.From.UserName
	}
	if err := b.store.SaveRegistration(ctx, reg); err != nil {
		b.log.Error("save registration", "telegram_id", userID, "error", err)
		b.reply(chatID, "Verification succeeded but could not be saved, please try again.")
		return
	}

	b.log.Info("student verified", "telegram_id", userID, "student_id", studentID)
	name := res.StudentName
	if name == "" {
		name = fmt.Sprintf("student %d", studentID)
	}
	b.reply(chatID, fmt.Sprintf("✅ Account linked: <b>%s</b>.", escape(name)))
}

func (b *Bot) handleCheck(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.cfg.IsAdmin(senderID(msg)) {
		b.reply(chatID, "This command is for administrators only.")
		return
	}
	if b.poller == nil {
		b.reply(chatID, "Attendance polling is not configured.")
		return
	}
	b.poller.PollOnce(ctx)
	b.reply(chatID, "✅ Attendance poll finished.")
}

func (b *Bot) handleBirthdaysNow(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.cfg.IsAdmin(senderID(msg)) {
		b.reply(chatID, "This command is for administrators only.")
		return
	}
	if b.birthdays == nil {
		b.reply(chatID, "Birthday greetings are not configured.")
		return
	}
	n, err := b.birthdays.TriggerNow(ctx)
	if err != nil {
		b.log.Error("trigger birthdays", "error", err)
		b.reply(chatID, "Failed to fetch today's birthdays.")
		return
	}
	b.reply(chatID, fmt.Sprintf("🎂 Birthday greetings sent for %d student(s).", n))
}

func (b *Bot) activeOrReply(ctx context.Context, chatID int64) (*model.Subscription, bool) {
	sub, err := b.registry.Active(ctx, chatID)
	if errors.Is(err, model.ErrNotFound) {
		b.reply(chatID, "This chat is not subscribed. Use /subscribe &lt;group_code&gt; first.")
		return nil, false
	}
	if err != nil {
		b.log.Error("get subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return nil, false
	}
	return sub, true
}

func settingsKeyboard(sub *model.Subscription) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range model.Preferences {
		label := fmt.Sprintf("%s %s", onOff(sub.Enabled(p)), preferenceLabel[p])
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbSetting+":"+string(p)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
