package bot

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"unicontrol_bot/internal/model"
)

const divider = "━━━━━━━━━━━━━━━━━━━━"

var statusEmoji = map[model.Status]string{
	model.StatusPresent: "✅",
	model.StatusLate:    "⚠️",
	model.StatusAbsent:  "❌",
	model.StatusExcused: "📋",
}

var statusText = map[model.Status]string{
	model.StatusPresent: "Present",
	model.StatusLate:    "Late",
	model.StatusAbsent:  "Absent",
	model.StatusExcused: "Excused",
}

var preferenceLabel = map[model.Preference]string{
	model.PrefLate:    "Late",
	model.PrefAbsent:  "Absent",
	model.PrefPresent: "Present",
}

// FormatAttendance renders an attendance update for a group chat (HTML).
func FormatAttendance(ev model.AttendanceEvent, groupCode string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Attendance update - %s</b>\n%s\n\n", escape(groupCode), divider)

	name := ev.StudentName
	if name == "" {
		name = "Unknown student"
	}
	fmt.Fprintf(&b, "👤 <b>%s</b>\n", escape(name))

	fmt.Fprintf(&b, "📅 %s", formatDate(ev.Date))
	if ev.LessonNumber > 0 {
		fmt.Fprintf(&b, " | lesson %d", ev.LessonNumber)
	}
	if ev.Subject != "" {
		fmt.Fprintf(&b, " | %s", escape(ev.Subject))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "⏰ Status: %s <b>%s</b>", emojiFor(ev.Status), textFor(ev.Status))
	if ev.Status == model.StatusLate && ev.LateMinutes > 0 {
		fmt.Fprintf(&b, " (%d min)", ev.LateMinutes)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\n📝 Reason: %s", escape(ev.Reason))
	}

	b.WriteString("\n\n")
	b.WriteString(divider)
	return b.String()
}

// FormatGroupBirthday renders the birthday greeting posted to a group chat.
func FormatGroupBirthday(name string, age int) string {
	var b strings.Builder
	b.WriteString("🎉🎂 <b>Happy birthday!</b>\n\n")
	fmt.Fprintf(&b, "Today is <b>%s</b>'s birthday!\n\n", escape(name))
	b.WriteString("We wish you great results in your studies, big opportunities in life and good people around you. ")
	b.WriteString("May every year make you stronger, wiser and more successful.\n\n")
	b.WriteString("<b>Happy birthday!</b> 🎂✨")
	if age > 0 {
		fmt.Fprintf(&b, "\n\n🎈 <i>%d years old today!</i>", age)
	}
	return b.String()
}

// FormatPersonalBirthday renders the birthday greeting sent to the student directly.
func FormatPersonalBirthday(name string, age int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 <b>Today is your day, dear %s!</b>\n\n", escape(name))
	b.WriteString("Happy birthday! We wish you great results in your studies, big opportunities in life and good people around you.\n\n")
	b.WriteString("🎓 <b>The UniControl team</b> wishes you a bright future and new achievements!")
	if age > 0 {
		fmt.Fprintf(&b, "\n\n🎈 <i>You are %d today!</i>", age)
	}
	return b.String()
}

// FormatSubscription describes a chat's subscription and its preferences.
func FormatSubscription(sub *model.Subscription) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏫 Group: <b>%s</b>", escape(sub.GroupCode))
	if sub.GroupName != "" {
		fmt.Fprintf(&b, " (%s)", escape(sub.GroupName))
	}
	b.WriteString("\n\nNotifications:\n")
	for _, p := range model.Preferences {
		fmt.Fprintf(&b, "  %s %s\n", onOff(sub.Enabled(p)), preferenceLabel[p])
	}
	if !sub.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "\nUpdated: %s", sub.UpdatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSubscribed confirms a new or replaced subscription.
func FormatSubscribed(sub *model.Subscription) string {
	return "✅ <b>Subscribed!</b>\n\n" + FormatSubscription(sub) +
		"\n\nAttendance updates for this group will be posted here.\n" +
		"/settings - notification settings\n/unsubscribe - stop notifications"
}

func formatDate(raw string) string {
	if raw == "" {
		return time.Now().Format("02.01.2006")
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("02.01.2006")
		}
	}
	return escape(raw)
}

// escape makes user-supplied text safe inside HTML-mode messages.
func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

func emojiFor(s model.Status) string {
	if e, ok := statusEmoji[s]; ok {
		return e
	}
	return "❓"
}

func textFor(s model.Status) string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return escape(string(s))
}

func onOff(v bool) string {
	if v {
		return "✅"
	}
	return "❌"
}
