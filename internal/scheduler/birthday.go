package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"unicontrol_bot/internal/bot"
	"unicontrol_bot/internal/metrics"
	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/storage"
)

const dayLayout = "2006-01-02"

// LinkSender can also attach a single URL button to a message.
type LinkSender interface {
	Sender
	SendMessageWithLink(ctx context.Context, chatID int64, text, label, url string) (int, error)
}

// BirthdaySource returns today's birthdays and records in-app notifications.
type BirthdaySource interface {
	TodayBirthdays(ctx context.Context) ([]model.Birthday, error)
	NotifyBirthday(ctx context.Context, userID int64, studentName string, age int) error
}

// Birthday greets students once per local calendar day, after the trigger hour.
type Birthday struct {
	store       storage.Storage
	audience    Audience
	ledger      storage.GreetingLedger
	source      BirthdaySource
	sender      LinkSender
	log         *slog.Logger
	loc         *time.Location
	hour        int
	tick        time.Duration
	platformURL string
	now         func() time.Time

	// runMu serializes trigger runs from the loop and TriggerNow.
	runMu sync.Mutex

	mu       sync.Mutex
	lastDate string
	checked  bool
	greeted  map[int64]struct{}
	phase    Phase
}

// NewBirthday creates a birthday dispatcher that fires at 06:00 in loc.
// Greetings are recorded in the store unless SetLedger overrides it.
func NewBirthday(store storage.Storage, audience Audience, source BirthdaySource, sender LinkSender, loc *time.Location, log *slog.Logger) *Birthday {
	if loc == nil {
		loc = time.UTC
	}
	return &Birthday{
		store:       store,
		audience:    audience,
		ledger:      store,
		source:      source,
		sender:      sender,
		log:         log,
		loc:         loc,
		hour:        6,
		tick:        time.Minute,
		platformURL: "https://unicontrol.uz",
		now:         time.Now,
		greeted:     make(map[int64]struct{}),
		phase:       PhaseWaiting,
	}
}

// SetLedger replaces the greeting ledger.
func (b *Birthday) SetLedger(l storage.GreetingLedger) {
	b.ledger = l
}

// SetTriggerHour sets the local hour from which greetings are sent.
func (b *Birthday) SetTriggerHour(h int) {
	b.hour = h
}

// SetTickInterval overrides the default 1-minute check interval.
func (b *Birthday) SetTickInterval(d time.Duration) {
	b.tick = d
}

// SetPlatformURL sets the link attached to personal greetings.
func (b *Birthday) SetPlatformURL(u string) {
	b.platformURL = u
}

// Run evaluates the trigger immediately and then on every tick until ctx is cancelled.
func (b *Birthday) Run(ctx context.Context) {
	b.check(ctx)

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.setPhase(PhaseStopped)
			b.log.Info("birthday dispatcher stopped")
			return
		case <-ticker.C:
			b.check(ctx)
		}
	}
}

// State returns the dispatcher phase.
func (b *Birthday) State() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// TriggerNow forgets today's greetings and runs the fetch-and-dispatch step again.
// It returns how many students were greeted.
func (b *Birthday) TriggerNow(ctx context.Context) (int, error) {
	day := b.today()

	b.mu.Lock()
	b.lastDate = day
	b.checked = false
	b.greeted = make(map[int64]struct{})
	b.mu.Unlock()

	if err := b.ledger.ForgetDay(ctx, day); err != nil {
		b.log.Error("forget greetings", "day", day, "error", err)
	}
	return b.trigger(ctx, day)
}

func (b *Birthday) today() string {
	return b.now().In(b.loc).Format(dayLayout)
}

func (b *Birthday) check(ctx context.Context) {
	now := b.now().In(b.loc)
	day := now.Format(dayLayout)

	b.mu.Lock()
	if day != b.lastDate {
		b.lastDate = day
		b.checked = false
		b.greeted = make(map[int64]struct{})
	}
	due := now.Hour() >= b.hour && !b.checked
	b.mu.Unlock()

	if !due {
		return
	}
	if _, err := b.trigger(ctx, day); err != nil && ctx.Err() == nil {
		b.log.Error("birthday trigger", "day", day, "error", err)
	}
}

func (b *Birthday) trigger(ctx context.Context, day string) (int, error) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.setPhase(PhaseTriggered)
	defer b.setPhase(PhaseWaiting)

	log := b.log.With("run", uuid.NewString(), "day", day)

	birthdays, err := b.source.TodayBirthdays(ctx)
	if err != nil {
		metrics.BirthdayRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	log.Info("birthdays fetched", "count", len(birthdays))

	greeted := 0
	for _, bd := range birthdays {
		if ctx.Err() != nil {
			return greeted, ctx.Err()
		}
		if b.greet(ctx, log, day, bd) {
			greeted++
		}
	}

	b.mu.Lock()
	if b.lastDate == day {
		b.checked = true
	}
	b.mu.Unlock()

	metrics.BirthdayRuns.WithLabelValues("ok").Inc()
	return greeted, nil
}

// greet dispatches the three independent greetings for one student and marks
// the student as greeted for day. It reports false when already greeted.
func (b *Birthday) greet(ctx context.Context, log *slog.Logger, day string, bd model.Birthday) bool {
	log = log.With("student_id", bd.StudentID)

	b.mu.Lock()
	_, seen := b.greeted[bd.StudentID]
	b.mu.Unlock()
	if seen {
		return false
	}

	done, err := b.ledger.Greeted(ctx, bd.StudentID, day)
	if err != nil {
		log.Error("check greeting ledger", "error", err)
	}
	if done {
		b.remember(bd.StudentID)
		return false
	}

	name := bd.Name
	if name == "" {
		name = "Student"
	}

	if bd.GroupCode != "" {
		b.greetGroups(ctx, log, bd.GroupCode, name, bd.Age)
	}
	b.greetPersonal(ctx, log, bd.StudentID, name, bd.Age)
	if bd.UserID != nil && *bd.UserID != 0 {
		if err := b.source.NotifyBirthday(ctx, *bd.UserID, name, bd.Age); err != nil && ctx.Err() == nil {
			log.Warn("create system notification", "user_id", *bd.UserID, "error", err)
		}
	}

	b.remember(bd.StudentID)
	if err := b.ledger.MarkGreeted(context.WithoutCancel(ctx), bd.StudentID, name, day); err != nil {
		log.Error("mark greeted", "error", err)
	}
	return true
}

func (b *Birthday) greetGroups(ctx context.Context, log *slog.Logger, groupCode, name string, age int) {
	subs, err := b.audience.ListActiveByCode(ctx, groupCode)
	if err != nil {
		log.Error("list group chats", "group_code", groupCode, "error", err)
		return
	}
	text := bot.FormatGroupBirthday(name, age)
	for _, sub := range subs {
		if !sub.ChatType.IsGroup() {
			continue
		}
		_, err := b.sender.SendMessage(ctx, sub.ChatID, text)
		b.count(ctx, log, err, "send group greeting", sub.ChatID)
	}
}

func (b *Birthday) greetPersonal(ctx context.Context, log *slog.Logger, studentID int64, name string, age int) {
	reg, err := b.store.VerifiedRegistrationByStudent(ctx, studentID)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("find registration", "error", err)
		return
	}
	_, err = b.sender.SendMessageWithLink(ctx, reg.TelegramID, bot.FormatPersonalBirthday(name, age),
		"🎓 Open UniControl", b.platformURL)
	b.count(ctx, log, err, "send personal greeting", reg.TelegramID)
}

func (b *Birthday) count(ctx context.Context, log *slog.Logger, err error, msg string, chatID int64) {
	switch {
	case err == nil:
		metrics.Deliveries.WithLabelValues("birthday", metrics.OutcomeSent).Inc()
		log.Info("birthday greeting sent", "chat_id", chatID)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
	default:
		metrics.Deliveries.WithLabelValues("birthday", metrics.OutcomeFailed).Inc()
		log.Error(msg, "chat_id", chatID, "error", err)
	}
}

func (b *Birthday) remember(studentID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.greeted[studentID] = struct{}{}
}

func (b *Birthday) setPhase(p Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = p
}
