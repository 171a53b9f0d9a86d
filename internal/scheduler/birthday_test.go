package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/registry"
	"unicontrol_bot/internal/storage"
)

var tashkent = time.FixedZone("UZT", 5*60*60)

// 06:30 local time.
var morning = time.Date(2026, 3, 14, 1, 30, 0, 0, time.UTC)

type notifyCall struct {
	UserID int64
	Name   string
	Age    int
}

type mockBirthdaySource struct {
	mu        sync.Mutex
	birthdays []model.Birthday
	err       error
	fetches   int
	notified  []notifyCall
}

func (m *mockBirthdaySource) TodayBirthdays(_ context.Context) ([]model.Birthday, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	return m.birthdays, nil
}

func (m *mockBirthdaySource) NotifyBirthday(_ context.Context, userID int64, name string, age int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, notifyCall{UserID: userID, Name: name, Age: age})
	return nil
}

func (m *mockBirthdaySource) getFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *mockBirthdaySource) getNotified() []notifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]notifyCall, len(m.notified))
	copy(cp, m.notified)
	return cp
}

func int64Ptr(v int64) *int64 { return &v }

func newTestBirthday(store storage.Storage, source *mockBirthdaySource, sender *mockSender) (*Birthday, *fakeClock) {
	clock := &fakeClock{now: morning}
	b := NewBirthday(store, registry.New(store, nil, discardLogger()), source, sender, tashkent, discardLogger())
	b.now = clock.Now
	return b, clock
}

// seedBirthdayChats subscribes a group chat and a private chat to KI_25-09 and
// registers telegram user 9001 as verified student 301.
func seedBirthdayChats(t *testing.T, store storage.Storage) {
	t.Helper()
	seedSubscription(t, store, model.Subscription{ChatID: 100, GroupID: 7, GroupCode: "KI_25-09", ChatType: model.ChatSupergroup})
	seedSubscription(t, store, model.Subscription{ChatID: 200, GroupID: 7, GroupCode: "KI_25-09", ChatType: model.ChatPrivate})
	reg := &model.Registration{TelegramID: 9001, StudentID: 301, StudentName: "Aziza", GroupCode: "KI_25-09", IsVerified: true}
	if err := store.SaveRegistration(context.Background(), reg); err != nil {
		t.Fatalf("seed registration: %v", err)
	}
}

func aziza() []model.Birthday {
	return []model.Birthday{{StudentID: 301, UserID: int64Ptr(9001), Name: "Aziza", Age: 20, GroupCode: "KI_25-09", GroupID: int64Ptr(7)}}
}

func TestBirthdayGreetsOncePerDay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza()}
	sender := &mockSender{}
	b, _ := newTestBirthday(store, source, sender)
	b.SetPlatformURL("https://example.test")

	b.check(ctx)
	b.check(ctx)

	msgs := sender.getMessages()
	if diff := cmp.Diff([]int64{100, 9001}, sender.chatIDs()); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(msgs[0].Text, "Today is <b>Aziza</b>'s birthday!") {
		t.Errorf("unexpected group greeting:\n%s", msgs[0].Text)
	}
	if msgs[0].Link != "" {
		t.Errorf("group greeting should carry no link, got %q", msgs[0].Link)
	}
	if diff := cmp.Diff("https://example.test", msgs[1].Link); diff != "" {
		t.Errorf("personal greeting link mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]notifyCall{{UserID: 9001, Name: "Aziza", Age: 20}}, source.getNotified()); diff != "" {
		t.Errorf("system notifications mismatch (-want +got):\n%s", diff)
	}
	if got := source.getFetches(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}

	greeted, err := store.Greeted(ctx, 301, "2026-03-14")
	if err != nil {
		t.Fatalf("greeted: %v", err)
	}
	if !greeted {
		t.Error("expected student to be marked greeted for the local day")
	}
}

func TestBirthdayWaitsForTriggerHour(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza()}
	sender := &mockSender{}
	b, clock := newTestBirthday(store, source, sender)

	clock.Set(time.Date(2026, 3, 14, 0, 59, 0, 0, time.UTC)) // 05:59 local
	b.check(ctx)
	if got := source.getFetches(); got != 0 {
		t.Fatalf("expected no fetch before the trigger hour, got %d", got)
	}
	if diff := cmp.Diff(PhaseWaiting, b.State()); diff != "" {
		t.Errorf("phase mismatch (-want +got):\n%s", diff)
	}

	clock.Set(time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)) // 06:00 local
	b.check(ctx)
	if got := source.getFetches(); got != 1 {
		t.Errorf("expected 1 fetch at the trigger hour, got %d", got)
	}
	if got := len(sender.getMessages()); got != 2 {
		t.Errorf("expected 2 greetings, got %d", got)
	}
}

func TestBirthdayDateChangeResets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza()}
	sender := &mockSender{}
	b, clock := newTestBirthday(store, source, sender)

	b.check(ctx)
	clock.Set(morning.Add(24 * time.Hour))
	b.check(ctx)

	if got := source.getFetches(); got != 2 {
		t.Errorf("expected a fetch per day, got %d", got)
	}
	if got := len(sender.getMessages()); got != 4 {
		t.Errorf("expected greetings on both days, got %d messages", got)
	}
}

func TestBirthdayLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza()}
	sender := &mockSender{}

	first, _ := newTestBirthday(store, source, sender)
	first.check(ctx)

	second, _ := newTestBirthday(store, source, sender)
	second.check(ctx)

	if got := source.getFetches(); got != 2 {
		t.Errorf("expected the restarted dispatcher to fetch again, got %d fetches", got)
	}
	if got := len(sender.getMessages()); got != 2 {
		t.Errorf("expected no duplicate greetings after restart, got %d messages", got)
	}
	if got := len(source.getNotified()); got != 1 {
		t.Errorf("expected 1 system notification, got %d", got)
	}
}

func TestBirthdayTriggerNowGreetsAgain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza()}
	sender := &mockSender{}
	b, _ := newTestBirthday(store, source, sender)

	b.check(ctx)
	n, err := b.TriggerNow(ctx)
	if err != nil {
		t.Fatalf("trigger now: %v", err)
	}

	if diff := cmp.Diff(1, n); diff != "" {
		t.Errorf("greeted count mismatch (-want +got):\n%s", diff)
	}
	if got := len(sender.getMessages()); got != 4 {
		t.Errorf("expected manual trigger to greet again, got %d messages", got)
	}

	// The scheduled check afterwards stays quiet for the rest of the day.
	b.check(ctx)
	if got := len(sender.getMessages()); got != 4 {
		t.Errorf("expected no further greetings, got %d messages", got)
	}
}

func TestBirthdayFetchFailureRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza(), err: errors.New("upstream unavailable")}
	sender := &mockSender{}
	b, _ := newTestBirthday(store, source, sender)

	b.check(ctx)
	if got := len(sender.getMessages()); got != 0 {
		t.Fatalf("expected no greetings on fetch failure, got %d", got)
	}

	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()
	b.check(ctx)

	if got := source.getFetches(); got != 2 {
		t.Errorf("expected a second fetch, got %d", got)
	}
	if got := len(sender.getMessages()); got != 2 {
		t.Errorf("expected greetings after recovery, got %d", got)
	}
}

func TestBirthdayPartialData(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	// Unregistered student without a platform account in another group.
	source := &mockBirthdaySource{birthdays: []model.Birthday{
		{StudentID: 302, Name: "", Age: 19, GroupCode: "KI_25-10"},
	}}
	sender := &mockSender{}
	b, _ := newTestBirthday(store, source, sender)

	n, err := b.TriggerNow(ctx)
	if err != nil {
		t.Fatalf("trigger now: %v", err)
	}
	if diff := cmp.Diff(1, n); diff != "" {
		t.Errorf("greeted count mismatch (-want +got):\n%s", diff)
	}
	if got := len(sender.getMessages()); got != 0 {
		t.Errorf("expected no messages, got %d", got)
	}
	if got := len(source.getNotified()); got != 0 {
		t.Errorf("expected no system notification without a user id, got %d", got)
	}
}

func TestBirthdayGroupFailureDoesNotBlockPersonal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedBirthdayChats(t, store)

	source := &mockBirthdaySource{birthdays: aziza()}
	sender := &mockSender{failFor: map[int64]error{100: errBlocked}}
	b, _ := newTestBirthday(store, source, sender)

	b.check(ctx)

	if diff := cmp.Diff([]int64{9001}, sender.chatIDs()); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
	if got := len(source.getNotified()); got != 1 {
		t.Errorf("expected 1 system notification, got %d", got)
	}
}

func TestBirthdayRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	source := &mockBirthdaySource{}
	b, _ := newTestBirthday(store, source, &mockSender{})
	b.SetTickInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if diff := cmp.Diff(PhaseStopped, b.State()); diff != "" {
		t.Errorf("phase mismatch (-want +got):\n%s", diff)
	}
}
