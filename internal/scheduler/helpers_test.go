package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/storage"
)

type sentMessage struct {
	ChatID int64
	Text   string
	Link   string
}

type mockSender struct {
	mu       sync.Mutex
	messages []sentMessage
	failFor  map[int64]error
	nextID   int
}

func (m *mockSender) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	return m.record(chatID, text, "")
}

func (m *mockSender) SendMessageWithLink(_ context.Context, chatID int64, text, _, url string) (int, error) {
	return m.record(chatID, text, url)
}

func (m *mockSender) record(chatID int64, text, link string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[chatID]; err != nil {
		return 0, err
	}
	m.nextID++
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text, Link: link})
	return m.nextID, nil
}

func (m *mockSender) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *mockSender) chatIDs() []int64 {
	var ids []int64
	for _, msg := range m.getMessages() {
		ids = append(ids, msg.ChatID)
	}
	return ids
}

type sourceCall struct {
	GroupID int64
	Since   time.Time
}

type mockSource struct {
	mu     sync.Mutex
	events map[int64][]model.AttendanceEvent
	errFor map[int64]error
	calls  []sourceCall
}

func (m *mockSource) AttendanceUpdates(_ context.Context, groupID int64, since time.Time) ([]model.AttendanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sourceCall{GroupID: groupID, Since: since})
	if err := m.errFor[groupID]; err != nil {
		return nil, err
	}
	return m.events[groupID], nil
}

func (m *mockSource) getCalls() []sourceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sourceCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var errBlocked = errors.New("forbidden: bot was blocked by the user")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSubscription(t *testing.T, store storage.Storage, sub model.Subscription) model.Subscription {
	t.Helper()
	sub.IsActive = true
	if sub.ChatType == "" {
		sub.ChatType = model.ChatGroup
	}
	if err := store.SaveSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}
