package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/storage"
)

var ignoreSubMeta = cmpopts.IgnoreFields(model.Subscription{}, "ID", "CreatedAt", "UpdatedAt")

type mockDirectory struct {
	mu         sync.Mutex
	groups     map[string]model.Group
	denied     map[int64]string
	checkErr   error
	registered []model.ChatRegistration
	removed    []int64
}

func (m *mockDirectory) GroupByCode(_ context.Context, code string) (*model.Group, error) {
	g, ok := m.groups[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &g, nil
}

func (m *mockDirectory) CheckBotAccess(_ context.Context, groupID int64) (*model.AccessCheck, error) {
	if m.checkErr != nil {
		return nil, m.checkErr
	}
	if msg, ok := m.denied[groupID]; ok {
		return &model.AccessCheck{HasAccess: false, Message: msg}, nil
	}
	return &model.AccessCheck{HasAccess: true}, nil
}

func (m *mockDirectory) RegisterChat(_ context.Context, reg model.ChatRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, reg)
	return nil
}

func (m *mockDirectory) UnregisterChat(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, chatID)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *mockDirectory, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir := &mockDirectory{
		groups: map[string]model.Group{
			"KI_25-09": {ID: 7, Code: "KI_25-09", Name: "KI 25-09"},
			"KI_25-10": {ID: 8, Code: "KI_25-10", Name: "KI 25-10"},
			"LOCKED":   {ID: 9, Code: "LOCKED", Name: "Locked"},
			"NOID":     {Code: "NOID", Name: "Legacy group"},
		},
		denied: map[int64]string{9: "Subscription expired"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, dir, log), dir, store
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	r, dir, _ := newTestRegistry(t)

	sub, err := r.Subscribe(ctx, SubscribeRequest{
		ChatID: -100, ChatTitle: "KI group", ChatType: model.ChatSupergroup, GroupCode: " ki_25-09 ", SubscribedBy: 42,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := model.Subscription{
		ChatID: -100, ChatTitle: "KI group", ChatType: model.ChatSupergroup,
		GroupID: 7, GroupCode: "KI_25-09", GroupName: "KI 25-09",
		NotifyLate: true, NotifyAbsent: true, IsActive: true, SubscribedBy: 42,
	}
	if diff := cmp.Diff(want, *sub, ignoreSubMeta); diff != "" {
		t.Errorf("Subscribe() mismatch (-want +got):\n%s", diff)
	}

	wantReg := []model.ChatRegistration{{ChatID: -100, GroupCode: "KI_25-09", ChatType: model.ChatSupergroup, ChatTitle: "KI group"}}
	if diff := cmp.Diff(wantReg, dir.registered); diff != "" {
		t.Errorf("backend registration mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeRejections(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		check func(t *testing.T, err error)
	}{
		{
			name: "unknown group",
			code: "NOPE",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, model.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "group without id",
			code: "NOID",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, model.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "access denied",
			code: "LOCKED",
			check: func(t *testing.T, err error) {
				var denied *AccessDeniedError
				if !errors.As(err, &denied) {
					t.Fatalf("expected AccessDeniedError, got %v", err)
				}
				if diff := cmp.Diff("Subscription expired", denied.Message); diff != "" {
					t.Errorf("message mismatch (-want +got):\n%s", diff)
				}
				if errors.Is(err, model.ErrNotFound) {
					t.Error("access denied must not look like not found")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, dir, store := newTestRegistry(t)

			_, err := r.Subscribe(ctx, SubscribeRequest{ChatID: 1, ChatType: model.ChatGroup, GroupCode: tt.code})
			tt.check(t, err)

			all, err := store.ListSubscriptions(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 0 {
				t.Errorf("rejected subscribe must not write, got %d rows", len(all))
			}
			if len(dir.registered) != 0 {
				t.Errorf("rejected subscribe must not register with backend")
			}
		})
	}
}

func TestSubscribeAllowsWhenAccessCheckFails(t *testing.T) {
	ctx := context.Background()
	r, dir, _ := newTestRegistry(t)
	dir.checkErr = errors.New("connection refused")

	if _, err := r.Subscribe(ctx, SubscribeRequest{ChatID: 1, ChatType: model.ChatGroup, GroupCode: "LOCKED"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestResubscribeKeepsSingleRow(t *testing.T) {
	ctx := context.Background()
	r, _, store := newTestRegistry(t)

	first, err := r.Subscribe(ctx, SubscribeRequest{ChatID: 1, ChatType: model.ChatGroup, GroupCode: "KI_25-09"})
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	if _, err := r.TogglePreference(ctx, 1, model.PrefPresent); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := r.Unsubscribe(ctx, 1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	before, err := store.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	second, err := r.Subscribe(ctx, SubscribeRequest{ChatID: 1, ChatType: model.ChatGroup, GroupCode: "KI_25-10"})
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	after, err := store.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(len(before), len(after)); diff != "" {
		t.Errorf("row count changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(first.ID, second.ID); diff != "" {
		t.Errorf("row id changed (-want +got):\n%s", diff)
	}

	got, err := r.Active(ctx, 1)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if diff := cmp.Diff("KI_25-10", got.GroupCode); diff != "" {
		t.Errorf("group binding mismatch (-want +got):\n%s", diff)
	}
	if got.NotifyPresent {
		t.Error("resubscribe must reset preferences to defaults")
	}
}

func TestUnsubscribeAndToggleRequireActiveSubscription(t *testing.T) {
	ctx := context.Background()
	r, dir, _ := newTestRegistry(t)

	if _, err := r.Unsubscribe(ctx, 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Unsubscribe() expected ErrNotFound, got %v", err)
	}
	if _, err := r.TogglePreference(ctx, 1, model.PrefLate); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("TogglePreference() expected ErrNotFound, got %v", err)
	}

	if _, err := r.Subscribe(ctx, SubscribeRequest{ChatID: 1, ChatType: model.ChatGroup, GroupCode: "KI_25-09"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub, err := r.TogglePreference(ctx, 1, model.PrefAbsent)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if sub.NotifyAbsent || !sub.NotifyLate || sub.NotifyPresent {
		t.Errorf("toggle must flip only notify_absent, got late=%v absent=%v present=%v",
			sub.NotifyLate, sub.NotifyAbsent, sub.NotifyPresent)
	}

	if _, err := r.Unsubscribe(ctx, 1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if diff := cmp.Diff([]int64{1}, dir.removed); diff != "" {
		t.Errorf("backend unregister mismatch (-want +got):\n%s", diff)
	}
	active, err := r.ListActive(ctx, 7)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active subscriptions, got %d", len(active))
	}
}

func TestListActiveByCode(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	for _, req := range []SubscribeRequest{
		{ChatID: 1, ChatType: model.ChatGroup, GroupCode: "KI_25-09"},
		{ChatID: 2, ChatType: model.ChatGroup, GroupCode: "KI_25-10"},
		{ChatID: 3, ChatType: model.ChatSupergroup, GroupCode: "KI_25-09"},
	} {
		if _, err := r.Subscribe(ctx, req); err != nil {
			t.Fatalf("subscribe %d: %v", req.ChatID, err)
		}
	}
	if _, err := r.Unsubscribe(ctx, 3); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	subs, err := r.ListActiveByCode(ctx, " ki_25-09")
	if err != nil {
		t.Fatalf("list active by code: %v", err)
	}
	var got []int64
	for _, s := range subs {
		got = append(got, s.ChatID)
	}
	if diff := cmp.Diff([]int64{1}, got); diff != "" {
		t.Errorf("audience mismatch (-want +got):\n%s", diff)
	}
}
