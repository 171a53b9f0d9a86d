// Package registry manages chat subscriptions to academic groups.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/storage"
)

// Directory is the external source of groups and access policy.
type Directory interface {
	GroupByCode(ctx context.Context, code string) (*model.Group, error)
	CheckBotAccess(ctx context.Context, groupID int64) (*model.AccessCheck, error)
	RegisterChat(ctx context.Context, reg model.ChatRegistration) error
	UnregisterChat(ctx context.Context, chatID int64) error
}

// AccessDeniedError is returned when the gating policy blocks a group.
type AccessDeniedError struct {
	GroupCode string
	Message   string
}

func (e *AccessDeniedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bot access denied for group %s", e.GroupCode)
	}
	return fmt.Sprintf("bot access denied for group %s: %s", e.GroupCode, e.Message)
}

// SubscribeRequest describes a chat asking to follow a group.
type SubscribeRequest struct {
	ChatID       int64
	ChatTitle    string
	ChatType     model.ChatType
	GroupCode    string
	SubscribedBy int64
}

// Registry maps chats to academic groups and their notification preferences.
type Registry struct {
	store storage.Storage
	dir   Directory
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Registry.
func New(store storage.Storage, dir Directory, log *slog.Logger) *Registry {
	return &Registry{
		store: store,
		dir:   dir,
		log:   log,
		now:   time.Now,
	}
}

// NormalizeCode upper-cases and trims a group code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Subscribe binds the chat to a group. Unknown groups fail with model.ErrNotFound,
// blocked groups with *AccessDeniedError; neither writes anything.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) (*model.Subscription, error) {
	code := NormalizeCode(req.GroupCode)
	if code == "" {
		return nil, fmt.Errorf("group code is required")
	}

	group, err := r.dir.GroupByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if group.Code == "" {
		group.Code = code
	}
	group.Code = NormalizeCode(group.Code)

	// Attendance is polled by group id, so a row without one would never be served.
	if group.ID == 0 {
		r.log.Warn("group has no id", "group_code", code)
		return nil, fmt.Errorf("group %s has no id: %w", code, model.ErrNotFound)
	}

	check, err := r.dir.CheckBotAccess(ctx, group.ID)
	switch {
	case err != nil:
		r.log.Warn("bot access check failed, allowing", "group_code", code, "error", err)
	case !check.HasAccess:
		msg := check.Message
		if msg == "" {
			msg = check.Reason
		}
		return nil, &AccessDeniedError{GroupCode: code, Message: msg}
	}

	prev, err := r.current(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	row, err := Transition(req.ChatID, prev, Subscribe{
		Group:     *group,
		ChatTitle: req.ChatTitle,
		ChatType:  req.ChatType,
		By:        req.SubscribedBy,
	}, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveSubscription(ctx, &row); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	r.log.Info("chat subscribed", "chat_id", req.ChatID, "group_code", code, "group_id", group.ID)

	reg := model.ChatRegistration{ChatID: req.ChatID, GroupCode: code, ChatType: req.ChatType, ChatTitle: req.ChatTitle}
	if err := r.dir.RegisterChat(ctx, reg); err != nil {
		r.log.Warn("register chat with backend", "chat_id", req.ChatID, "error", err)
	}
	return &row, nil
}

// Unsubscribe deactivates the chat's subscription, keeping the row.
func (r *Registry) Unsubscribe(ctx context.Context, chatID int64) (*model.Subscription, error) {
	row, err := r.apply(ctx, chatID, Unsubscribe{})
	if err != nil {
		return nil, err
	}

	r.log.Info("chat unsubscribed", "chat_id", chatID, "group_code", row.GroupCode)

	if err := r.dir.UnregisterChat(ctx, chatID); err != nil {
		r.log.Warn("unregister chat with backend", "chat_id", chatID, "error", err)
	}
	return row, nil
}

// TogglePreference flips one preference on the chat's active subscription.
func (r *Registry) TogglePreference(ctx context.Context, chatID int64, pref model.Preference) (*model.Subscription, error) {
	row, err := r.apply(ctx, chatID, Toggle{Pref: pref})
	if err != nil {
		return nil, err
	}
	r.log.Info("preference toggled", "chat_id", chatID, "preference", pref, "enabled", row.Enabled(pref))
	return row, nil
}

// Active returns the chat's active subscription or ErrNotSubscribed.
func (r *Registry) Active(ctx context.Context, chatID int64) (*model.Subscription, error) {
	sub, err := r.current(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if _, ok := StateOf(sub).(Active); !ok {
		return nil, ErrNotSubscribed
	}
	return sub, nil
}

// ListActive returns the active audience of a group in registry order.
func (r *Registry) ListActive(ctx context.Context, groupID int64) ([]model.Subscription, error) {
	return r.store.ListActiveByGroup(ctx, groupID)
}

// ListAllActive returns every active subscription in registry order.
func (r *Registry) ListAllActive(ctx context.Context) ([]model.Subscription, error) {
	return r.store.ListActiveSubscriptions(ctx)
}

// ListActiveByCode returns the active audience of the group with the given code.
func (r *Registry) ListActiveByCode(ctx context.Context, code string) ([]model.Subscription, error) {
	return r.store.ListActiveByGroupCode(ctx, NormalizeCode(code))
}

func (r *Registry) apply(ctx context.Context, chatID int64, cmd Command) (*model.Subscription, error) {
	prev, err := r.current(ctx, chatID)
	if err != nil {
		return nil, err
	}
	row, err := Transition(chatID, prev, cmd, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveSubscription(ctx, &row); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return &row, nil
}

// current returns the stored row or nil when the chat never subscribed.
func (r *Registry) current(ctx context.Context, chatID int64) (*model.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, chatID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}
