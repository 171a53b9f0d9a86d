package registry

import (
	"errors"
	"fmt"
	"time"

	"unicontrol_bot/internal/model"
)

// ErrNotSubscribed is returned for commands that need an active subscription.
var ErrNotSubscribed = fmt.Errorf("chat is not subscribed: %w", model.ErrNotFound)

// ErrUnknownPreference is returned when toggling a preference that does not exist.
var ErrUnknownPreference = errors.New("unknown preference")

// State is the subscription state of a chat: Unsubscribed or Active.
type State interface {
	isState()
}

// Unsubscribed means the chat has no row or an inactive one.
type Unsubscribed struct{}

// Active means the chat follows Group.
type Active struct {
	Group model.Group
}

func (Unsubscribed) isState() {}
func (Active) isState()       {}

// StateOf derives the state of a stored row. A nil row is Unsubscribed.
func StateOf(sub *model.Subscription) State {
	if sub == nil || !sub.IsActive {
		return Unsubscribed{}
	}
	return Active{Group: model.Group{ID: sub.GroupID, Code: sub.GroupCode, Name: sub.GroupName}}
}

// Command is an operation on a chat's subscription.
type Command interface {
	isCommand()
}

// Subscribe binds the chat to Group, replacing any previous binding.
type Subscribe struct {
	Group     model.Group
	ChatTitle string
	ChatType  model.ChatType
	By        int64
}

// Unsubscribe deactivates the chat's subscription.
type Unsubscribe struct{}

// Toggle flips one notification preference.
type Toggle struct {
	Pref model.Preference
}

func (Subscribe) isCommand()   {}
func (Unsubscribe) isCommand() {}
func (Toggle) isCommand()      {}

// Transition applies cmd to the chat's current row (nil when none exists) and
// returns the row to persist. It never touches storage. The result always
// reuses the identity of prev so a chat keeps exactly one row.
func Transition(chatID int64, prev *model.Subscription, cmd Command, now time.Time) (model.Subscription, error) {
	var row model.Subscription
	if prev != nil {
		row = *prev
	}
	row.ChatID = chatID

	switch c := cmd.(type) {
	case Subscribe:
		row.GroupID = c.Group.ID
		row.GroupCode = c.Group.Code
		row.GroupName = c.Group.Name
		row.ChatTitle = c.ChatTitle
		row.ChatType = c.ChatType
		row.SubscribedBy = c.By
		row.NotifyLate = true
		row.NotifyAbsent = true
		row.NotifyPresent = false
		row.IsActive = true

	case Unsubscribe:
		if _, ok := StateOf(prev).(Active); !ok {
			return model.Subscription{}, ErrNotSubscribed
		}
		row.IsActive = false

	case Toggle:
		if _, ok := StateOf(prev).(Active); !ok {
			return model.Subscription{}, ErrNotSubscribed
		}
		if !row.Toggle(c.Pref) {
			return model.Subscription{}, fmt.Errorf("%w: %q", ErrUnknownPreference, c.Pref)
		}

	default:
		return model.Subscription{}, fmt.Errorf("unsupported command %T", cmd)
	}

	row.UpdatedAt = now
	return row, nil
}
