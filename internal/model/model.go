// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ChatType mirrors the Telegram chat kinds.
type ChatType string

// Supported chat types.
const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// IsGroup reports whether the chat is a multi-member group chat.
func (t ChatType) IsGroup() bool {
	return t == ChatGroup || t == ChatSupergroup
}

// Status is the attendance status reported by the data source.
type Status string

// Attendance statuses.
const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Preference names a per-status notification switch on a subscription.
type Preference string

// Supported preferences.
const (
	PrefLate    Preference = "notify_late"
	PrefAbsent  Preference = "notify_absent"
	PrefPresent Preference = "notify_present"
)

// Preferences lists every preference in display order.
var Preferences = []Preference{PrefLate, PrefAbsent, PrefPresent}

// Subscription binds a chat to an academic group.
// There is at most one row per ChatID.
type Subscription struct {
	ID            int64
	ChatID        int64
	ChatTitle     string
	ChatType      ChatType
	GroupCode     string
	GroupID       int64
	GroupName     string
	NotifyLate    bool
	NotifyAbsent  bool
	NotifyPresent bool
	IsActive      bool
	SubscribedBy  int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Enabled reports whether the given preference is switched on.
func (s *Subscription) Enabled(p Preference) bool {
	switch p {
	case PrefLate:
		return s.NotifyLate
	case PrefAbsent:
		return s.NotifyAbsent
	case PrefPresent:
		return s.NotifyPresent
	}
	return false
}

// Toggle flips a single preference. It returns false for unknown preferences.
func (s *Subscription) Toggle(p Preference) bool {
	switch p {
	case PrefLate:
		s.NotifyLate = !s.NotifyLate
	case PrefAbsent:
		s.NotifyAbsent = !s.NotifyAbsent
	case PrefPresent:
		s.NotifyPresent = !s.NotifyPresent
	default:
		return false
	}
	return true
}

// DeliveryRecord marks an attendance event as delivered to a chat.
type DeliveryRecord struct {
	ChatID      int64
	EventID     int64
	Status      Status
	StudentName string
	MessageID   int
	SentAt      time.Time
}

// Registration links a Telegram user to a student for personal messages.
type Registration struct {
	ID               int64
	TelegramID       int64
	TelegramUsername string
	StudentID        int64
	StudentName      string
	GroupCode        string
	IsVerified       bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AttendanceEvent is a single attendance change from the data source.
type AttendanceEvent struct {
	ID           int64  `json:"id"`
	StudentID    int64  `json:"student_id,omitempty"`
	StudentName  string `json:"student_name"`
	Status       Status `json:"status"`
	Reason       string `json:"reason,omitempty"`
	LateMinutes  int    `json:"late_minutes,omitempty"`
	LessonNumber int    `json:"lesson_number,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Date         string `json:"date"`
	GroupCode    string `json:"group_code,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Birthday is a student whose birthday is today.
type Birthday struct {
	StudentID int64  `json:"student_id"`
	UserID    *int64 `json:"user_id,omitempty"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	GroupCode string `json:"group_code,omitempty"`
	GroupID   *int64 `json:"group_id,omitempty"`
}

// Group is an academic group from the external directory.
type Group struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	Faculty      string `json:"faculty,omitempty"`
	CourseYear   int    `json:"course_year,omitempty"`
	StudentCount int    `json:"student_count,omitempty"`
}

// AccessCheck is the gating policy verdict for a group.
type AccessCheck struct {
	HasAccess bool   `json:"has_access"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ChatRegistration is sent to the backend when a chat subscribes.
type ChatRegistration struct {
	ChatID    int64    `json:"chat_id"`
	GroupCode string   `json:"group_code"`
	ChatType  ChatType `json:"chat_type"`
	ChatTitle string   `json:"chat_title"`
}

// Verification is the backend answer to a student verification attempt.
type Verification struct {
	Verified    bool   `json:"verified"`
	StudentName string `json:"student_name,omitempty"`
	GroupCode   string `json:"group_code,omitempty"`
	Message     string `json:"message,omitempty"`
}
