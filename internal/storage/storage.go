// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"unicontrol_bot/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	GetSubscription(ctx context.Context, chatID int64) (*model.Subscription, error)
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
	ListActiveByGroup(ctx context.Context, groupID int64) ([]model.Subscription, error)
	ListActiveByGroupCode(ctx context.Context, groupCode string) ([]model.Subscription, error)

	AlreadySent(ctx context.Context, chatID, eventID int64) (bool, error)
	RecordSent(ctx context.Context, rec *model.DeliveryRecord) (bool, error)
	ListDeliveries(ctx context.Context, eventID int64) ([]model.DeliveryRecord, error)

	SaveRegistration(ctx context.Context, reg *model.Registration) error
	GetRegistration(ctx context.Context, telegramID int64) (*model.Registration, error)
	VerifiedRegistrationByStudent(ctx context.Context, studentID int64) (*model.Registration, error)

	GreetingLedger

	Close() error
}

// GreetingLedger records which students were greeted on a given local day.
// Days are formatted as YYYY-MM-DD in the dispatcher's time zone.
type GreetingLedger interface {
	Greeted(ctx context.Context, studentID int64, day string) (bool, error)
	MarkGreeted(ctx context.Context, studentID int64, name, day string) error
	ForgetDay(ctx context.Context, day string) error
}
