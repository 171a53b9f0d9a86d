package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"unicontrol_bot/internal/model"
	"unicontrol_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

const subscriptionColumns = `id, chat_id, chat_title, chat_type, group_code, group_id, group_name,
	notify_late, notify_absent, notify_present, is_active, subscribed_by, created_at, updated_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetSubscription returns the subscription row for a chat in any state.
func (s *SQLite) GetSubscription(ctx context.Context, chatID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE chat_id = ?`, chatID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return sub, err
}

// SaveSubscription inserts the row for sub.ChatID or overwrites the existing one.
// ID and CreatedAt are populated from the stored row.
func (s *SQLite) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	updatedStr := updated.UTC().Format(timeLayout)

	var created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (chat_id, chat_title, chat_type, group_code, group_id, group_name,
		     notify_late, notify_absent, notify_present, is_active, subscribed_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET
		     chat_title = excluded.chat_title,
		     chat_type = excluded.chat_type,
		     group_code = excluded.group_code,
		     group_id = excluded.group_id,
		     group_name = excluded.group_name,
		     notify_late = excluded.notify_late,
		     notify_absent = excluded.notify_absent,
		     notify_present = excluded.notify_present,
		     is_active = excluded.is_active,
		     subscribed_by = excluded.subscribed_by,
		     updated_at = excluded.updated_at
		 RETURNING id, created_at`,
		sub.ChatID, sub.ChatTitle, string(sub.ChatType), sub.GroupCode, sub.GroupID, sub.GroupName,
		boolToInt(sub.NotifyLate), boolToInt(sub.NotifyAbsent), boolToInt(sub.NotifyPresent),
		boolToInt(sub.IsActive), sub.SubscribedBy, updatedStr, updatedStr,
	).Scan(&sub.ID, &created)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	sub.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
	return nil
}

// ListSubscriptions returns every subscription row, active or not.
func (s *SQLite) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
}

// ListActiveSubscriptions returns all active subscriptions in registry order.
func (s *SQLite) ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE is_active = 1 ORDER BY id`)
}

// ListActiveByGroup returns the active audience of an academic group.
func (s *SQLite) ListActiveByGroup(ctx context.Context, groupID int64) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE is_active = 1 AND group_id = ? ORDER BY id`,
		groupID)
}

// ListActiveByGroupCode is ListActiveByGroup keyed by the group code.
func (s *SQLite) ListActiveByGroupCode(ctx context.Context, groupCode string) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE is_active = 1 AND group_code = ? ORDER BY id`,
		strings.ToUpper(strings.TrimSpace(groupCode)))
}

func (s *SQLite) querySubscriptions(ctx context.Context, query string, args ...any) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// AlreadySent reports whether the event was delivered to the chat.
func (s *SQLite) AlreadySent(ctx context.Context, chatID, eventID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE chat_id = ? AND event_id = ?`,
		chatID, eventID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return count > 0, nil
}

// RecordSent appends a delivery record. It returns false when a record for the
// same (chat, event) pair already exists.
func (s *SQLite) RecordSent(ctx context.Context, rec *model.DeliveryRecord) (bool, error) {
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (chat_id, event_id, status, student_name, message_id, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, event_id) DO NOTHING`,
		rec.ChatID, rec.EventID, string(rec.Status), rec.StudentName, rec.MessageID,
		sentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListDeliveries returns the delivery records of one event ordered by insertion.
func (s *SQLite) ListDeliveries(ctx context.Context, eventID int64) ([]model.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, event_id, status, student_name, message_id, sent_at
		 FROM deliveries WHERE event_id = ? ORDER BY id`, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []model.DeliveryRecord
	for rows.Next() {
		var r model.DeliveryRecord
		var status, sentAt string
		if err := rows.Scan(&r.ChatID, &r.EventID, &status, &r.StudentName, &r.MessageID, &sentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.Status = model.Status(status)
		r.SentAt, _ = time.Parse(timeLayout, sentAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SaveRegistration inserts or overwrites the registration of a Telegram user.
func (s *SQLite) SaveRegistration(ctx context.Context, reg *model.Registration) error {
	now := time.Now().UTC().Format(timeLayout)
	var created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO registrations (telegram_id, telegram_username, student_id, student_name, group_code,
		     is_verified, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (telegram_id) DO UPDATE SET
		     telegram_username = excluded.telegram_username,
		     student_id = excluded.student_id,
		     student_name = excluded.student_name,
		     group_code = excluded.group_code,
		     is_verified = excluded.is_verified,
		     updated_at = excluded.updated_at
		 RETURNING id, created_at`,
		reg.TelegramID, reg.TelegramUsername, reg.StudentID, reg.StudentName, reg.GroupCode,
		boolToInt(reg.IsVerified), now, now,
	).Scan(&reg.ID, &created)
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	reg.CreatedAt, _ = time.Parse(timeLayout, created)
	reg.UpdatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetRegistration returns the registration of a Telegram user.
func (s *SQLite) GetRegistration(ctx context.Context, telegramID int64) (*model.Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, telegram_username, student_id, student_name, group_code, is_verified,
		     created_at, updated_at
		 FROM registrations WHERE telegram_id = ?`, telegramID,
	)
	return scanRegistration(row)
}

// VerifiedRegistrationByStudent returns the verified registration for a student.
func (s *SQLite) VerifiedRegistrationByStudent(ctx context.Context, studentID int64) (*model.Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, telegram_username, student_id, student_name, group_code, is_verified,
		     created_at, updated_at
		 FROM registrations WHERE student_id = ? AND is_verified = 1
		 ORDER BY updated_at DESC LIMIT 1`, studentID,
	)
	return scanRegistration(row)
}

// Greeted reports whether the student was already greeted on day.
func (s *SQLite) Greeted(ctx context.Context, studentID int64, day string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM birthday_greetings WHERE student_id = ? AND day = ?`,
		studentID, day,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check greeting: %w", err)
	}
	return count > 0, nil
}

// MarkGreeted records a greeting. Repeated calls for the same day are no-ops.
func (s *SQLite) MarkGreeted(ctx context.Context, studentID int64, name, day string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO birthday_greetings (student_id, day, student_name, greeted_at)
		 VALUES (?, ?, ?, ?)`,
		studentID, day, name, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("mark greeted: %w", err)
	}
	return nil
}

// ForgetDay removes every greeting recorded for day.
func (s *SQLite) ForgetDay(ctx context.Context, day string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM birthday_greetings WHERE day = ?`, day); err != nil {
		return fmt.Errorf("forget greetings: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var chatType, created, updated string
	var late, absent, present, active int
	err := row.Scan(&sub.ID, &sub.ChatID, &sub.ChatTitle, &chatType, &sub.GroupCode, &sub.GroupID,
		&sub.GroupName, &late, &absent, &present, &active, &sub.SubscribedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.ChatType = model.ChatType(chatType)
	sub.NotifyLate = late == 1
	sub.NotifyAbsent = absent == 1
	sub.NotifyPresent = present == 1
	sub.IsActive = active == 1
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	sub.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &sub, nil
}

func scanRegistration(row scannable) (*model.Registration, error) {
	var reg model.Registration
	var verified int
	var created, updated string
	err := row.Scan(&reg.ID, &reg.TelegramID, &reg.TelegramUsername, &reg.StudentID, &reg.StudentName,
		&reg.GroupCode, &verified, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	reg.IsVerified = verified == 1
	reg.CreatedAt, _ = time.Parse(timeLayout, created)
	reg.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &reg, nil
}
