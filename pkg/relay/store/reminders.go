// Package store – reminders.go persists scheduled reminders. Rows are
// append-mostly: recurrence and snoozes create new rows, delivery and
// cancellation only flip a row into its terminal state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrPastTrigger rejects reminders whose trigger time is not in the future.
var ErrPastTrigger = errors.New("trigger time must be in the future")

// Reminder is one scheduled delivery. DeliveredAt and CancelledAt are
// mutually exclusive; a row with either set is terminal.
type Reminder struct {
	ID              string
	OwnerID         string
	Platform        string
	ChannelID       string
	GuildID         string
	Message         string
	TriggerAt       time.Time
	Recurrence      string // "", "daily", "weekly", "monthly"
	RepeatEndAt     *time.Time
	SnoozeCount     int
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	OriginalID      string // root reminder of a snooze chain, "" for originals
	SourceMessageID string
	CreatedAt       time.Time
}

// Terminal reports whether the reminder can never fire again.
func (r *Reminder) Terminal() bool {
	return r.DeliveredAt != nil || r.CancelledAt != nil
}

const reminderColumns = `id, owner_id, platform, channel_id, guild_id, message,
	trigger_at, recurrence, repeat_end_at, snooze_count, delivered_at,
	cancelled_at, original_id, source_msg_id, created_at`

// CreateReminder persists a new reminder. The trigger time must be strictly
// in the future at creation time.
func (s *Store) CreateReminder(ctx context.Context, r *Reminder) error {
	now := time.Now()
	if !r.TriggerAt.After(now) {
		return ErrPastTrigger
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	query := `INSERT INTO reminders (` + reminderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.execContext(ctx, query,
		r.ID, r.OwnerID, r.Platform, r.ChannelID, r.GuildID, r.Message,
		formatTime(r.TriggerAt), r.Recurrence, nullTime(r.RepeatEndAt),
		r.SnoozeCount, nullTime(r.DeliveredAt), nullTime(r.CancelledAt),
		r.OriginalID, r.SourceMessageID, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating reminder: %w", err)
	}
	return nil
}

// GetReminder returns one reminder by ID, or nil when absent.
func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = ?`
	rows, err := s.queryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying reminder: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanReminder(rows)
}

// DueReminders returns every non-terminal reminder whose trigger time is at
// or before now, oldest first.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders
		WHERE trigger_at <= ? AND delivered_at IS NULL AND cancelled_at IS NULL
		ORDER BY trigger_at ASC`
	rows, err := s.queryContext(ctx, query, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying due reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRemindersForOwner returns the owner's non-terminal reminders soonest
// first.
func (s *Store) ListRemindersForOwner(ctx context.Context, ownerID string) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders
		WHERE owner_id = ? AND delivered_at IS NULL AND cancelled_at IS NULL
		ORDER BY trigger_at ASC`
	rows, err := s.queryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying owner reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderDelivered flips the reminder into its delivered terminal state.
// It returns false when the row was already terminal (or missing), so a
// concurrent scheduler can use it as a claim.
func (s *Store) MarkReminderDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE reminders SET delivered_at = ?
		WHERE id = ? AND delivered_at IS NULL AND cancelled_at IS NULL`
	res, err := s.execContext(ctx, query, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("marking reminder delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelReminder flips the reminder into its cancelled terminal state. It
// returns false and mutates nothing when the reminder is already delivered
// or cancelled.
func (s *Store) CancelReminder(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE reminders SET cancelled_at = ?
		WHERE id = ? AND delivered_at IS NULL AND cancelled_at IS NULL`
	res, err := s.execContext(ctx, query, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("cancelling reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanReminder(rows *sql.Rows) (*Reminder, error) {
	var r Reminder
	var triggerAt, createdAt string
	var repeatEnd, delivered, cancelled sql.NullString
	err := rows.Scan(&r.ID, &r.OwnerID, &r.Platform, &r.ChannelID, &r.GuildID,
		&r.Message, &triggerAt, &r.Recurrence, &repeatEnd, &r.SnoozeCount,
		&delivered, &cancelled, &r.OriginalID, &r.SourceMessageID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scanning reminder: %w", err)
	}

	if r.TriggerAt, err = parseTime(triggerAt); err != nil {
		return nil, fmt.Errorf("parsing trigger time: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing creation time: %w", err)
	}
	if r.RepeatEndAt, err = parseNullTime(repeatEnd); err != nil {
		return nil, fmt.Errorf("parsing repeat end: %w", err)
	}
	if r.DeliveredAt, err = parseNullTime(delivered); err != nil {
		return nil, fmt.Errorf("parsing delivery time: %w", err)
	}
	if r.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return nil, fmt.Errorf("parsing cancel time: %w", err)
	}
	return &r, nil
}
