// Package reminder delivers stored reminders when they come due. A single
// poll loop claims due rows in the store (mark-then-act, so a crash between
// claim and delivery drops a reminder rather than double-firing it) and
// publishes them on the event bus for whichever channel adapter owns the
// target platform.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/store"
)

// pollInterval is how often the scheduler checks for due reminders.
const pollInterval = 5 * time.Second

// Recurrence values accepted on a reminder.
const (
	RecurrenceNone    = ""
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
)

// Scheduler polls the store and fires due reminders on the bus.
type Scheduler struct {
	store    *store.Store
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start to begin polling.
func NewScheduler(st *store.Store, b *bus.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		bus:      b,
		logger:   logger.With("component", "reminder"),
		interval: pollInterval,
		stop:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the poll loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Sweep(context.Background(), now)
		}
	}
}

// Sweep delivers every reminder due at now. Exported so a due check can run
// on demand (startup catch-up, tests) without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.logger.Error("listing due reminders failed", "error", err)
		return
	}

	for _, r := range due {
		// Claim the row before acting. Losing the claim means another
		// sweep (or process) already owns this delivery.
		claimed, err := s.store.MarkReminderDelivered(ctx, r.ID, now)
		if err != nil {
			s.logger.Error("claiming reminder failed", "reminder_id", r.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		s.logger.Info("reminder due",
			"reminder_id", r.ID,
			"platform", r.Platform,
			"channel_id", r.ChannelID)
		err = s.bus.Emit(ctx, bus.ReminderDue{
			ReminderID: r.ID,
			Platform:   r.Platform,
			ChannelID:  r.ChannelID,
			OwnerID:    r.OwnerID,
			Content:    r.Message,
		})
		if err != nil {
			s.logger.Error("publishing reminder failed", "reminder_id", r.ID, "error", err)
		}

		if err := s.scheduleNext(ctx, r, now); err != nil {
			s.logger.Error("scheduling recurrence failed", "reminder_id", r.ID, "error", err)
		}
	}
}

// scheduleNext creates the next occurrence of a recurring reminder as a new
// row. The delivered row is never mutated back into a pending state.
func (s *Scheduler) scheduleNext(ctx context.Context, r *store.Reminder, now time.Time) error {
	if r.Recurrence == RecurrenceNone {
		return nil
	}

	next, err := NextOccurrence(r.Recurrence, r.TriggerAt)
	if err != nil {
		return err
	}
	// Occurrences missed while the process was down are dropped, not
	// replayed.
	if !next.After(now) {
		return nil
	}
	if r.RepeatEndAt != nil && next.After(*r.RepeatEndAt) {
		return nil
	}

	return s.store.CreateReminder(ctx, &store.Reminder{
		OwnerID:         r.OwnerID,
		Platform:        r.Platform,
		ChannelID:       r.ChannelID,
		GuildID:         r.GuildID,
		Message:         r.Message,
		TriggerAt:       next,
		Recurrence:      r.Recurrence,
		RepeatEndAt:     r.RepeatEndAt,
		OriginalID:      rootID(r),
		SourceMessageID: r.SourceMessageID,
	})
}

// Snooze re-arms a reminder as a new row due after the given delay. The new
// row references the root of the snooze chain and carries an incremented
// counter; the snoozed row itself stays terminal.
func (s *Scheduler) Snooze(ctx context.Context, id string, delay time.Duration) (*store.Reminder, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("snooze delay must be positive")
	}

	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("reminder %s not found", id)
	}

	next := &store.Reminder{
		OwnerID:         r.OwnerID,
		Platform:        r.Platform,
		ChannelID:       r.ChannelID,
		GuildID:         r.GuildID,
		Message:         r.Message,
		TriggerAt:       time.Now().Add(delay),
		SnoozeCount:     r.SnoozeCount + 1,
		OriginalID:      rootID(r),
		SourceMessageID: r.SourceMessageID,
	}
	if err := s.store.CreateReminder(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// NextOccurrence computes the follow-up trigger for a recurrence. Monthly
// recurrence uses calendar months, so Jan 31 rolls forward the way AddDate
// rolls it (into early March).
func NextOccurrence(recurrence string, from time.Time) (time.Time, error) {
	switch recurrence {
	case RecurrenceDaily:
		return from.AddDate(0, 0, 1), nil
	case RecurrenceWeekly:
		return from.AddDate(0, 0, 7), nil
	case RecurrenceMonthly:
		return from.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown recurrence %q", recurrence)
	}
}

func rootID(r *store.Reminder) string {
	if r.OriginalID != "" {
		return r.OriginalID
	}
	return r.ID
}
