package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/store"
)

type dueCollector struct {
	mu     sync.Mutex
	events []bus.ReminderDue
}

func (c *dueCollector) handle(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.(bus.ReminderDue))
	return nil
}

func (c *dueCollector) all() []bus.ReminderDue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.ReminderDue(nil), c.events...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *dueCollector) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(nil)
	collector := &dueCollector{}
	_, err = b.Subscribe(bus.EventReminderDue, collector.handle)
	require.NoError(t, err)

	return NewScheduler(st, b, nil), st, collector
}

func TestSweepDeliversDueReminderOnce(t *testing.T) {
	t.Parallel()
	s, st, collector := newTestScheduler(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Second)
	r := &store.Reminder{
		OwnerID: "U1", Platform: "discord", ChannelID: "C1",
		Message: "drink water", TriggerAt: trigger,
	}
	require.NoError(t, st.CreateReminder(ctx, r))

	// Not due yet.
	s.Sweep(ctx, trigger.Add(-time.Minute))
	assert.Empty(t, collector.all())

	now := trigger.Add(2 * time.Second)
	s.Sweep(ctx, now)
	s.Sweep(ctx, now.Add(time.Minute))

	events := collector.all()
	require.Len(t, events, 1)
	assert.Equal(t, r.ID, events[0].ReminderID)
	assert.Equal(t, "drink water", events[0].Content)
	assert.Equal(t, "discord", events[0].Platform)

	got, err := st.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
}

func TestSweepSkipsCancelledReminders(t *testing.T) {
	t.Parallel()
	s, st, collector := newTestScheduler(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Second)
	r := &store.Reminder{
		OwnerID: "U1", Platform: "discord", ChannelID: "C1",
		Message: "never", TriggerAt: trigger,
	}
	require.NoError(t, st.CreateReminder(ctx, r))
	ok, err := st.CancelReminder(ctx, r.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	s.Sweep(ctx, trigger.Add(time.Hour))
	assert.Empty(t, collector.all())
}

func TestDailyRecurrenceSchedulesNextDay(t *testing.T) {
	t.Parallel()
	s, st, collector := newTestScheduler(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Second)
	r := &store.Reminder{
		OwnerID: "U1", Platform: "discord", ChannelID: "C1",
		Message: "stand up", TriggerAt: trigger, Recurrence: RecurrenceDaily,
	}
	require.NoError(t, st.CreateReminder(ctx, r))

	s.Sweep(ctx, trigger.Add(2*time.Second))
	require.Len(t, collector.all(), 1)

	pending, err := st.ListRemindersForOwner(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	next := pending[0]
	assert.NotEqual(t, r.ID, next.ID)
	assert.Equal(t, RecurrenceDaily, next.Recurrence)
	assert.Equal(t, r.ID, next.OriginalID)

	stored := trigger.UTC().Truncate(time.Second)
	assert.True(t, next.TriggerAt.Equal(stored.AddDate(0, 0, 1)))
}

func TestRecurrenceStopsAtRepeatEnd(t *testing.T) {
	t.Parallel()
	s, st, collector := newTestScheduler(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Second)
	end := trigger.Add(12 * time.Hour) // before the next daily occurrence
	r := &store.Reminder{
		OwnerID: "U1", Platform: "discord", ChannelID: "C1",
		Message: "short lived", TriggerAt: trigger,
		Recurrence: RecurrenceDaily, RepeatEndAt: &end,
	}
	require.NoError(t, st.CreateReminder(ctx, r))

	s.Sweep(ctx, trigger.Add(2*time.Second))
	require.Len(t, collector.all(), 1)

	pending, err := st.ListRemindersForOwner(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecurrenceDropsOccurrencesMissedDuringDowntime(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Second)
	r := &store.Reminder{
		OwnerID: "U1", Platform: "discord", ChannelID: "C1",
		Message: "daily", TriggerAt: trigger, Recurrence: RecurrenceDaily,
	}
	require.NoError(t, st.CreateReminder(ctx, r))

	// The process was down for three days, so the computed follow-up is
	// already in the past. It is dropped, not replayed.
	s.Sweep(ctx, trigger.Add(72*time.Hour))

	pending, err := st.ListRemindersForOwner(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSnoozeCreatesChainedReminder(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Second)
	r := &store.Reminder{
		OwnerID: "U1", Platform: "discord", ChannelID: "C1",
		Message: "call mom", TriggerAt: trigger,
	}
	require.NoError(t, st.CreateReminder(ctx, r))
	s.Sweep(ctx, trigger.Add(2*time.Second))

	first, err := s.Snooze(ctx, r.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SnoozeCount)
	assert.Equal(t, r.ID, first.OriginalID)
	assert.True(t, first.TriggerAt.After(time.Now()))

	// Snoozing the snooze still points at the root of the chain.
	second, err := s.Snooze(ctx, first.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, second.SnoozeCount)
	assert.Equal(t, r.ID, second.OriginalID)

	_, err = s.Snooze(ctx, "missing", time.Minute)
	assert.Error(t, err)

	_, err = s.Snooze(ctx, r.ID, 0)
	assert.Error(t, err)
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

	next, err := NextOccurrence(RecurrenceDaily, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), next)

	next, err = NextOccurrence(RecurrenceWeekly, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC), next)

	// Calendar months roll Jan 31 forward past February.
	next, err = NextOccurrence(RecurrenceMonthly, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), next)

	_, err = NextOccurrence("fortnightly", from)
	assert.Error(t, err)
}
