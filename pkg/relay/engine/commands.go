// commands.go holds the prefix-command capabilities: reminder management
// without going through the AI loop, and a runtime status report.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/capability"
	"github.com/jholhewres/relay/pkg/relay/channels"
	"github.com/jholhewres/relay/pkg/relay/reminder"
	"github.com/jholhewres/relay/pkg/relay/store"
	"github.com/jholhewres/relay/pkg/relay/tool"
)

const reminderUsage = "Usage: reminder list | reminder cancel <id> | reminder snooze <id> <minutes>"

type reminderCommands struct {
	store  *store.Store
	sched  *reminder.Scheduler
	bus    *bus.Bus
	logger *slog.Logger
}

func newReminderCommands(st *store.Store, sched *reminder.Scheduler, b *bus.Bus, logger *slog.Logger) *reminderCommands {
	return &reminderCommands{
		store:  st,
		sched:  sched,
		bus:    b,
		logger: logger.With("capability", "reminder"),
	}
}

var _ capability.CommandProvider = (*reminderCommands)(nil)

func (r *reminderCommands) Descriptor() capability.Descriptor {
	return capability.Descriptor{ID: "reminder", Kind: capability.KindCommand}
}

func (r *reminderCommands) Load(context.Context, *capability.LoadContext) error { return nil }
func (r *reminderCommands) Unload(context.Context) error                        { return nil }

func (r *reminderCommands) Commands() []string { return []string{"reminder"} }

func (r *reminderCommands) HandleCommand(ctx context.Context, cmd *bus.CommandReceived) error {
	switch cmd.Subcommand {
	case "", "list":
		return r.list(ctx, cmd)
	case "cancel":
		return r.cancel(ctx, cmd)
	case "snooze":
		return r.snooze(ctx, cmd)
	default:
		r.reply(ctx, cmd, reminderUsage)
		return nil
	}
}

func (r *reminderCommands) list(ctx context.Context, cmd *bus.CommandReceived) error {
	all, err := r.store.ListRemindersForOwner(ctx, cmd.Message.AuthorID)
	if err != nil {
		return err
	}

	var lines []string
	for _, rem := range all {
		if rem.Terminal() {
			continue
		}
		line := fmt.Sprintf("`%s` %s — due %s", rem.ID, rem.Message, rem.TriggerAt.UTC().Format("2006-01-02 15:04 MST"))
		if rem.Recurrence != "" {
			line += " (" + rem.Recurrence + ")"
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		r.reply(ctx, cmd, "No pending reminders.")
		return nil
	}
	r.reply(ctx, cmd, strings.Join(lines, "\n"))
	return nil
}

func (r *reminderCommands) cancel(ctx context.Context, cmd *bus.CommandReceived) error {
	if len(cmd.Args) < 2 {
		r.reply(ctx, cmd, reminderUsage)
		return nil
	}
	id := cmd.Args[1]

	rem, err := r.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if rem == nil || rem.OwnerID != cmd.Message.AuthorID {
		r.reply(ctx, cmd, "No reminder of yours has that ID.")
		return nil
	}

	cancelled, err := r.store.CancelReminder(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !cancelled {
		r.reply(ctx, cmd, "That reminder was already delivered or cancelled.")
		return nil
	}
	r.reply(ctx, cmd, "Reminder cancelled.")
	return nil
}

func (r *reminderCommands) snooze(ctx context.Context, cmd *bus.CommandReceived) error {
	if len(cmd.Args) < 3 {
		r.reply(ctx, cmd, reminderUsage)
		return nil
	}
	id := cmd.Args[1]
	minutes, err := strconv.Atoi(cmd.Args[2])
	if err != nil || minutes <= 0 {
		r.reply(ctx, cmd, "Snooze minutes must be a positive number.")
		return nil
	}

	rem, err := r.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if rem == nil || rem.OwnerID != cmd.Message.AuthorID {
		r.reply(ctx, cmd, "No reminder of yours has that ID.")
		return nil
	}

	next, err := r.sched.Snooze(ctx, id, time.Duration(minutes)*time.Minute)
	if err != nil {
		return err
	}
	r.reply(ctx, cmd, fmt.Sprintf("Snoozed. It will fire again at %s (`%s`).",
		next.TriggerAt.UTC().Format("15:04 MST"), next.ID))
	return nil
}

func (r *reminderCommands) reply(ctx context.Context, cmd *bus.CommandReceived, text string) {
	r.bus.Fire(ctx, bus.MessageSend{
		Platform:  cmd.Message.Platform,
		ChannelID: cmd.Message.ChannelID,
		Content:   text,
		ReplyToID: cmd.Message.ID,
	})
}

// statusCommand reports adapter health, loaded tools, and uptime.
type statusCommand struct {
	channels  *channels.Manager
	registry  *tool.Registry
	bus       *bus.Bus
	startedAt time.Time
}

func newStatusCommand(m *channels.Manager, reg *tool.Registry, b *bus.Bus, startedAt time.Time) *statusCommand {
	return &statusCommand{channels: m, registry: reg, bus: b, startedAt: startedAt}
}

var _ capability.CommandProvider = (*statusCommand)(nil)

func (s *statusCommand) Descriptor() capability.Descriptor {
	return capability.Descriptor{ID: "status", Kind: capability.KindCommand}
}

func (s *statusCommand) Load(context.Context, *capability.LoadContext) error { return nil }
func (s *statusCommand) Unload(context.Context) error                        { return nil }

func (s *statusCommand) Commands() []string { return []string{"status"} }

func (s *statusCommand) HandleCommand(ctx context.Context, cmd *bus.CommandReceived) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Up %s.\n", time.Since(s.startedAt).Round(time.Second))

	health := s.channels.HealthAll()
	platforms := make([]string, 0, len(health))
	for p := range health {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		h := health[p]
		state := "disconnected"
		if h.Connected {
			state = "connected"
		}
		fmt.Fprintf(&sb, "- %s: %s, %d errors\n", p, state, h.ErrorCount)
	}

	names := s.registry.Names()
	sort.Strings(names)
	fmt.Fprintf(&sb, "Tools: %s", strings.Join(names, ", "))

	s.bus.Fire(ctx, bus.MessageSend{
		Platform:  cmd.Message.Platform,
		ChannelID: cmd.Message.ChannelID,
		Content:   sb.String(),
		ReplyToID: cmd.Message.ID,
	})
	return nil
}
