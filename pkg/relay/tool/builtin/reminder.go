// Package builtin – reminder.go exposes reminder management as an
// AI-callable tool. All four actions operate on the caller's own reminders;
// touching someone else's reminder is a security error, not a not-found, so
// the model learns the distinction.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/relay/pkg/relay/reminder"
	"github.com/jholhewres/relay/pkg/relay/store"
	"github.com/jholhewres/relay/pkg/relay/tool"
)

// ReminderTool creates, lists, cancels, and snoozes reminders for the
// requesting user.
type ReminderTool struct {
	store  *store.Store
	sched  *reminder.Scheduler
	logger *slog.Logger
}

// NewReminderTool builds the reminder tool on top of the store and the
// scheduler that owns snooze semantics.
func NewReminderTool(st *store.Store, sched *reminder.Scheduler, logger *slog.Logger) *ReminderTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderTool{
		store:  st,
		sched:  sched,
		logger: logger.With("tool", "reminder"),
	}
}

var _ tool.Tool = (*ReminderTool)(nil)

func (r *ReminderTool) Metadata() tool.Metadata {
	return tool.Metadata{
		Name:        "reminder",
		Description: "Manage reminders for the current user: create a new reminder, list pending ones, cancel one, or snooze one for later.",
		Keywords:    []string{"reminder", "remind", "schedule", "snooze"},
		Category:    "productivity",
		Priority:    10,
	}
}

func (r *ReminderTool) Schema() json.RawMessage {
	return tool.ObjectSchema(map[string]any{
		"action": map[string]any{
			"type":        "string",
			"enum":        []string{"create", "list", "cancel", "snooze"},
			"description": "Operation to perform.",
		},
		"message": map[string]any{
			"type":        "string",
			"description": "Reminder text. Required for create.",
		},
		"in_minutes": map[string]any{
			"type":        "number",
			"minimum":     1,
			"description": "Minutes from now until the reminder fires. Required for create and snooze.",
		},
		"recurrence": map[string]any{
			"type":        "string",
			"enum":        []string{"daily", "weekly", "monthly"},
			"description": "Optional repeat cadence for create.",
		},
		"reminder_id": map[string]any{
			"type":        "string",
			"description": "Target reminder ID. Required for cancel and snooze.",
		},
	}, "action")
}

func (r *ReminderTool) Execute(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	action, _ := args["action"].(string)

	switch action {
	case "create":
		return r.create(ctx, args, tc)
	case "list":
		return r.list(ctx, tc)
	case "cancel":
		return r.cancel(ctx, args, tc)
	case "snooze":
		return r.snooze(ctx, args, tc)
	default:
		return tool.Fail(tool.ErrInvalidAction, fmt.Sprintf("unknown action %q", action), false), nil
	}
}

func (r *ReminderTool) create(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	message, _ := args["message"].(string)
	if message == "" {
		return tool.Fail(tool.ErrValidation, "create requires a message", false), nil
	}
	minutes := floatArg(args, "in_minutes")
	if minutes <= 0 {
		return tool.Fail(tool.ErrValidation, "create requires in_minutes greater than zero", false), nil
	}
	recurrence, _ := args["recurrence"].(string)

	rem := &store.Reminder{
		OwnerID:         tc.Message.AuthorID,
		Platform:        tc.Message.Platform,
		ChannelID:       tc.Message.ChannelID,
		GuildID:         tc.Message.GuildID,
		Message:         message,
		TriggerAt:       time.Now().Add(time.Duration(minutes * float64(time.Minute))),
		Recurrence:      recurrence,
		SourceMessageID: tc.Message.ID,
	}
	if err := r.store.CreateReminder(ctx, rem); err != nil {
		if errors.Is(err, store.ErrPastTrigger) {
			return tool.Fail(tool.ErrValidation, "the reminder time must be in the future", false), nil
		}
		return nil, err
	}

	r.logger.Info("reminder created", "reminder_id", rem.ID, "owner", rem.OwnerID)
	return tool.Ok(reminderPayload(rem)), nil
}

func (r *ReminderTool) list(ctx context.Context, tc *tool.Context) (*tool.Result, error) {
	all, err := r.store.ListRemindersForOwner(ctx, tc.Message.AuthorID)
	if err != nil {
		return nil, err
	}

	pending := make([]map[string]any, 0, len(all))
	for _, rem := range all {
		if rem.Terminal() {
			continue
		}
		pending = append(pending, reminderPayload(rem))
	}
	return tool.Ok(map[string]any{"reminders": pending, "count": len(pending)}), nil
}

func (r *ReminderTool) cancel(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	rem, res, err := r.owned(ctx, args, tc)
	if rem == nil {
		return res, err
	}

	cancelled, err := r.store.CancelReminder(ctx, rem.ID, time.Now())
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return tool.Fail(tool.ErrInvalidAction, "that reminder was already delivered or cancelled", false), nil
	}

	r.logger.Info("reminder cancelled", "reminder_id", rem.ID, "owner", rem.OwnerID)
	return tool.Ok(map[string]any{"id": rem.ID, "cancelled": true}), nil
}

func (r *ReminderTool) snooze(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	rem, res, err := r.owned(ctx, args, tc)
	if rem == nil {
		return res, err
	}
	minutes := floatArg(args, "in_minutes")
	if minutes <= 0 {
		return tool.Fail(tool.ErrValidation, "snooze requires in_minutes greater than zero", false), nil
	}

	next, err := r.sched.Snooze(ctx, rem.ID, time.Duration(minutes*float64(time.Minute)))
	if err != nil {
		return nil, err
	}

	r.logger.Info("reminder snoozed",
		"reminder_id", rem.ID,
		"next_id", next.ID,
		"snooze_count", next.SnoozeCount)
	return tool.Ok(reminderPayload(next)), nil
}

// owned loads the target reminder and enforces ownership. A nil reminder
// means the returned result (or error) should be surfaced as-is.
func (r *ReminderTool) owned(ctx context.Context, args map[string]any, tc *tool.Context) (*store.Reminder, *tool.Result, error) {
	id, _ := args["reminder_id"].(string)
	if id == "" {
		return nil, tool.Fail(tool.ErrValidation, "a reminder_id is required", false), nil
	}

	rem, err := r.store.GetReminder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rem == nil {
		return nil, tool.Fail(tool.ErrNotFound, fmt.Sprintf("no reminder with ID %s", id), false), nil
	}
	if rem.OwnerID != tc.Message.AuthorID {
		return nil, tool.Fail(tool.ErrSecurity, "that reminder belongs to someone else", false), nil
	}
	return rem, nil, nil
}

func reminderPayload(rem *store.Reminder) map[string]any {
	out := map[string]any{
		"id":         rem.ID,
		"message":    rem.Message,
		"trigger_at": rem.TriggerAt.UTC().Format(time.RFC3339),
	}
	if rem.Recurrence != "" {
		out["recurrence"] = rem.Recurrence
	}
	if rem.SnoozeCount > 0 {
		out["snooze_count"] = rem.SnoozeCount
	}
	return out
}

// floatArg reads a numeric argument, accepting the float64 json.Unmarshal
// produces as well as a literal int from hand-built argument maps.
func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
