// Package bus – events.go defines the closed set of event names and their
// payload types. Every payload is a concrete struct implementing Event, so
// subscribers type-assert against a fixed shape instead of digging through
// open dictionaries. Adding an event means adding a name constant and a
// payload type here; Emit rejects names outside this set.
package bus

import "time"

// Event names. The set is closed: payloads for unknown names are rejected.
const (
	// EventMessageReceived carries a normalized inbound chat message.
	EventMessageReceived = "message:received"

	// EventCommandReceived carries a parsed slash/prefix command.
	EventCommandReceived = "command:received"

	// EventMessageSend asks the platform adapter to deliver a message.
	EventMessageSend = "message:send"

	// EventDMSend asks the platform adapter to deliver a direct message.
	EventDMSend = "dm:send"

	// EventTypingStart / EventTypingStop toggle the typing indicator.
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	// EventCapabilityError is published when a subscriber panics or returns
	// an error. Errors raised while handling this event itself are only
	// logged, never re-published.
	EventCapabilityError = "capability:error"

	// EventReminderDue carries a reminder that just fired.
	EventReminderDue = "reminder:due"
)

// knownEvents is the closed registry consulted by Emit and Subscribe.
var knownEvents = map[string]bool{
	EventMessageReceived: true,
	EventCommandReceived: true,
	EventMessageSend:     true,
	EventDMSend:          true,
	EventTypingStart:     true,
	EventTypingStop:      true,
	EventCapabilityError: true,
	EventReminderDue:     true,
}

// Event is implemented by every payload type in this package.
type Event interface {
	// EventName returns the event name the payload belongs to.
	EventName() string
}

// Message is a platform-normalized chat message. Platform adapters translate
// native events into this shape before publishing; the engine never sees
// platform-specific types.
type Message struct {
	// ID is the platform message identifier.
	ID string

	// Platform identifies the source adapter (e.g. "discord", "cli").
	Platform string

	// ChannelID is the conversation the message arrived in.
	ChannelID string

	// GuildID is the guild/workspace, empty for DMs.
	GuildID string

	// AuthorID and AuthorName identify the sender.
	AuthorID   string
	AuthorName string

	// AuthorRoles are the sender's role IDs on the platform.
	AuthorRoles []string

	// Content is the plain-text body.
	Content string

	// Mentioned is true when the message is addressed to the bot
	// (mention, reply to the bot, or DM).
	Mentioned bool

	// FromBot is true for messages authored by the bot itself.
	FromBot bool

	// IsDM is true for direct messages.
	IsDM bool

	// ReplyToID references the message this one replies to, if any.
	ReplyToID string

	// Participants maps user IDs to display names for everyone recently
	// seen in the conversation. Used for @mention rewriting on the way out.
	Participants map[string]string

	Timestamp time.Time
}

// MessageReceived is the payload for EventMessageReceived.
type MessageReceived struct {
	Message *Message
}

func (MessageReceived) EventName() string { return EventMessageReceived }

// CommandReceived is the payload for EventCommandReceived.
type CommandReceived struct {
	Message *Message

	// Command is the top-level command name without prefix.
	Command string

	// Subcommand is the first argument when the command declares
	// subcommands, empty otherwise.
	Subcommand string

	// Args are the remaining arguments.
	Args []string
}

func (CommandReceived) EventName() string { return EventCommandReceived }

// MessageSend is the payload for EventMessageSend.
type MessageSend struct {
	Platform  string
	ChannelID string
	Content   string

	// ReplyToID attaches the outbound message as a reply.
	ReplyToID string

	// Ack, when non-nil, receives the delivery result from the adapter.
	// Senders that care about delivery wait on it with a bounded timeout.
	Ack chan<- error
}

func (MessageSend) EventName() string { return EventMessageSend }

// DMSend is the payload for EventDMSend.
type DMSend struct {
	Platform string
	UserID   string
	Content  string
}

func (DMSend) EventName() string { return EventDMSend }

// Typing is the payload for EventTypingStart and EventTypingStop.
type Typing struct {
	Platform  string
	ChannelID string
	Stop      bool
}

func (t Typing) EventName() string {
	if t.Stop {
		return EventTypingStop
	}
	return EventTypingStart
}

// CapabilityError is the payload for EventCapabilityError.
type CapabilityError struct {
	// Source names the subscriber or capability that failed.
	Source string

	// Event is the name of the event being handled when the failure occurred.
	Event string

	Err error
}

func (CapabilityError) EventName() string { return EventCapabilityError }

// ReminderDue is the payload for EventReminderDue.
type ReminderDue struct {
	ReminderID string
	Platform   string
	ChannelID  string
	OwnerID    string
	Content    string
}

func (ReminderDue) EventName() string { return EventReminderDue }
