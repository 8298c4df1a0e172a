// Package capability – capability.go defines the provider contract.
//
// A capability provider is a pluggable unit reacting to messages, commands,
// or timers. Each provider declares its kind explicitly through its
// Descriptor; the loader validates the declared kind against the implemented
// interface once at load time instead of probing for methods at dispatch
// time.
package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

// Kind discriminates the capability contract a provider implements.
type Kind string

const (
	KindMessage Kind = "message"
	KindCommand Kind = "command"
	KindTimer   Kind = "timer"
)

// TriggerScope restricts which traffic a message provider sees.
type TriggerScope string

const (
	// ScopeAll delivers every inbound message.
	ScopeAll TriggerScope = "all"

	// ScopeMention delivers only messages addressed to the bot.
	ScopeMention TriggerScope = "mention"
)

// Descriptor declares a provider's identity, kind, and kind-specific
// restrictions.
type Descriptor struct {
	// ID is the configuration key for this capability.
	ID string

	// Kind is the declared capability kind, validated at load time.
	Kind Kind

	// Priority orders message dispatch; higher runs first.
	Priority int

	// Scope restricts message providers to mention-only or all traffic.
	// Empty means ScopeAll.
	Scope TriggerScope

	// Platforms restricts dispatch to the listed platforms. Empty means any.
	Platforms []string

	// Guilds restricts dispatch to the listed guild IDs. Empty means any.
	Guilds []string

	// Interval is the tick cadence for timer providers.
	Interval time.Duration

	// RunImmediately fires one tick at load time before the first interval.
	RunImmediately bool

	// MaxConcurrent is an advisory concurrency hint. The loader enforces
	// single-flight (overlapping ticks are skipped); values above 1 are the
	// tick handler's own business.
	MaxConcurrent int
}

// LoadContext is the shared context handed to every provider's Load hook.
type LoadContext struct {
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Provider is the base lifecycle contract every capability implements.
type Provider interface {
	// Descriptor returns the static declaration for this provider.
	Descriptor() Descriptor

	// Load is invoked once when the capability is wired up.
	Load(ctx context.Context, lc *LoadContext) error

	// Unload is invoked at shutdown. Failures are isolated per provider.
	Unload(ctx context.Context) error
}

// MessageProvider reacts to normalized inbound messages.
type MessageProvider interface {
	Provider

	// Matches is the provider's own content-based predicate, evaluated
	// after scope, platform, guild, and access filtering.
	Matches(msg *bus.Message) bool

	// Handle processes one message. Errors are logged, never fatal to the
	// dispatch loop.
	Handle(ctx context.Context, msg *bus.Message) error
}

// CommandProvider reacts to parsed commands.
type CommandProvider interface {
	Provider

	// Commands returns the command names this provider owns.
	Commands() []string

	// HandleCommand processes one command invocation.
	HandleCommand(ctx context.Context, cmd *bus.CommandReceived) error
}

// TimerProvider runs on a fixed cadence.
type TimerProvider interface {
	Provider

	// Tick runs one scheduled invocation.
	Tick(ctx context.Context) error
}
