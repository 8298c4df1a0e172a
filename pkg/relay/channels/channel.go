// Package channels defines the contract every platform adapter implements
// and the manager that bridges adapters to the event bus. Adapters own all
// platform I/O; the engine only ever sees normalized bus events.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

// Outgoing is a message to be delivered by an adapter.
type Outgoing struct {
	Content string

	// ReplyToID attaches the message as a reply when the platform
	// supports it.
	ReplyToID string
}

// HealthStatus reports the state of one adapter for monitoring.
type HealthStatus struct {
	Connected bool

	// LastMessageAt is when the adapter last saw an inbound message.
	LastMessageAt time.Time

	// ErrorCount accumulates send/receive errors since the last
	// successful operation.
	ErrorCount int
}

// Adapter is the contract implemented by every platform integration.
type Adapter interface {
	// Platform returns the platform identifier ("discord", "console").
	Platform() string

	// Connect establishes the platform connection. Must be called before
	// Send/Receive.
	Connect(ctx context.Context) error

	// Disconnect shuts the connection down, closing the Receive channel.
	Disconnect() error

	// Connected reports whether the adapter is usable.
	Connected() bool

	// Receive emits normalized inbound messages. Closed on Disconnect.
	Receive() <-chan *bus.Message

	// Send delivers a message to a channel on the platform.
	Send(ctx context.Context, channelID string, out *Outgoing) error

	// SendDM delivers a direct message to a user.
	SendDM(ctx context.Context, userID, content string) error

	// Typing toggles the platform's typing indicator.
	Typing(ctx context.Context, channelID string, stop bool) error

	// ResolveName resolves a display name to a user id within a guild.
	// ok is false when the name is unknown.
	ResolveName(ctx context.Context, guildID, name string) (userID string, ok bool)

	// Health returns the adapter's health for monitoring.
	Health() HealthStatus
}

// ErrDisconnected indicates the adapter is not connected.
var ErrDisconnected = errors.New("channel is not connected")

// ErrUnknownPlatform indicates no adapter is registered for a platform.
var ErrUnknownPlatform = errors.New("no adapter for platform")
