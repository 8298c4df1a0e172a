// Package console is the terminal channel adapter backing the interactive
// chat command. Input lines are fed in by the caller; replies are written to
// the configured writer and mirrored on a channel so a single-shot invocation
// can wait for its answer.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/channels"
)

// ChannelID is the single conversation the console adapter maintains.
const ChannelID = "terminal"

// Console bridges stdin/stdout to the channel contract.
type Console struct {
	out    io.Writer
	logger *slog.Logger

	messages  chan *bus.Message
	replies   chan string
	connected atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	lastMsg time.Time
}

// New creates a console adapter writing replies to out.
func New(out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		out:      out,
		logger:   logger.With("channel", "console"),
		messages: make(chan *bus.Message, 16),
		replies:  make(chan string, 16),
	}
}

var _ channels.Adapter = (*Console)(nil)

func (c *Console) Platform() string { return "console" }

func (c *Console) Connect(context.Context) error {
	c.connected.Store(true)
	return nil
}

func (c *Console) Disconnect() error {
	if c.connected.CompareAndSwap(true, false) {
		c.closeOnce.Do(func() { close(c.messages) })
	}
	return nil
}

func (c *Console) Connected() bool { return c.connected.Load() }

func (c *Console) Receive() <-chan *bus.Message { return c.messages }

// Input feeds one line typed by the user into the engine. Console messages
// are always treated as direct messages to the assistant.
func (c *Console) Input(authorName, content string) error {
	if !c.connected.Load() {
		return channels.ErrDisconnected
	}

	c.mu.Lock()
	c.lastMsg = time.Now()
	c.mu.Unlock()

	c.messages <- &bus.Message{
		ID:         uuid.NewString(),
		Platform:   c.Platform(),
		ChannelID:  ChannelID,
		AuthorID:   "console",
		AuthorName: authorName,
		Content:    content,
		Mentioned:  true,
		IsDM:       true,
		Timestamp:  time.Now(),
	}
	return nil
}

func (c *Console) Send(_ context.Context, _ string, out *channels.Outgoing) error {
	if !c.connected.Load() {
		return channels.ErrDisconnected
	}
	fmt.Fprintln(c.out, out.Content)

	// Mirror for callers waiting on a specific reply; never block delivery.
	select {
	case c.replies <- out.Content:
	default:
	}
	return nil
}

func (c *Console) SendDM(ctx context.Context, _ string, content string) error {
	return c.Send(ctx, ChannelID, &channels.Outgoing{Content: content})
}

func (c *Console) Typing(context.Context, string, bool) error { return nil }

func (c *Console) ResolveName(context.Context, string, string) (string, bool) {
	return "", false
}

// Replies exposes delivered reply texts, newest last.
func (c *Console) Replies() <-chan string { return c.replies }

func (c *Console) Health() channels.HealthStatus {
	c.mu.Lock()
	last := c.lastMsg
	c.mu.Unlock()
	return channels.HealthStatus{
		Connected:     c.connected.Load(),
		LastMessageAt: last,
	}
}
