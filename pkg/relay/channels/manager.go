// manager.go runs the registered adapters and wires them to the event bus:
// inbound platform messages become message:received / command:received
// events, and outbound events are routed back to the adapter owning the
// target platform.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

// DefaultCommandPrefix marks an inbound message as a command.
const DefaultCommandPrefix = "!"

// Manager owns the adapter set and the bus bridging.
type Manager struct {
	bus    *bus.Bus
	logger *slog.Logger
	prefix string

	mu       sync.RWMutex
	adapters map[string]Adapter

	listenWg sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a Manager publishing on the given bus.
func NewManager(b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      b,
		logger:   logger.With("component", "channels"),
		prefix:   DefaultCommandPrefix,
		adapters: make(map[string]Adapter),
	}
}

// SetPrefix overrides the command prefix. Must be called before Start.
func (m *Manager) SetPrefix(prefix string) {
	if prefix != "" {
		m.prefix = prefix
	}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	platform := a.Platform()
	if _, exists := m.adapters[platform]; exists {
		return fmt.Errorf("adapter %q already registered", platform)
	}
	m.adapters[platform] = a
	m.logger.Info("adapter registered", "platform", platform)
	return nil
}

// Start connects every registered adapter and begins bridging. Adapters
// that fail to connect are logged and skipped; Start fails only when every
// adapter failed.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.subscribeOutbound(); err != nil {
		return err
	}

	m.mu.RLock()
	snapshot := make(map[string]Adapter, len(m.adapters))
	for k, v := range m.adapters {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no adapters registered, running without platform channels")
		return nil
	}

	var connected int
	for platform, a := range snapshot {
		if err := a.Connect(m.ctx); err != nil {
			m.logger.Error("adapter connect failed", "platform", platform, "error", err)
			continue
		}
		connected++
		m.logger.Info("adapter connected", "platform", platform)

		m.listenWg.Add(1)
		go func(a Adapter) {
			defer m.listenWg.Done()
			m.listen(a)
		}(a)
	}

	if connected == 0 {
		return fmt.Errorf("no adapter connected successfully")
	}
	m.logger.Info("channel manager started", "adapters_connected", connected)
	return nil
}

// Stop disconnects every adapter and waits for the listen goroutines.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for platform, a := range m.adapters {
		if err := a.Disconnect(); err != nil {
			m.logger.Error("adapter disconnect failed", "platform", platform, "error", err)
		}
	}
	m.listenWg.Wait()
	m.logger.Info("channel manager stopped")
}

// Adapter returns the adapter for a platform.
func (m *Manager) Adapter(platform string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platform]
	return a, ok
}

// Resolver returns a name-resolution callback scoped to one platform, for
// mention rewriting.
func (m *Manager) Resolver(platform string) func(ctx context.Context, guildID, name string) (string, bool) {
	return func(ctx context.Context, guildID, name string) (string, bool) {
		a, ok := m.Adapter(platform)
		if !ok || !a.Connected() {
			return "", false
		}
		return a.ResolveName(ctx, guildID, name)
	}
}

// HealthAll returns every adapter's health keyed by platform.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.adapters))
	for platform, a := range m.adapters {
		statuses[platform] = a.Health()
	}
	return statuses
}

// listen forwards one adapter's inbound messages onto the bus.
func (m *Manager) listen(a Adapter) {
	for msg := range a.Receive() {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		m.publishInbound(msg)
	}
}

// publishInbound classifies a normalized message and fires the matching
// event. Messages starting with the command prefix become command events.
func (m *Manager) publishInbound(msg *bus.Message) {
	ctx := m.ctx
	if cmd, sub, args, ok := m.parseCommand(msg.Content); ok {
		m.bus.Fire(ctx, bus.CommandReceived{
			Message:    msg,
			Command:    cmd,
			Subcommand: sub,
			Args:       args,
		})
		return
	}
	m.bus.Fire(ctx, bus.MessageReceived{Message: msg})
}

func (m *Manager) parseCommand(content string) (cmd, sub string, args []string, ok bool) {
	if !strings.HasPrefix(content, m.prefix) || len(content) <= len(m.prefix) {
		return "", "", nil, false
	}
	fields := strings.Fields(content[len(m.prefix):])
	if len(fields) == 0 {
		return "", "", nil, false
	}
	cmd = strings.ToLower(fields[0])
	args = fields[1:]
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	return cmd, sub, args, true
}

// subscribeOutbound routes outbound bus events to the owning adapter.
func (m *Manager) subscribeOutbound() error {
	if _, err := m.bus.Subscribe(bus.EventMessageSend, m.onMessageSend); err != nil {
		return err
	}
	if _, err := m.bus.Subscribe(bus.EventDMSend, m.onDMSend); err != nil {
		return err
	}
	if _, err := m.bus.Subscribe(bus.EventTypingStart, m.onTyping); err != nil {
		return err
	}
	if _, err := m.bus.Subscribe(bus.EventTypingStop, m.onTyping); err != nil {
		return err
	}
	return nil
}

func (m *Manager) onMessageSend(ctx context.Context, ev bus.Event) error {
	send := ev.(bus.MessageSend)

	err := m.deliver(ctx, send)
	if send.Ack != nil {
		send.Ack <- err
	}
	if err != nil {
		return fmt.Errorf("delivering to %s/%s: %w", send.Platform, send.ChannelID, err)
	}
	return nil
}

func (m *Manager) deliver(ctx context.Context, send bus.MessageSend) error {
	a, ok := m.Adapter(send.Platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, send.Platform)
	}
	if !a.Connected() {
		return ErrDisconnected
	}
	return a.Send(ctx, send.ChannelID, &Outgoing{
		Content:   send.Content,
		ReplyToID: send.ReplyToID,
	})
}

func (m *Manager) onDMSend(ctx context.Context, ev bus.Event) error {
	dm := ev.(bus.DMSend)
	a, ok := m.Adapter(dm.Platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, dm.Platform)
	}
	if !a.Connected() {
		return ErrDisconnected
	}
	return a.SendDM(ctx, dm.UserID, dm.Content)
}

func (m *Manager) onTyping(ctx context.Context, ev bus.Event) error {
	typing := ev.(bus.Typing)
	a, ok := m.Adapter(typing.Platform)
	if !ok || !a.Connected() {
		return nil
	}
	return a.Typing(ctx, typing.ChannelID, typing.Stop)
}
