package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

type fakeAdapter struct {
	platform string
	inbound  chan *bus.Message

	mu        sync.Mutex
	connected bool
	sends     []Outgoing
	dms       []string
	typings   int
}

func newFakeAdapter(platform string) *fakeAdapter {
	return &fakeAdapter{platform: platform, inbound: make(chan *bus.Message, 16)}
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.connected = false
		close(f.inbound)
	}
	return nil
}

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Receive() <-chan *bus.Message { return f.inbound }

func (f *fakeAdapter) Send(_ context.Context, _ string, out *Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, *out)
	return nil
}

func (f *fakeAdapter) SendDM(_ context.Context, userID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, userID+": "+content)
	return nil
}

func (f *fakeAdapter) Typing(_ context.Context, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings++
	return nil
}

func (f *fakeAdapter) ResolveName(_ context.Context, _, name string) (string, bool) {
	if name == "ana" {
		return "U1", true
	}
	return "", false
}

func (f *fakeAdapter) Health() HealthStatus {
	return HealthStatus{Connected: f.Connected()}
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) handle(_ context.Context, ev bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) all() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Event(nil), s.events...)
}

func startManager(t *testing.T, adapters ...Adapter) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	m := NewManager(b, nil)
	for _, a := range adapters {
		require.NoError(t, m.Register(a))
	}
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, b
}

func TestInboundMessagesBecomeBusEvents(t *testing.T) {
	adapter := newFakeAdapter("discord")
	_, b := startManager(t, adapter)

	sink := &eventSink{}
	_, err := b.Subscribe(bus.EventMessageReceived, sink.handle)
	require.NoError(t, err)

	adapter.inbound <- &bus.Message{ID: "M1", Platform: "discord", ChannelID: "C1", Content: "hello"}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 10*time.Millisecond)
	got := sink.all()[0].(bus.MessageReceived)
	assert.Equal(t, "hello", got.Message.Content)
}

func TestCommandPrefixRoutesToCommandEvent(t *testing.T) {
	adapter := newFakeAdapter("discord")
	_, b := startManager(t, adapter)

	sink := &eventSink{}
	_, err := b.Subscribe(bus.EventCommandReceived, sink.handle)
	require.NoError(t, err)

	adapter.inbound <- &bus.Message{ID: "M1", Platform: "discord", ChannelID: "C1", Content: "!Reminder list all"}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 10*time.Millisecond)
	cmd := sink.all()[0].(bus.CommandReceived)
	assert.Equal(t, "reminder", cmd.Command)
	assert.Equal(t, "list", cmd.Subcommand)
	assert.Equal(t, []string{"list", "all"}, cmd.Args)
}

func TestOutboundEventsRouteToOwningAdapter(t *testing.T) {
	discord := newFakeAdapter("discord")
	console := newFakeAdapter("console")
	_, b := startManager(t, discord, console)

	ack := make(chan error, 1)
	require.NoError(t, b.Emit(context.Background(), bus.MessageSend{
		Platform: "discord", ChannelID: "C1", Content: "hi", ReplyToID: "M1", Ack: ack,
	}))
	require.NoError(t, <-ack)

	assert.Equal(t, 1, discord.sentCount())
	assert.Equal(t, 0, console.sentCount())
	assert.Equal(t, Outgoing{Content: "hi", ReplyToID: "M1"}, discord.sends[0])
}

func TestSendToUnknownPlatformAcksWithError(t *testing.T) {
	adapter := newFakeAdapter("discord")
	_, b := startManager(t, adapter)

	ack := make(chan error, 1)
	err := b.Emit(context.Background(), bus.MessageSend{
		Platform: "matrix", ChannelID: "C1", Content: "hi", Ack: ack,
	})
	assert.Error(t, err)
	assert.ErrorIs(t, <-ack, ErrUnknownPlatform)
}

func TestDMAndTypingRouting(t *testing.T) {
	adapter := newFakeAdapter("discord")
	_, b := startManager(t, adapter)
	ctx := context.Background()

	require.NoError(t, b.Emit(ctx, bus.DMSend{Platform: "discord", UserID: "U1", Content: "psst"}))
	require.NoError(t, b.Emit(ctx, bus.Typing{Platform: "discord", ChannelID: "C1"}))
	require.NoError(t, b.Emit(ctx, bus.Typing{Platform: "discord", ChannelID: "C1", Stop: true}))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, []string{"U1: psst"}, adapter.dms)
	assert.Equal(t, 2, adapter.typings)
}

func TestResolverUsesAdapter(t *testing.T) {
	adapter := newFakeAdapter("discord")
	m, _ := startManager(t, adapter)

	resolve := m.Resolver("discord")
	id, ok := resolve(context.Background(), "G1", "ana")
	assert.True(t, ok)
	assert.Equal(t, "U1", id)

	_, ok = resolve(context.Background(), "G1", "nobody")
	assert.False(t, ok)

	// Unknown platform resolves to nothing rather than erroring.
	_, ok = m.Resolver("matrix")(context.Background(), "G1", "ana")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicatePlatform(t *testing.T) {
	b := bus.New(nil)
	m := NewManager(b, nil)
	require.NoError(t, m.Register(newFakeAdapter("discord")))
	assert.Error(t, m.Register(newFakeAdapter("discord")))
}
