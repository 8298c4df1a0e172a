package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/relay/pkg/relay/access"
	"github.com/jholhewres/relay/pkg/relay/bus"
)

// fakeMessageProvider records handled messages for assertions.
type fakeMessageProvider struct {
	desc     Descriptor
	match    func(*bus.Message) bool
	handle   func(context.Context, *bus.Message) error
	loaded   atomic.Bool
	unloaded atomic.Bool

	mu      sync.Mutex
	handled []string
}

func (f *fakeMessageProvider) Descriptor() Descriptor { return f.desc }

func (f *fakeMessageProvider) Load(ctx context.Context, lc *LoadContext) error {
	f.loaded.Store(true)
	return nil
}

func (f *fakeMessageProvider) Unload(ctx context.Context) error {
	f.unloaded.Store(true)
	return nil
}

func (f *fakeMessageProvider) Matches(msg *bus.Message) bool {
	if f.match != nil {
		return f.match(msg)
	}
	return true
}

func (f *fakeMessageProvider) Handle(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	f.handled = append(f.handled, msg.ID)
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(ctx, msg)
	}
	return nil
}

func (f *fakeMessageProvider) handledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handled...)
}

// fakeTimerProvider counts ticks.
type fakeTimerProvider struct {
	desc  Descriptor
	ticks atomic.Int32
	block chan struct{}
}

func (f *fakeTimerProvider) Descriptor() Descriptor                       { return f.desc }
func (f *fakeTimerProvider) Load(ctx context.Context, lc *LoadContext) error { return nil }
func (f *fakeTimerProvider) Unload(ctx context.Context) error             { return nil }

func (f *fakeTimerProvider) Tick(ctx context.Context) error {
	f.ticks.Add(1)
	if f.block != nil {
		<-f.block
	}
	return nil
}

func msgEvent(msg *bus.Message) bus.MessageReceived {
	return bus.MessageReceived{Message: msg}
}

func TestLoad_SkipsUnconfiguredCapabilities(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	features := map[string]*access.Policy{"wanted": nil}
	l := NewLoader(b, features, nil, nil)

	wanted := &fakeMessageProvider{desc: Descriptor{ID: "wanted", Kind: KindMessage}}
	ignored := &fakeMessageProvider{desc: Descriptor{ID: "ignored", Kind: KindMessage}}

	require.NoError(t, l.Load(context.Background(), []Provider{wanted, ignored}))
	defer l.Unload(context.Background())

	assert.True(t, wanted.loaded.Load())
	assert.False(t, ignored.loaded.Load())
}

func TestLoad_NilConfigLoadsEverything(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	l := NewLoader(b, nil, nil, nil)

	p := &fakeMessageProvider{desc: Descriptor{ID: "anything", Kind: KindMessage}}
	require.NoError(t, l.Load(context.Background(), []Provider{p}))
	defer l.Unload(context.Background())

	assert.True(t, p.loaded.Load())
}

func TestLoad_RejectsKindMismatch(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	l := NewLoader(b, nil, nil, nil)

	// Declares timer but only implements MessageProvider.
	p := &fakeMessageProvider{desc: Descriptor{ID: "liar", Kind: KindTimer, Interval: time.Second}}
	err := l.Load(context.Background(), []Provider{p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration_error")
}

func TestDispatch_FiltersAndPriority(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	features := map[string]*access.Policy{
		"open":         nil,
		"mention-only": nil,
		"discord-only": nil,
		"locked":       {Users: []string{"U-allowed"}},
	}
	l := NewLoader(b, features, nil, nil)

	open := &fakeMessageProvider{desc: Descriptor{ID: "open", Kind: KindMessage, Priority: 1}}
	mentionOnly := &fakeMessageProvider{desc: Descriptor{ID: "mention-only", Kind: KindMessage, Scope: ScopeMention}}
	discordOnly := &fakeMessageProvider{desc: Descriptor{ID: "discord-only", Kind: KindMessage, Platforms: []string{"discord"}}}
	locked := &fakeMessageProvider{desc: Descriptor{ID: "locked", Kind: KindMessage}}

	require.NoError(t, l.Load(context.Background(), []Provider{open, mentionOnly, discordOnly, locked}))
	defer l.Unload(context.Background())

	// Plain message from an unprivileged user on slack, not mentioning the bot.
	msg := &bus.Message{ID: "m1", Platform: "slack", ChannelID: "c1", AuthorID: "U-random"}
	require.NoError(t, b.Emit(context.Background(), msgEvent(msg)))

	assert.Equal(t, []string{"m1"}, open.handledIDs())
	assert.Empty(t, mentionOnly.handledIDs())
	assert.Empty(t, discordOnly.handledIDs())
	assert.Empty(t, locked.handledIDs())

	// Mention from the allowed user on discord reaches everyone.
	msg2 := &bus.Message{ID: "m2", Platform: "discord", ChannelID: "c1", AuthorID: "U-allowed", Mentioned: true}
	require.NoError(t, b.Emit(context.Background(), msgEvent(msg2)))

	assert.Equal(t, []string{"m1", "m2"}, open.handledIDs())
	assert.Equal(t, []string{"m2"}, mentionOnly.handledIDs())
	assert.Equal(t, []string{"m2"}, discordOnly.handledIDs())
	assert.Equal(t, []string{"m2"}, locked.handledIDs())
}

func TestDispatch_BotMessagesSkipAccessPolicy(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	features := map[string]*access.Policy{
		"locked": {Users: []string{"U-allowed"}},
	}
	l := NewLoader(b, features, nil, nil)

	locked := &fakeMessageProvider{desc: Descriptor{ID: "locked", Kind: KindMessage}}
	require.NoError(t, l.Load(context.Background(), []Provider{locked}))
	defer l.Unload(context.Background())

	msg := &bus.Message{ID: "bot-1", Platform: "discord", AuthorID: "bot", FromBot: true}
	require.NoError(t, b.Emit(context.Background(), msgEvent(msg)))

	assert.Equal(t, []string{"bot-1"}, locked.handledIDs())
}

func TestDispatch_FailingProviderDoesNotAbortLoop(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	l := NewLoader(b, nil, nil, nil)

	failing := &fakeMessageProvider{
		desc:   Descriptor{ID: "failing", Kind: KindMessage, Priority: 10},
		handle: func(ctx context.Context, msg *bus.Message) error { return errors.New("broken") },
	}
	panicking := &fakeMessageProvider{
		desc:   Descriptor{ID: "panicking", Kind: KindMessage, Priority: 5},
		handle: func(ctx context.Context, msg *bus.Message) error { panic("boom") },
	}
	healthy := &fakeMessageProvider{desc: Descriptor{ID: "healthy", Kind: KindMessage, Priority: 1}}

	require.NoError(t, l.Load(context.Background(), []Provider{failing, panicking, healthy}))
	defer l.Unload(context.Background())

	require.NoError(t, b.Emit(context.Background(), msgEvent(&bus.Message{ID: "m1"})))
	assert.Equal(t, []string{"m1"}, healthy.handledIDs())
}

func TestTimer_RunImmediatelyAndSingleFlight(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	l := NewLoader(b, nil, nil, nil)

	timer := &fakeTimerProvider{
		desc: Descriptor{
			ID:             "ticker",
			Kind:           KindTimer,
			Interval:       time.Second,
			RunImmediately: true,
		},
		block: make(chan struct{}),
	}

	require.NoError(t, l.Load(context.Background(), []Provider{timer}))

	// The immediate tick starts and blocks; cron ticks while it is still
	// running must be skipped.
	require.Eventually(t, func() bool { return timer.ticks.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), timer.ticks.Load())

	close(timer.block)
	l.Unload(context.Background())
}

func TestCommandDispatch_SubcommandAccess(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	features := map[string]*access.Policy{
		"admin-cmd": {
			Users: []string{"U1"},
			Subcommands: map[string]*access.Policy{
				"config": {Users: []string{"U2"}},
			},
		},
	}
	l := NewLoader(b, features, nil, nil)

	var handled []string
	var mu sync.Mutex
	cmd := &fakeCommandProvider{
		desc:     Descriptor{ID: "admin-cmd", Kind: KindCommand},
		commands: []string{"admin"},
		handle: func(ctx context.Context, c *bus.CommandReceived) error {
			mu.Lock()
			handled = append(handled, c.Message.AuthorID+"/"+c.Subcommand)
			mu.Unlock()
			return nil
		},
	}

	require.NoError(t, l.Load(context.Background(), []Provider{cmd}))
	defer l.Unload(context.Background())

	emit := func(user, sub string) {
		ev := bus.CommandReceived{
			Message:    &bus.Message{Platform: "discord", AuthorID: user},
			Command:    "admin",
			Subcommand: sub,
		}
		require.NoError(t, b.Emit(context.Background(), ev))
	}

	emit("U1", "status") // parent policy allows U1
	emit("U2", "status") // parent policy denies U2
	emit("U2", "config") // override allows U2
	emit("U1", "config") // override denies U1

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"U1/status", "U2/config"}, handled)
}

func TestUnload_InvokesHooks(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	l := NewLoader(b, nil, nil, nil)

	p := &fakeMessageProvider{desc: Descriptor{ID: "p", Kind: KindMessage}}
	require.NoError(t, l.Load(context.Background(), []Provider{p}))

	l.Unload(context.Background())
	assert.True(t, p.unloaded.Load())

	// After unload, dispatch is disconnected.
	require.NoError(t, b.Emit(context.Background(), msgEvent(&bus.Message{ID: "late"})))
	assert.Empty(t, p.handledIDs())
}

// fakeCommandProvider implements CommandProvider for tests.
type fakeCommandProvider struct {
	desc     Descriptor
	commands []string
	handle   func(context.Context, *bus.CommandReceived) error
}

func (f *fakeCommandProvider) Descriptor() Descriptor                       { return f.desc }
func (f *fakeCommandProvider) Load(ctx context.Context, lc *LoadContext) error { return nil }
func (f *fakeCommandProvider) Unload(ctx context.Context) error             { return nil }
func (f *fakeCommandProvider) Commands() []string                           { return f.commands }

func (f *fakeCommandProvider) HandleCommand(ctx context.Context, cmd *bus.CommandReceived) error {
	return f.handle(ctx, cmd)
}
