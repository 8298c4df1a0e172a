// Package capability implements discovery, filtering, and wiring of
// capability providers onto the event bus. Providers absent from the feature
// configuration are not loaded; a nil configuration map means legacy
// permissive mode (load everything, unrestricted).
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/relay/pkg/relay/access"
	"github.com/jholhewres/relay/pkg/relay/bus"
)

// loaded bundles a wired provider with its resolved access policy.
type loaded struct {
	provider Provider
	policy   *access.Policy
}

// Loader turns discovered providers plus configuration into wired runtime
// behavior: message dispatch, command dispatch, and timer scheduling.
type Loader struct {
	bus    *bus.Bus
	groups access.GroupDefinitions
	logger *slog.Logger

	// features maps capability ID to access policy. A nil map loads every
	// provider unrestricted (legacy permissive mode).
	features map[string]*access.Policy

	// byMessage holds loaded message providers in descending priority order.
	byMessage []*loaded

	// byCommand indexes loaded command providers by command name.
	byCommand map[string]*loaded

	// all holds every loaded provider (including timers) for Unload.
	all []*loaded

	timers listing

	// subs are the loader's own bus subscriptions, removed on Unload.
	subs []*bus.Subscription

	mu sync.RWMutex
}

// listing tracks scheduled timers for shutdown and single-flight guarding.
type listing struct {
	cron    *cron.Cron
	running map[string]bool
	mu      sync.Mutex
}

// NewLoader creates a loader bound to a bus. features may be nil for legacy
// permissive mode.
func NewLoader(b *bus.Bus, features map[string]*access.Policy, groups access.GroupDefinitions, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		bus:       b,
		features:  features,
		groups:    groups,
		logger:    logger.With("component", "capabilities"),
		byCommand: make(map[string]*loaded),
		timers: listing{
			cron:    cron.New(cron.WithSeconds()),
			running: make(map[string]bool),
		},
	}
}

// Load filters, validates, and wires the given providers, then subscribes
// the dispatch loops and starts timer schedules.
func (l *Loader) Load(ctx context.Context, providers []Provider) error {
	lc := &LoadContext{Bus: l.bus, Logger: l.logger}

	for _, p := range providers {
		desc := p.Descriptor()

		policy, ok := l.resolvePolicy(desc.ID)
		if !ok {
			l.logger.Debug("capability not configured, skipping", "id", desc.ID)
			continue
		}

		if err := validateKind(p, desc); err != nil {
			return fmt.Errorf("configuration_error: %w", err)
		}

		if err := p.Load(ctx, lc); err != nil {
			l.logger.Error("capability load hook failed", "id", desc.ID, "error", err)
			continue
		}

		entry := &loaded{provider: p, policy: policy}

		l.mu.Lock()
		l.all = append(l.all, entry)
		switch desc.Kind {
		case KindMessage:
			l.byMessage = append(l.byMessage, entry)
		case KindCommand:
			for _, name := range p.(CommandProvider).Commands() {
				l.byCommand[name] = entry
			}
		case KindTimer:
			l.scheduleTimerLocked(ctx, entry)
		}
		l.mu.Unlock()

		l.logger.Info("capability loaded", "id", desc.ID, "kind", desc.Kind)
	}

	l.mu.Lock()
	sort.SliceStable(l.byMessage, func(i, j int) bool {
		return l.byMessage[i].provider.Descriptor().Priority > l.byMessage[j].provider.Descriptor().Priority
	})
	l.mu.Unlock()

	msgSub, err := l.bus.Subscribe(bus.EventMessageReceived, l.onMessage)
	if err != nil {
		return err
	}
	cmdSub, err := l.bus.Subscribe(bus.EventCommandReceived, l.onCommand)
	if err != nil {
		return err
	}
	l.subs = append(l.subs, msgSub, cmdSub)

	l.timers.cron.Start()
	return nil
}

// resolvePolicy returns the access policy for a capability ID and whether
// the capability should be loaded at all.
func (l *Loader) resolvePolicy(id string) (*access.Policy, bool) {
	if l.features == nil {
		return nil, true // permissive legacy mode
	}
	policy, ok := l.features[id]
	return policy, ok
}

// validateKind checks the declared kind against the implemented interface.
func validateKind(p Provider, desc Descriptor) error {
	switch desc.Kind {
	case KindMessage:
		if _, ok := p.(MessageProvider); !ok {
			return fmt.Errorf("capability %q declares kind message but does not implement MessageProvider", desc.ID)
		}
	case KindCommand:
		if _, ok := p.(CommandProvider); !ok {
			return fmt.Errorf("capability %q declares kind command but does not implement CommandProvider", desc.ID)
		}
	case KindTimer:
		if _, ok := p.(TimerProvider); !ok {
			return fmt.Errorf("capability %q declares kind timer but does not implement TimerProvider", desc.ID)
		}
		if desc.Interval <= 0 {
			return fmt.Errorf("capability %q declares kind timer without an interval", desc.ID)
		}
	default:
		return fmt.Errorf("capability %q declares unknown kind %q", desc.ID, desc.Kind)
	}
	return nil
}

// onMessage dispatches one inbound message through every loaded message
// provider in priority order. Each provider's filters are tested in
// sequence; the first failing test skips to the next provider.
func (l *Loader) onMessage(ctx context.Context, ev bus.Event) error {
	payload, ok := ev.(bus.MessageReceived)
	if !ok || payload.Message == nil {
		return nil
	}
	msg := payload.Message

	l.mu.RLock()
	providers := make([]*loaded, len(l.byMessage))
	copy(providers, l.byMessage)
	l.mu.RUnlock()

	for _, entry := range providers {
		mp := entry.provider.(MessageProvider)
		desc := entry.provider.Descriptor()

		if desc.Scope == ScopeMention && !msg.Mentioned {
			continue
		}
		if !matchList(desc.Platforms, msg.Platform) {
			continue
		}
		if msg.GuildID != "" && !matchList(desc.Guilds, msg.GuildID) {
			continue
		}
		// Bot-authored messages bypass the access policy so providers that
		// opted into bot traffic still see it.
		if !msg.FromBot && !access.Check(entry.policy, requestContext(msg), l.groups) {
			continue
		}
		if !mp.Matches(msg) {
			continue
		}

		l.invoke(ctx, desc.ID, func() error { return mp.Handle(ctx, msg) })
	}
	return nil
}

// onCommand routes a parsed command to its owning provider, enforcing the
// subcommand-aware access policy.
func (l *Loader) onCommand(ctx context.Context, ev bus.Event) error {
	payload, ok := ev.(bus.CommandReceived)
	if !ok || payload.Message == nil {
		return nil
	}

	l.mu.RLock()
	entry, ok := l.byCommand[payload.Command]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	if !access.CheckSubcommand(entry.policy, payload.Subcommand, requestContext(payload.Message), l.groups) {
		l.logger.Info("command denied",
			"command", payload.Command,
			"user", payload.Message.AuthorID,
		)
		return nil
	}

	cp := entry.provider.(CommandProvider)
	l.invoke(ctx, entry.provider.Descriptor().ID, func() error { return cp.HandleCommand(ctx, &payload) })
	return nil
}

// invoke runs a provider callback with panic recovery; failures are logged
// and surfaced as capability:error without aborting the dispatch loop.
func (l *Loader) invoke(ctx context.Context, id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("capability panicked", "id", id, "panic", r)
			l.bus.Fire(ctx, bus.CapabilityError{Source: id, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := fn(); err != nil {
		l.logger.Error("capability handler failed", "id", id, "error", err)
		l.bus.Fire(ctx, bus.CapabilityError{Source: id, Err: err})
	}
}

// scheduleTimerLocked wires one timer provider into the cron runner, with an
// optional immediate first tick. Overlapping ticks are skipped; concurrency
// above single-flight is the tick handler's own responsibility.
func (l *Loader) scheduleTimerLocked(ctx context.Context, entry *loaded) {
	tp := entry.provider.(TimerProvider)
	desc := entry.provider.Descriptor()

	tick := func() {
		l.timers.mu.Lock()
		if l.timers.running[desc.ID] {
			l.timers.mu.Unlock()
			l.logger.Debug("timer tick skipped, previous run still active", "id", desc.ID)
			return
		}
		l.timers.running[desc.ID] = true
		l.timers.mu.Unlock()

		defer func() {
			l.timers.mu.Lock()
			delete(l.timers.running, desc.ID)
			l.timers.mu.Unlock()
		}()

		l.invoke(ctx, desc.ID, func() error { return tp.Tick(ctx) })
	}

	if desc.RunImmediately {
		go tick()
	}

	spec := fmt.Sprintf("@every %s", desc.Interval.Round(time.Second))
	if _, err := l.timers.cron.AddFunc(spec, tick); err != nil {
		l.logger.Error("timer schedule failed", "id", desc.ID, "spec", spec, "error", err)
	}
}

// Unload invokes each provider's unload hook, isolating failures, and stops
// all timer schedules and dispatch subscriptions.
func (l *Loader) Unload(ctx context.Context) {
	stop := l.timers.cron.Stop()
	<-stop.Done()

	for _, sub := range l.subs {
		l.bus.Unsubscribe(sub)
	}
	l.subs = nil

	l.mu.Lock()
	all := l.all
	l.all = nil
	l.byMessage = nil
	l.byCommand = make(map[string]*loaded)
	l.mu.Unlock()

	for _, entry := range all {
		id := entry.provider.Descriptor().ID
		if err := entry.provider.Unload(ctx); err != nil {
			l.logger.Error("capability unload failed", "id", id, "error", err)
		}
	}
}

// matchList reports whether value is allowed by a restriction list; an empty
// list allows everything.
func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// requestContext converts a normalized message into an access check context.
func requestContext(msg *bus.Message) access.Context {
	return access.Context{
		Platform: msg.Platform,
		UserID:   msg.AuthorID,
		GuildID:  msg.GuildID,
		RoleIDs:  msg.AuthorRoles,
	}
}
