// Package engine assembles the full runtime: storage, the event bus, the
// completion client, channel adapters, capability providers, tools, the
// reminder scheduler, and the optional WebSocket gateway. Everything else in
// this repository is a part; the engine is the whole.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/capability"
	"github.com/jholhewres/relay/pkg/relay/channels"
	"github.com/jholhewres/relay/pkg/relay/channels/discord"
	"github.com/jholhewres/relay/pkg/relay/config"
	"github.com/jholhewres/relay/pkg/relay/convo"
	"github.com/jholhewres/relay/pkg/relay/gateway"
	"github.com/jholhewres/relay/pkg/relay/llm"
	"github.com/jholhewres/relay/pkg/relay/orchestrator"
	"github.com/jholhewres/relay/pkg/relay/pending"
	"github.com/jholhewres/relay/pkg/relay/reminder"
	"github.com/jholhewres/relay/pkg/relay/store"
	"github.com/jholhewres/relay/pkg/relay/tool"
	"github.com/jholhewres/relay/pkg/relay/tool/builtin"
)

// reminderAckTimeout bounds the delivery wait for a fired reminder.
const reminderAckTimeout = 30 * time.Second

// Options configures engine construction. Completer and Embedder default to
// the API-backed client; tests swap in deterministic fakes.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	Completer orchestrator.Completer
	Embedder  pending.Embedder
}

// Engine owns every runtime component and their lifecycles.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.Bus
	store     *store.Store
	llm       *llm.Client
	tracker   *pending.Tracker
	builder   *convo.Builder
	registry  *tool.Registry
	orch      *orchestrator.Orchestrator
	loader    *capability.Loader
	channels  *channels.Manager
	scheduler *reminder.Scheduler
	gateway   *gateway.Server

	startedAt time.Time
	subs      []*bus.Subscription
}

// New builds an engine from configuration. Nothing connects or listens until
// Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	b := bus.New(logger)

	client := llm.NewClient(llm.Options{
		BaseURL:             cfg.API.BaseURL,
		APIKey:              cfg.API.APIKey,
		Model:               cfg.API.Model,
		EmbeddingModel:      cfg.API.EmbeddingModel,
		EmbeddingDimensions: cfg.API.EmbeddingDimensions,
		HTTPClient:          httpClient(cfg.API.Timeout),
	}, logger)

	var embedder pending.Embedder = client
	if opts.Embedder != nil {
		embedder = opts.Embedder
	}
	var completer orchestrator.Completer = client
	if opts.Completer != nil {
		completer = opts.Completer
	}

	tracker := pending.NewTracker(embedder, logger)
	builder := convo.NewBuilder(st, tracker, logger)
	scheduler := reminder.NewScheduler(st, b, logger)

	manager := channels.NewManager(b, logger)
	manager.SetPrefix(cfg.Assistant.CommandPrefix)
	if cfg.Discord.Token != "" {
		if err := manager.Register(discord.New(cfg.Discord, logger)); err != nil {
			return nil, err
		}
	}

	registry := tool.NewRegistry(cfg.Groups, logger)
	registry.Load([]tool.Tool{
		builtin.NewReminderTool(st, scheduler, logger),
		builtin.NewTimeTool(),
	}, cfg.Features)

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		bus:       b,
		store:     st,
		llm:       client,
		tracker:   tracker,
		builder:   builder,
		registry:  registry,
		loader:    capability.NewLoader(b, cfg.Features, cfg.Groups, logger),
		channels:  manager,
		scheduler: scheduler,
	}
	e.orch = orchestrator.New(orchestrator.Options{
		Registry:  registry,
		Completer: completer,
		Bus:       b,
		Tracker:   tracker,
		Resolver:  e.resolveName,
		Logger:    logger,
	})

	if cfg.Gateway.Enabled {
		e.gateway = gateway.NewServer(b, gateway.Options{
			Addr:      cfg.Gateway.Addr,
			TokenHash: cfg.Gateway.TokenHash,
		}, logger)
	}
	return e, nil
}

// Bus exposes the event bus for external publishers (console adapters,
// tests).
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Store exposes the storage layer.
func (e *Engine) Store() *store.Store { return e.store }

// Channels exposes the adapter manager so callers can register additional
// adapters before Start.
func (e *Engine) Channels() *channels.Manager { return e.channels }

// Tools lists the loaded tool names.
func (e *Engine) Tools() []string { return e.registry.Names() }

// Start wires the capability providers, begins bridging channels, and starts
// the reminder scheduler and gateway.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()

	providers := []capability.Provider{
		newAssistant(e.cfg.Assistant, e.store, e.builder, e.orch, e.bus, e.logger),
		newReminderCommands(e.store, e.scheduler, e.bus, e.logger),
		newStatusCommand(e.channels, e.registry, e.bus, e.startedAt),
	}
	if err := e.loader.Load(ctx, providers); err != nil {
		return err
	}

	for _, sub := range []struct {
		event string
		fn    bus.Handler
	}{
		{bus.EventMessageReceived, e.onInbound},
		{bus.EventMessageSend, e.onOutbound},
		{bus.EventReminderDue, e.onReminderDue},
	} {
		s, err := e.bus.Subscribe(sub.event, sub.fn)
		if err != nil {
			return err
		}
		e.subs = append(e.subs, s)
	}

	if err := e.channels.Start(ctx); err != nil {
		return err
	}

	// One immediate sweep delivers anything that came due while the
	// process was down, then the poll loop takes over.
	e.scheduler.Sweep(ctx, time.Now())
	e.scheduler.Start()

	if e.gateway != nil {
		go func() {
			if err := e.gateway.Start(); err != nil {
				e.logger.Error("gateway stopped", "error", err)
			}
		}()
	}

	e.logger.Info("engine started",
		"assistant", e.cfg.Assistant.Name,
		"tools", len(e.registry.Names()),
		"gateway", e.gateway != nil)
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (e *Engine) Stop(ctx context.Context) {
	if e.gateway != nil {
		if err := e.gateway.Stop(ctx); err != nil {
			e.logger.Error("gateway shutdown failed", "error", err)
		}
	}
	e.scheduler.Stop()
	e.channels.Stop()
	e.loader.Unload(ctx)

	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}
	e.subs = nil

	e.tracker.Destroy()
	if err := e.store.Close(); err != nil {
		e.logger.Error("closing store failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// onInbound persists every normalized inbound message so the prompt builder
// has history to draw from.
func (e *Engine) onInbound(ctx context.Context, ev bus.Event) error {
	payload, ok := ev.(bus.MessageReceived)
	if !ok || payload.Message == nil {
		return nil
	}
	msg := payload.Message

	return e.store.SaveMessage(ctx, &store.Message{
		ID:         msg.ID,
		Platform:   msg.Platform,
		ChannelID:  msg.ChannelID,
		GuildID:    msg.GuildID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Content:    msg.Content,
		FromBot:    msg.FromBot,
		CreatedAt:  msg.Timestamp,
	})
}

// onOutbound records the assistant's own replies in history and drops the
// channel's cached history so the next prompt sees them.
func (e *Engine) onOutbound(ctx context.Context, ev bus.Event) error {
	send, ok := ev.(bus.MessageSend)
	if !ok {
		return nil
	}

	err := e.store.SaveMessage(ctx, &store.Message{
		Platform:   send.Platform,
		ChannelID:  send.ChannelID,
		AuthorID:   e.cfg.Assistant.Name,
		AuthorName: e.cfg.Assistant.Name,
		Content:    send.Content,
		FromBot:    true,
	})
	e.builder.Invalidate(send.ChannelID)
	return err
}

// onReminderDue turns a fired reminder into an outbound message addressed to
// its owner.
func (e *Engine) onReminderDue(ctx context.Context, ev bus.Event) error {
	due, ok := ev.(bus.ReminderDue)
	if !ok {
		return nil
	}

	ack := make(chan error, 1)
	e.bus.Fire(ctx, bus.MessageSend{
		Platform:  due.Platform,
		ChannelID: due.ChannelID,
		Content:   fmt.Sprintf("⏰ %s — reminder: %s", mention(due.Platform, due.OwnerID), due.Content),
		Ack:       ack,
	})

	select {
	case err := <-ack:
		if err != nil {
			e.logger.Error("reminder delivery failed", "reminder_id", due.ReminderID, "error", err)
		}
		return err
	case <-time.After(reminderAckTimeout):
		e.logger.Error("reminder delivery unacknowledged", "reminder_id", due.ReminderID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveName delegates to the adapter of the platform the request came
// from. A console mention must never hit Discord's member search.
func (e *Engine) resolveName(ctx context.Context, platform, guildID, name string) (string, bool) {
	return e.channels.Resolver(platform)(ctx, guildID, name)
}

func mention(platform, userID string) string {
	if platform == "discord" {
		return "<@" + userID + ">"
	}
	return "@" + userID
}

func openStore(cfg config.DatabaseConfig) (*store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "relay.db"
		}
		return store.OpenSQLite(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		return store.OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return nil
	}
	return &http.Client{Timeout: timeout}
}
