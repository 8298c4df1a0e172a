// assistant.go is the message capability that escalates inbound messages to
// the AI loop: assemble the prompt, run the completion-plus-tools round,
// deliver the reply. Typing indicators bracket the whole run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/relay/pkg/relay/access"
	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/capability"
	"github.com/jholhewres/relay/pkg/relay/config"
	"github.com/jholhewres/relay/pkg/relay/convo"
	"github.com/jholhewres/relay/pkg/relay/orchestrator"
	"github.com/jholhewres/relay/pkg/relay/store"
)

// memoryLimit caps how many stored memories one prompt carries.
const memoryLimit = 5

type assistant struct {
	cfg     config.AssistantConfig
	store   *store.Store
	builder *convo.Builder
	orch    *orchestrator.Orchestrator
	bus     *bus.Bus
	logger  *slog.Logger
}

func newAssistant(cfg config.AssistantConfig, st *store.Store, builder *convo.Builder, orch *orchestrator.Orchestrator, b *bus.Bus, logger *slog.Logger) *assistant {
	return &assistant{
		cfg:     cfg,
		store:   st,
		builder: builder,
		orch:    orch,
		bus:     b,
		logger:  logger.With("capability", "assistant"),
	}
}

var _ capability.MessageProvider = (*assistant)(nil)

func (a *assistant) Descriptor() capability.Descriptor {
	scope := capability.ScopeMention
	if a.cfg.RespondWithoutMention {
		scope = capability.ScopeAll
	}
	return capability.Descriptor{
		ID:       "assistant",
		Kind:     capability.KindMessage,
		Priority: 100,
		Scope:    scope,
	}
}

func (a *assistant) Load(context.Context, *capability.LoadContext) error { return nil }
func (a *assistant) Unload(context.Context) error                        { return nil }

func (a *assistant) Matches(msg *bus.Message) bool {
	return !msg.FromBot && strings.TrimSpace(msg.Content) != ""
}

func (a *assistant) Handle(ctx context.Context, msg *bus.Message) error {
	a.bus.Fire(ctx, bus.Typing{Platform: msg.Platform, ChannelID: msg.ChannelID})
	defer a.bus.Fire(ctx, bus.Typing{Platform: msg.Platform, ChannelID: msg.ChannelID, Stop: true})

	prompt, err := a.builder.Build(ctx, convo.Input{
		Message:  msg,
		Identity: a.identity(ctx, msg),
		Memories: a.memories(ctx, msg.AuthorID),
	})
	if err != nil {
		return fmt.Errorf("assembling prompt: %w", err)
	}

	return a.orch.Respond(ctx, &orchestrator.Request{
		Message: msg,
		System:  prompt.System,
		User:    prompt.User,
		Access: access.Context{
			Platform: msg.Platform,
			UserID:   msg.AuthorID,
			GuildID:  msg.GuildID,
			RoleIDs:  msg.AuthorRoles,
		},
	})
}

// identity is the base persona plus whatever the profile says about how the
// user wants to be addressed.
func (a *assistant) identity(ctx context.Context, msg *bus.Message) string {
	identity := a.cfg.Identity
	if identity == "" {
		identity = fmt.Sprintf("You are %s, a helpful chat assistant.", a.cfg.Name)
	}

	profile, err := a.store.GetProfile(ctx, msg.AuthorID)
	if err != nil {
		a.logger.Warn("loading profile failed", "user_id", msg.AuthorID, "error", err)
		return identity
	}
	if profile != nil && profile.DisplayName != "" {
		identity += fmt.Sprintf("\nThe user you are talking to prefers to be called %s.", profile.DisplayName)
	}
	return identity
}

func (a *assistant) memories(ctx context.Context, userID string) []string {
	rows, err := a.store.MemoriesForUser(ctx, userID, memoryLimit)
	if err != nil {
		a.logger.Warn("loading memories failed", "user_id", userID, "error", err)
		return nil
	}
	out := make([]string, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Content)
	}
	return out
}
