// Package discord implements the Discord adapter using discordgo.
//
// Features:
//   - Send/receive text messages with reply references
//   - Typing indicators
//   - Guild and channel allowlists
//   - Member name resolution for mention rewriting
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/channels"
)

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot listens
	// in. Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot listens in.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements channels.Adapter.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages forwards normalized inbound messages to the manager.
	messages chan *bus.Message

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *bus.Message, 256),
	}
}

// Platform returns "discord".
func (d *Discord) Platform() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection and the inbound stream.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	if d.connected.CompareAndSwap(true, false) {
		close(d.messages)
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// Connected reports whether the gateway is open.
func (d *Discord) Connected() bool { return d.connected.Load() }

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *bus.Message { return d.messages }

// Send delivers a message to a channel, respecting Discord's 2000-character
// limit by relying on the caller to pre-chunk.
func (d *Discord) Send(ctx context.Context, channelID string, out *channels.Outgoing) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}

	msgSend := &discordgo.MessageSend{Content: out.Content}
	if out.ReplyToID != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: out.ReplyToID, ChannelID: channelID}
	}
	if _, err := d.session.ChannelMessageSendComplex(channelID, msgSend, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: sending message: %w", err)
	}
	d.errorCount.Store(0)
	return nil
}

// SendDM opens (or reuses) the DM channel with a user and delivers there.
func (d *Discord) SendDM(ctx context.Context, userID, content string) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}

	dm, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: opening DM channel: %w", err)
	}
	if _, err := d.session.ChannelMessageSend(dm.ID, content, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: sending DM: %w", err)
	}
	return nil
}

// Typing sends a typing indicator. Discord has no explicit stop, the
// indicator expires on its own, so stop is a no-op.
func (d *Discord) Typing(ctx context.Context, channelID string, stop bool) error {
	if stop || d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// ResolveName searches guild members by display name.
func (d *Discord) ResolveName(ctx context.Context, guildID, name string) (string, bool) {
	if d.session == nil || guildID == "" {
		return "", false
	}

	members, err := d.session.GuildMembersSearch(guildID, name, 10, discordgo.WithContext(ctx))
	if err != nil {
		d.logger.Warn("discord: member search failed", "guild_id", guildID, "error", err)
		return "", false
	}

	want := strings.ToLower(name)
	for _, m := range members {
		if strings.ToLower(m.User.Username) == want ||
			strings.ToLower(m.Nick) == want ||
			strings.ToLower(m.User.GlobalName) == want {
			return m.User.ID, true
		}
	}
	return "", false
}

// Health returns the adapter health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// onMessageCreate normalizes incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Never react to our own messages.
	if m.Author.ID == s.State.User.ID {
		return
	}
	if !d.allowed(m) {
		return
	}

	// DMs are always addressed to the bot, as is a reply to one of the
	// bot's own messages.
	mentioned := m.GuildID == ""
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == s.State.User.ID {
		mentioned = true
	}
	participants := map[string]string{m.Author.ID: m.Author.Username}
	for _, u := range m.Mentions {
		participants[u.ID] = u.Username
		if u.ID == s.State.User.ID {
			mentioned = true
		}
	}

	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
	}

	msg := &bus.Message{
		ID:           m.ID,
		Platform:     "discord",
		ChannelID:    m.ChannelID,
		GuildID:      m.GuildID,
		AuthorID:     m.Author.ID,
		AuthorName:   m.Author.Username,
		AuthorRoles:  roles,
		Content:      m.Content,
		Mentioned:    mentioned,
		FromBot:      m.Author.Bot,
		IsDM:         m.GuildID == "",
		Participants: participants,
		Timestamp:    m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		msg.ReplyToID = m.ReferencedMessage.ID
	}

	d.lastMsg.Store(time.Now())

	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", msg.ID)
	}
}

// allowed applies the guild and channel allowlists.
func (d *Discord) allowed(m *discordgo.MessageCreate) bool {
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" {
		if !contains(d.cfg.AllowedGuilds, m.GuildID) {
			return false
		}
	}
	if len(d.cfg.AllowedChannels) > 0 {
		if !contains(d.cfg.AllowedChannels, m.ChannelID) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var _ channels.Adapter = (*Discord)(nil)
