// Package convo assembles the prompt context for one inbound message:
// identity and guidelines, recent channel history, "already processing"
// notices for in-flight tool requests, and whatever the engine remembers
// about the author. History reads are cached per channel with a short TTL
// so a burst of messages in one channel hits the repository once.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/pending"
	"github.com/jholhewres/relay/pkg/relay/store"
)

const (
	// historyCacheTTL is how long a channel's fetched history stays fresh.
	historyCacheTTL = 30 * time.Second
	// historyWindow bounds how far back formatted history reaches. The
	// window is re-applied on cache hits, so an entry fetched 29 seconds
	// ago never leaks a message that has since aged out.
	historyWindow = 2 * time.Hour
	// historyLimit caps how many rows one channel fetch pulls.
	historyLimit = 40
)

// HistorySource supplies recent channel messages. *store.Store satisfies it.
type HistorySource interface {
	RecentMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]*store.Message, error)
}

// Prompt is the assembled context for one completion request.
type Prompt struct {
	// System carries identity, history, pending notices, and memories.
	System string
	// User is the current user turn.
	User string
	// Debug counts what went into the prompt.
	Debug Debug
}

// Debug exposes assembly counters for observability.
type Debug struct {
	HistoryCount int
	MemoryCount  int
	PendingCount int
	CacheHit     bool
}

// Input is everything the builder needs beyond the message itself. Identity
// and memories are supplied by the caller; the builder does not decide what
// the assistant is or what it remembers.
type Input struct {
	Message  *bus.Message
	Identity string
	Memories []string
}

type cacheEntry struct {
	messages  []*store.Message
	fetchedAt time.Time
}

// Builder assembles prompts. Safe for concurrent use.
type Builder struct {
	history HistorySource
	tracker *pending.Tracker
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewBuilder creates a Builder. tracker may be nil when duplicate tracking
// is disabled.
func NewBuilder(history HistorySource, tracker *pending.Tracker, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		history: history,
		tracker: tracker,
		logger:  logger.With("component", "convo"),
		cache:   make(map[string]*cacheEntry),
	}
}

// Build assembles the prompt for one inbound message.
func (b *Builder) Build(ctx context.Context, in Input) (*Prompt, error) {
	msg := in.Message
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}

	history, hit, err := b.channelHistory(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}

	// The window and self-filter apply to cached entries too.
	cutoff := time.Now().Add(-historyWindow)
	var lines []string
	for _, m := range history {
		if m.ID == msg.ID || m.CreatedAt.Before(cutoff) {
			continue
		}
		lines = append(lines, formatHistoryLine(m))
	}

	var pendings []*pending.Request
	if b.tracker != nil {
		pendings = b.tracker.PendingForChannel(msg.ChannelID)
	}

	var sb strings.Builder
	if in.Identity != "" {
		sb.WriteString(in.Identity)
		sb.WriteString("\n")
	}
	if len(lines) > 0 {
		sb.WriteString("\n## Recent conversation\n")
		sb.WriteString(strings.Join(lines, "\n"))
		sb.WriteString("\n")
	}
	if len(pendings) > 0 {
		sb.WriteString("\n## Already processing\n")
		sb.WriteString("These requests are already running; do not start them again:\n")
		now := time.Now()
		for _, p := range pendings {
			age := now.Sub(p.StartedAt).Round(time.Second)
			fmt.Fprintf(&sb, "- %s (started %s ago)\n", p.Summary, age)
		}
	}
	if len(in.Memories) > 0 {
		fmt.Fprintf(&sb, "\n## What you know about %s\n", displayName(msg.AuthorName, msg.AuthorID))
		for _, m := range in.Memories {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}

	prompt := &Prompt{
		System: strings.TrimSpace(sb.String()),
		User:   msg.Content,
		Debug: Debug{
			HistoryCount: len(lines),
			MemoryCount:  len(in.Memories),
			PendingCount: len(pendings),
			CacheHit:     hit,
		},
	}
	b.logger.Debug("prompt assembled",
		"channel_id", msg.ChannelID,
		"history", prompt.Debug.HistoryCount,
		"memories", prompt.Debug.MemoryCount,
		"pending", prompt.Debug.PendingCount,
		"cache_hit", hit)
	return prompt, nil
}

// Invalidate drops a channel's cached history, forcing the next Build to
// refetch.
func (b *Builder) Invalidate(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, channelID)
}

func (b *Builder) channelHistory(ctx context.Context, channelID string) ([]*store.Message, bool, error) {
	b.mu.Lock()
	entry, ok := b.cache[channelID]
	if ok && time.Since(entry.fetchedAt) < historyCacheTTL {
		msgs := entry.messages
		b.mu.Unlock()
		return msgs, true, nil
	}
	b.mu.Unlock()

	msgs, err := b.history.RecentMessages(ctx, channelID, time.Now().Add(-historyWindow), historyLimit)
	if err != nil {
		return nil, false, fmt.Errorf("fetching channel history: %w", err)
	}

	b.mu.Lock()
	b.cache[channelID] = &cacheEntry{messages: msgs, fetchedAt: time.Now()}
	b.mu.Unlock()
	return msgs, false, nil
}

func formatHistoryLine(m *store.Message) string {
	name := displayName(m.AuthorName, m.AuthorID)
	if m.FromBot {
		name += " (you)"
	}
	return fmt.Sprintf("%s: %s", name, m.Content)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
