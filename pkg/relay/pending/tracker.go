// Package pending tracks tool invocations that are in flight so a
// near-duplicate request arriving while the first is still running can be
// recognized and surfaced to the LLM instead of re-executed. Similarity is
// embedding-based and always scoped to the same channel and tool name;
// embeddings from different tools are never compared.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// SimilarityThreshold is the strict lower bound a candidate must exceed
	// to count as a duplicate.
	SimilarityThreshold = 0.85

	// entryTTL is how long an entry may live without explicit completion
	// before the sweep reaps it (tolerates crashed executions).
	entryTTL = 2 * time.Minute

	// sweepInterval is the reaper cadence.
	sweepInterval = 30 * time.Second
)

// Request is one in-flight tool invocation.
type Request struct {
	ID        string
	ChannelID string
	Tool      string

	// Args is a snapshot of the invocation arguments.
	Args map[string]any

	// Summary is the short human-readable line the embedding is computed
	// from, also shown to the LLM in "already processing" notices.
	Summary string

	Embedding []float32

	StartedAt time.Time

	// SourceMessageID references the message that triggered the invocation.
	SourceMessageID string
}

// Tracker is the in-memory index of in-flight tool invocations per channel.
type Tracker struct {
	// byChannel keeps per-channel entries in insertion order, which doubles
	// as the first-seen tiebreak for equal similarity scores.
	byChannel map[string][]*Request

	embedder Embedder
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewTracker creates a tracker and starts its background reaper.
func NewTracker(embedder Embedder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		byChannel: make(map[string][]*Request),
		embedder:  embedder,
		logger:    logger.With("component", "pending"),
		stop:      make(chan struct{}),
	}

	go t.sweepLoop()
	return t
}

// AddPending records a new in-flight invocation and returns its ID.
func (t *Tracker) AddPending(ctx context.Context, channelID, toolName string, args map[string]any, sourceMessageID string) (string, error) {
	summary := Summarize(toolName, args)

	embedding, err := t.embed(ctx, summary)
	if err != nil {
		return "", fmt.Errorf("embedding pending request: %w", err)
	}

	req := &Request{
		ID:              uuid.NewString(),
		ChannelID:       channelID,
		Tool:            toolName,
		Args:            args,
		Summary:         summary,
		Embedding:       embedding,
		StartedAt:       time.Now(),
		SourceMessageID: sourceMessageID,
	}

	t.mu.Lock()
	t.byChannel[channelID] = append(t.byChannel[channelID], req)
	t.mu.Unlock()

	t.logger.Debug("pending request added",
		"channel", channelID, "tool", toolName, "id", req.ID)
	return req.ID, nil
}

// FindSimilar returns the in-flight request most similar to the given
// invocation, or nil when no candidate strictly exceeds the threshold.
// Candidates are restricted to the same channel and tool name; ties go to
// the earliest entry.
func (t *Tracker) FindSimilar(ctx context.Context, channelID, toolName string, args map[string]any) (*Request, error) {
	t.mu.Lock()
	candidates := make([]*Request, 0, len(t.byChannel[channelID]))
	for _, r := range t.byChannel[channelID] {
		if r.Tool == toolName {
			candidates = append(candidates, r)
		}
	}
	t.mu.Unlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	query, err := t.embed(ctx, Summarize(toolName, args))
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var best *Request
	bestScore := SimilarityThreshold
	for _, r := range candidates {
		// Strictly-greater keeps the first-seen entry on equal scores.
		if score := CosineSimilarity(query, r.Embedding); score > bestScore {
			best = r
			bestScore = score
		}
	}

	return best, nil
}

// RemovePending removes one entry; when a channel's list becomes empty the
// channel key itself is dropped.
func (t *Tracker) RemovePending(channelID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byChannel[channelID]
	for i, r := range list {
		if r.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(t.byChannel, channelID)
		return
	}
	t.byChannel[channelID] = list
}

// PendingForChannel returns a copy of the channel's in-flight entries,
// oldest first. Used to build "already processing" notices for the LLM.
func (t *Tracker) PendingForChannel(channelID string) []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byChannel[channelID]
	out := make([]*Request, len(list))
	copy(out, list)
	return out
}

// Destroy stops the reaper and clears all state. Used at shutdown.
func (t *Tracker) Destroy() {
	t.stopOnce.Do(func() { close(t.stop) })

	t.mu.Lock()
	t.byChannel = make(map[string][]*Request)
	t.mu.Unlock()
}

// sweepLoop periodically reaps entries older than the TTL, independent of
// explicit completion.
func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.reap(time.Now())
		case <-t.stop:
			return
		}
	}
}

// reap removes entries started before now-entryTTL.
func (t *Tracker) reap(now time.Time) {
	cutoff := now.Add(-entryTTL)
	reaped := 0

	t.mu.Lock()
	for channel, list := range t.byChannel {
		kept := list[:0]
		for _, r := range list {
			if r.StartedAt.After(cutoff) {
				kept = append(kept, r)
			} else {
				reaped++
			}
		}
		if len(kept) == 0 {
			delete(t.byChannel, channel)
		} else {
			t.byChannel[channel] = kept
		}
	}
	t.mu.Unlock()

	if reaped > 0 {
		t.logger.Info("reaped stale pending requests", "count", reaped)
	}
}

func (t *Tracker) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := t.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedder returned an empty vector")
	}
	return vec, nil
}

// Summarize derives the short human summary a request is embedded from:
// the tool name plus its primary argument.
func Summarize(toolName string, args map[string]any) string {
	if arg := primaryArg(args); arg != "" {
		return toolName + ": " + arg
	}
	return toolName
}

// primaryArg picks the most descriptive string argument, preferring
// conventional prompt-like keys and falling back to the first string value
// in key order.
func primaryArg(args map[string]any) string {
	for _, key := range []string{"prompt", "query", "question", "text", "input", "message", "url"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
