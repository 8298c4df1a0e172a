package pending

import (
	"context"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagEmbedder is a deterministic word-bag embedder: each token bumps one
// dimension, so overlapping texts score high and unrelated texts score low.
type bagEmbedder struct{}

func (bagEmbedder) Dimensions() int { return 64 }
func (bagEmbedder) Name() string    { return "bag" }

func (bagEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%64]++
	}
	return vec, nil
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker(bagEmbedder{}, nil)
	t.Cleanup(tr.Destroy)
	return tr
}

func TestFindSimilar_MatchesNearDuplicate(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.AddPending(ctx, "C1", "image_generation", map[string]any{"prompt": "a cat"}, "msg-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dup, err := tr.FindSimilar(ctx, "C1", "image_generation", map[string]any{"prompt": "a cat picture"})
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, id, dup.ID)
	assert.Equal(t, "image_generation: a cat", dup.Summary)

	unrelated, err := tr.FindSimilar(ctx, "C1", "image_generation", map[string]any{"prompt": "stock price of ACME corporation today"})
	require.NoError(t, err)
	assert.Nil(t, unrelated)
}

func TestFindSimilar_NeverMatchesAcrossToolOrChannel(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.AddPending(ctx, "C1", "image_generation", map[string]any{"prompt": "a cat"}, "msg-1")
	require.NoError(t, err)

	// Identical argument text, different tool.
	got, err := tr.FindSimilar(ctx, "C1", "web_search", map[string]any{"prompt": "a cat"})
	require.NoError(t, err)
	assert.Nil(t, got)

	// Identical argument text, different channel.
	got, err = tr.FindSimilar(ctx, "C2", "image_generation", map[string]any{"prompt": "a cat"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindSimilar_TieGoesToFirstSeen(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.AddPending(ctx, "C1", "web_search", map[string]any{"query": "weather in lisbon"}, "msg-1")
	require.NoError(t, err)
	_, err = tr.AddPending(ctx, "C1", "web_search", map[string]any{"query": "weather in lisbon"}, "msg-2")
	require.NoError(t, err)

	got, err := tr.FindSimilar(ctx, "C1", "web_search", map[string]any{"query": "weather in lisbon"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.ID)
}

func TestRemovePending_DropsEmptyChannelKey(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.AddPending(ctx, "C1", "web_search", map[string]any{"query": "x"}, "msg-1")
	require.NoError(t, err)

	tr.RemovePending("C1", id)

	tr.mu.Lock()
	_, exists := tr.byChannel["C1"]
	tr.mu.Unlock()
	assert.False(t, exists, "empty channel key must be removed")
	assert.Empty(t, tr.PendingForChannel("C1"))
}

func TestReap_RemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.AddPending(ctx, "C1", "web_search", map[string]any{"query": "old"}, "msg-1")
	require.NoError(t, err)
	fresh, err := tr.AddPending(ctx, "C1", "web_search", map[string]any{"query": "fresh"}, "msg-2")
	require.NoError(t, err)

	// Age the first entry past the TTL.
	tr.mu.Lock()
	tr.byChannel["C1"][0].StartedAt = time.Now().Add(-3 * time.Minute)
	tr.mu.Unlock()

	tr.reap(time.Now())

	remaining := tr.PendingForChannel("C1")
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh, remaining[0].ID)
}

func TestVectorRoundTrip(t *testing.T) {
	t.Parallel()

	vec := []float32{0.0, 1.5, -2.25, 3.14159, -0.000001, 12345.678}
	decoded, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	require.Len(t, decoded, len(vec))

	for i := range vec {
		assert.InDelta(t, vec[i], decoded[i], 1e-9)
	}

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSummarize_PrimaryArgSelection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "web_search: golang generics", Summarize("web_search", map[string]any{"query": "golang generics"}))
	assert.Equal(t, "image_generation: a dog", Summarize("image_generation", map[string]any{"prompt": "a dog", "size": "512"}))
	assert.Equal(t, "convert: EUR", Summarize("convert", map[string]any{"from": "EUR"}))
	assert.Equal(t, "ping", Summarize("ping", nil))
}
