package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/relay/pkg/relay/access"
	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/llm"
	"github.com/jholhewres/relay/pkg/relay/pending"
	"github.com/jholhewres/relay/pkg/relay/tool"
)

type fakeCompleter struct {
	mu          sync.Mutex
	responses   []*llm.Response
	transcripts [][]llm.Message
}

func (f *fakeCompleter) Chat(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, append([]llm.Message(nil), messages...))
	if len(f.responses) == 0 {
		return &llm.Response{FinishReason: "stop"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeCompleter) lastTranscript(t *testing.T) []llm.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.transcripts)
	return f.transcripts[len(f.transcripts)-1]
}

type stubTool struct {
	name    string
	schema  json.RawMessage
	execute func(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error)
	calls   int
}

func (s *stubTool) Metadata() tool.Metadata    { return tool.Metadata{Name: s.name, Description: s.name} }
func (s *stubTool) Schema() json.RawMessage    { return s.schema }
func (s *stubTool) Execute(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	s.calls++
	if s.execute == nil {
		return tool.Ok("done"), nil
	}
	return s.execute(ctx, args, tc)
}

// outbox collects outbound message events, acknowledging each delivery.
type outbox struct {
	mu     sync.Mutex
	sends  []bus.MessageSend
	ackErr error
	mute   bool // when set, never acknowledge
}

func (o *outbox) handle(_ context.Context, ev bus.Event) error {
	send := ev.(bus.MessageSend)
	o.mu.Lock()
	o.sends = append(o.sends, send)
	mute, ackErr := o.mute, o.ackErr
	o.mu.Unlock()
	if send.Ack != nil && !mute {
		send.Ack <- ackErr
	}
	return nil
}

func (o *outbox) all() []bus.MessageSend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bus.MessageSend(nil), o.sends...)
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:   id,
		Type: "function",
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}
}

type fixture struct {
	orch      *Orchestrator
	completer *fakeCompleter
	outbox    *outbox
	bus       *bus.Bus
}

func newFixture(t *testing.T, tools []tool.Tool, opts func(*Options)) *fixture {
	t.Helper()
	b := bus.New(nil)
	ob := &outbox{}
	_, err := b.Subscribe(bus.EventMessageSend, ob.handle)
	require.NoError(t, err)

	registry := tool.NewRegistry(nil, nil)
	registry.Load(tools, nil)

	completer := &fakeCompleter{}
	o := Options{Registry: registry, Completer: completer, Bus: b}
	if opts != nil {
		opts(&o)
	}
	orch := New(o)
	orch.ackTimeout = 200 * time.Millisecond
	return &fixture{orch: orch, completer: completer, outbox: ob, bus: b}
}

func request(content string) *Request {
	return &Request{
		Message: &bus.Message{
			ID:        "M1",
			Platform:  "discord",
			ChannelID: "C1",
			AuthorID:  "U1",
			Content:   content,
		},
		System: "You are Relay.",
		User:   content,
		Access: access.Context{Platform: "discord", UserID: "U1"},
	}
}

func TestRespondDeliversPlainReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.completer.responses = []*llm.Response{{Content: "hello!", FinishReason: "stop"}}

	require.NoError(t, f.orch.Respond(context.Background(), request("hi")))

	sends := f.outbox.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "hello!", sends[0].Content)
	assert.Equal(t, "M1", sends[0].ReplyToID)
	assert.Equal(t, "C1", sends[0].ChannelID)
}

func TestRespondExecutesToolAndFollowsUp(t *testing.T) {
	t.Parallel()
	echo := &stubTool{
		name:   "echo",
		schema: tool.ObjectSchema(map[string]any{"text": map[string]any{"type": "string"}}, "text"),
		execute: func(_ context.Context, args map[string]any, _ *tool.Context) (*tool.Result, error) {
			return tool.Ok(map[string]any{"echoed": args["text"]}), nil
		},
	}
	f := newFixture(t, []tool.Tool{echo}, nil)
	f.completer.responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "echo", `{"text":"hi"}`)}, FinishReason: "tool_calls"},
		{Content: "The echo says hi.", FinishReason: "stop"},
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("echo hi")))
	assert.Equal(t, 1, echo.calls)

	sends := f.outbox.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "The echo says hi.", sends[0].Content)

	// The follow-up transcript carries the assistant turn and the tool turn.
	transcript := f.completer.lastTranscript(t)
	require.Len(t, transcript, 4)
	assert.Equal(t, llm.RoleAssistant, transcript[2].Role)
	require.Len(t, transcript[2].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, transcript[3].Role)
	assert.Equal(t, "call_1", transcript[3].ToolCallID)
	assert.Contains(t, transcript[3].Content, `"success":true`)
	assert.Contains(t, transcript[3].Content, "echoed")
}

func TestFailedToolYieldsErrorTurnAndFallback(t *testing.T) {
	t.Parallel()
	boom := &stubTool{
		name:   "boom",
		schema: tool.ObjectSchema(nil),
		execute: func(_ context.Context, _ map[string]any, _ *tool.Context) (*tool.Result, error) {
			panic("wires crossed")
		},
	}
	f := newFixture(t, []tool.Tool{boom}, nil)
	f.completer.responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "boom", `{}`)}, FinishReason: "tool_calls"},
		{Content: "", FinishReason: "stop"}, // follow-up goes silent
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("go boom")))

	transcript := f.completer.lastTranscript(t)
	turn := transcript[len(transcript)-1]
	assert.Equal(t, llm.RoleTool, turn.Role)
	assert.Contains(t, turn.Content, "execution_error")
	assert.Contains(t, turn.Content, "wires crossed")

	// The silent follow-up is replaced by a fallback naming the failure.
	sends := f.outbox.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Content, "couldn't finish")
	assert.Contains(t, sends[0].Content, "boom")
}

func TestHungToolTimesOut(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := &stubTool{
		name:   "stuck",
		schema: tool.ObjectSchema(nil),
		execute: func(_ context.Context, _ map[string]any, _ *tool.Context) (*tool.Result, error) {
			<-release // never finishes on its own
			return tool.Ok("late"), nil
		},
	}
	f := newFixture(t, []tool.Tool{stuck}, func(o *Options) { o.ToolTimeout = 50 * time.Millisecond })
	f.completer.responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "stuck", `{}`)}, FinishReason: "tool_calls"},
		{Content: "", FinishReason: "stop"},
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("hang")))

	transcript := f.completer.lastTranscript(t)
	turn := transcript[len(transcript)-1]
	assert.Equal(t, llm.RoleTool, turn.Role)
	assert.Contains(t, turn.Content, "timeout_error")
	assert.Contains(t, turn.Content, `"retryable":true`)

	sends := f.outbox.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Content, "stuck")
}

func TestUnknownToolDoesNotAbortSiblingCalls(t *testing.T) {
	t.Parallel()
	echo := &stubTool{name: "echo", schema: tool.ObjectSchema(nil)}
	f := newFixture(t, []tool.Tool{echo}, nil)
	f.completer.responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			toolCall("call_1", "no_such_tool", `{}`),
			toolCall("call_2", "echo", `{}`),
		}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "stop"},
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("do both")))
	assert.Equal(t, 1, echo.calls)

	transcript := f.completer.lastTranscript(t)
	require.Len(t, transcript, 5)
	assert.Contains(t, transcript[3].Content, "not_found")
	assert.Contains(t, transcript[4].Content, `"success":true`)
}

func TestMalformedArgumentsBecomeValidationError(t *testing.T) {
	t.Parallel()
	echo := &stubTool{
		name:   "echo",
		schema: tool.ObjectSchema(map[string]any{"text": map[string]any{"type": "string"}}, "text"),
	}
	f := newFixture(t, []tool.Tool{echo}, nil)
	f.completer.responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			toolCall("call_1", "echo", `{not json`),
			toolCall("call_2", "echo", `{}`), // missing required "text"
		}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "stop"},
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("echo")))
	assert.Equal(t, 0, echo.calls)

	transcript := f.completer.lastTranscript(t)
	assert.Contains(t, transcript[3].Content, "validation_error")
	assert.Contains(t, transcript[4].Content, "validation_error")
}

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}
func (constEmbedder) Dimensions() int { return 4 }
func (constEmbedder) Name() string    { return "const" }

func TestDuplicateRequestIsNotExecutedTwice(t *testing.T) {
	t.Parallel()
	tracker := pending.NewTracker(constEmbedder{}, nil)
	t.Cleanup(tracker.Destroy)
	_, err := tracker.AddPending(context.Background(), "C1", "image_generation", map[string]any{"prompt": "a cat"}, "M0")
	require.NoError(t, err)

	gen := &stubTool{name: "image_generation", schema: tool.ObjectSchema(nil)}
	f := newFixture(t, []tool.Tool{gen}, func(o *Options) { o.Tracker = tracker })
	f.completer.responses = []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "image_generation", `{"prompt":"a cat picture"}`)}, FinishReason: "tool_calls"},
		{Content: "already on it", FinishReason: "stop"},
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("draw a cat")))
	assert.Equal(t, 0, gen.calls)

	transcript := f.completer.lastTranscript(t)
	assert.Contains(t, transcript[3].Content, "invalid_action")
	assert.Contains(t, transcript[3].Content, "already being processed")
}

func TestDeliveryChunksLongRepliesAndRepliesOnlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, func(o *Options) { o.MaxMessageLen = 20 })
	f.completer.responses = []*llm.Response{
		{Content: "first line of text\nsecond line of text", FinishReason: "stop"},
	}

	require.NoError(t, f.orch.Respond(context.Background(), request("talk a lot")))

	sends := f.outbox.all()
	require.Len(t, sends, 2)
	assert.Equal(t, "first line of text", sends[0].Content)
	assert.Equal(t, "second line of text", sends[1].Content)
	assert.Equal(t, "M1", sends[0].ReplyToID)
	assert.Empty(t, sends[1].ReplyToID)
}

func TestUnacknowledgedDeliveryFailsWithSendFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.outbox.mute = true
	f.completer.responses = []*llm.Response{{Content: "hello", FinishReason: "stop"}}

	err := f.orch.Respond(context.Background(), request("hi"))
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.ErrSendFailed, terr.Kind)
	assert.True(t, terr.Retryable)
}

func TestMentionRewritingUsesParticipantsThenResolver(t *testing.T) {
	t.Parallel()
	resolver := func(_ context.Context, platform, guildID, name string) (string, bool) {
		if platform == "discord" && name == "Bruno" {
			return "U9", true
		}
		return "", false
	}
	f := newFixture(t, nil, func(o *Options) { o.Resolver = resolver })
	f.completer.responses = []*llm.Response{
		{Content: "Ping @jose, @Bruno and @Nobody!", FinishReason: "stop"},
	}

	req := request("ping them")
	req.Message.Participants = map[string]string{"U2": "José"}
	require.NoError(t, f.orch.Respond(context.Background(), req))

	sends := f.outbox.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "Ping <@U2>, <@U9> and @Nobody!", sends[0].Content)
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SplitMessage("", 10))
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))

	// Prefers the last newline inside the limit.
	chunks := SplitMessage("aaa\nbbb\nccccc", 9)
	assert.Equal(t, []string{"aaa\nbbb", "ccccc"}, chunks)

	// Falls back to the last space.
	chunks = SplitMessage("aaaa bbbb cccc", 11)
	assert.Equal(t, []string{"aaaa bbbb", "cccc"}, chunks)

	// Hard cut when there is no boundary at all.
	chunks = SplitMessage("abcdefghij", 4)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)

	// A hard cut backs off so multibyte runes stay intact.
	chunks = SplitMessage("ééééé", 5)
	assert.Equal(t, []string{"éé", "éé", "é"}, chunks)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
	}
}
