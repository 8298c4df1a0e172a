// Package orchestrator turns an LLM's tool directives into side effects and
// a final user-facing reply. For each inbound AI request it runs the
// completion, executes the requested tool calls with per-call isolation,
// issues a follow-up completion over the full transcript, and delivers the
// result in platform-sized chunks.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/relay/pkg/relay/access"
	"github.com/jholhewres/relay/pkg/relay/bus"
	"github.com/jholhewres/relay/pkg/relay/llm"
	"github.com/jholhewres/relay/pkg/relay/pending"
	"github.com/jholhewres/relay/pkg/relay/tool"
)

// ackTimeoutDefault bounds the wait for a delivery acknowledgement. No ack
// within the window counts as a failed send.
const ackTimeoutDefault = 30 * time.Second

// toolTimeoutDefault bounds a single tool execution.
const toolTimeoutDefault = 30 * time.Second

// Completer is the completion provider. *llm.Client satisfies it.
type Completer interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error)
}

// Options configures an Orchestrator.
type Options struct {
	Registry  *tool.Registry
	Completer Completer
	Bus       *bus.Bus

	// Tracker deduplicates in-flight tool requests. Optional.
	Tracker *pending.Tracker

	// Resolver translates display names to user ids for mention
	// rewriting. Optional.
	Resolver NameResolver

	// MaxMessageLen is the outbound chunk limit. Defaults to
	// MaxMessageDefault.
	MaxMessageLen int

	// ToolTimeout bounds a single tool execution. Defaults to
	// toolTimeoutDefault.
	ToolTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator drives one completion-plus-tools round per request.
type Orchestrator struct {
	registry    *tool.Registry
	completer   Completer
	bus         *bus.Bus
	tracker     *pending.Tracker
	resolver    NameResolver
	maxLen      int
	ackTimeout  time.Duration
	toolTimeout time.Duration
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLen := opts.MaxMessageLen
	if maxLen <= 0 {
		maxLen = MaxMessageDefault
	}
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = toolTimeoutDefault
	}
	return &Orchestrator{
		registry:    opts.Registry,
		completer:   opts.Completer,
		bus:         opts.Bus,
		tracker:     opts.Tracker,
		resolver:    opts.Resolver,
		maxLen:      maxLen,
		ackTimeout:  ackTimeoutDefault,
		toolTimeout: toolTimeout,
		logger:      logger.With("component", "orchestrator"),
	}
}

// Request is one inbound message escalated to the AI loop.
type Request struct {
	Message *bus.Message

	// System and User are the assembled prompt halves.
	System string
	User   string

	// Access scopes which tools this request may call.
	Access access.Context
}

// Respond runs the full loop for one request and delivers the reply.
func (o *Orchestrator) Respond(ctx context.Context, req *Request) error {
	if o.completer == nil {
		return &tool.Error{Kind: tool.ErrConfiguration, Message: "no completion provider configured"}
	}

	accessible := o.registry.Accessible(req.Access)
	defs := toolDefinitions(accessible)
	byName := make(map[string]tool.Tool, len(accessible))
	for _, t := range accessible {
		byName[t.Metadata().Name] = t
	}

	transcript := make([]llm.Message, 0, 4)
	if req.System != "" {
		transcript = append(transcript, llm.Message{Role: llm.RoleSystem, Content: req.System})
	}
	transcript = append(transcript, llm.Message{Role: llm.RoleUser, Content: req.User})

	first, err := o.completer.Chat(ctx, transcript, defs)
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}
	if len(first.ToolCalls) == 0 {
		if first.Content == "" {
			return nil
		}
		return o.deliver(ctx, req.Message, first.Content)
	}

	transcript = append(transcript, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   first.Content,
		ToolCalls: first.ToolCalls,
	})

	// Each call is processed independently; one failure never aborts the
	// loop or the follow-up completion.
	var failures []string
	for _, call := range first.ToolCalls {
		turn, failure := o.executeCall(ctx, call, byName, req.Message)
		transcript = append(transcript, turn)
		if failure != "" {
			failures = append(failures, failure)
		}
	}

	content := ""
	follow, err := o.completer.Chat(ctx, transcript, defs)
	if err != nil {
		o.logger.Error("follow-up completion failed", "error", err)
	} else {
		content = follow.Content
	}

	// Never go silent after a failed tool run.
	if content == "" && len(failures) > 0 {
		content = fallbackText(failures)
	}
	if content == "" {
		return nil
	}
	return o.deliver(ctx, req.Message, content)
}

// toolTurn is the JSON payload of a tool-result transcript turn.
type toolTurn struct {
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   *tool.Error `json:"error,omitempty"`

	// Hint instructs the LLM how to present a failure.
	Hint string `json:"hint,omitempty"`
}

// executeCall runs one tool call and produces its transcript turn. failure
// is a human-readable description when the call did not succeed.
func (o *Orchestrator) executeCall(ctx context.Context, call llm.ToolCall, byName map[string]tool.Tool, msg *bus.Message) (llm.Message, string) {
	name := call.Function.Name
	fail := func(terr *tool.Error) (llm.Message, string) {
		o.logger.Warn("tool call failed", "tool", name, "kind", terr.Kind, "error", terr.Message)
		return toolMessage(call.ID, &toolTurn{
			Success: false,
			Error:   terr,
			Hint:    "Inform the user this step failed and propose an alternative.",
		}), fmt.Sprintf("%s: %s", name, terr.Message)
	}

	t, ok := byName[name]
	if !ok {
		return fail(&tool.Error{Kind: tool.ErrNotFound, Message: "unknown tool " + name})
	}

	var args map[string]any
	if raw := call.Function.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fail(&tool.Error{Kind: tool.ErrValidation, Message: "malformed tool arguments: " + err.Error()})
		}
	}
	if err := tool.ValidateArgs(name, t.Schema(), args); err != nil {
		var terr *tool.Error
		if !errors.As(err, &terr) {
			terr = &tool.Error{Kind: tool.ErrValidation, Message: err.Error()}
		}
		return fail(terr)
	}

	channelID := msg.ChannelID
	if o.tracker != nil {
		if dup, err := o.tracker.FindSimilar(ctx, channelID, name, args); err != nil {
			o.logger.Warn("duplicate lookup failed", "tool", name, "error", err)
		} else if dup != nil {
			return fail(&tool.Error{
				Kind:    tool.ErrInvalidAction,
				Message: fmt.Sprintf("a very similar request (%s) is already being processed", dup.Summary),
			})
		}

		if id, err := o.tracker.AddPending(ctx, channelID, name, args, msg.ID); err != nil {
			o.logger.Warn("pending registration failed", "tool", name, "error", err)
		} else {
			defer o.tracker.RemovePending(channelID, id)
		}
	}

	start := time.Now()
	result, err := o.runTool(ctx, t, args, msg)
	duration := time.Since(start)
	o.logger.Info("tool executed",
		"tool", name,
		"duration_ms", duration.Milliseconds(),
		"success", err == nil && result.Success)

	if err != nil {
		var terr *tool.Error
		if !errors.As(err, &terr) {
			terr = &tool.Error{Kind: tool.ErrExecution, Message: err.Error()}
		}
		return fail(terr)
	}
	if !result.Success {
		terr := result.Err
		if terr == nil {
			terr = &tool.Error{Kind: tool.ErrExecution, Message: "tool reported failure"}
		}
		return fail(terr)
	}
	return toolMessage(call.ID, &toolTurn{Success: true, Data: result.Data}), ""
}

// runTool executes the tool body with a bounded deadline, converting a panic
// into an error so a broken tool cannot take down the dispatch loop. A tool
// that outlives the deadline is abandoned; its goroutine keeps the cancelled
// context and must wind down on its own.
func (o *Orchestrator) runTool(ctx context.Context, t tool.Tool, args map[string]any, msg *bus.Message) (*tool.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()

	type outcome struct {
		result *tool.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := t.Execute(ctx, args, &tool.Context{Message: msg, Bus: o.bus})
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &tool.Error{Kind: tool.ErrTimeout, Message: "tool execution timed out", Retryable: true}
	}
}

func toolMessage(callID string, turn *toolTurn) llm.Message {
	payload, err := json.Marshal(turn)
	if err != nil {
		payload = []byte(`{"success":false}`)
	}
	return llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: string(payload)}
}

func fallbackText(failures []string) string {
	var sb strings.Builder
	sb.WriteString("Sorry, I couldn't finish that:\n")
	for _, f := range failures {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	sb.WriteString("You could try again or rephrase the request.")
	return sb.String()
}

// deliver rewrites mentions, chunks the text, and emits one outbound event
// per chunk. Only the first chunk replies to the triggering message.
func (o *Orchestrator) deliver(ctx context.Context, msg *bus.Message, text string) error {
	text = rewriteMentions(ctx, text, msg, o.resolver)

	for i, chunk := range SplitMessage(text, o.maxLen) {
		ack := make(chan error, 1)
		out := bus.MessageSend{
			Platform:  msg.Platform,
			ChannelID: msg.ChannelID,
			Content:   chunk,
			Ack:       ack,
		}
		if i == 0 {
			out.ReplyToID = msg.ID
		}
		o.bus.Fire(ctx, out)

		select {
		case err := <-ack:
			if err != nil {
				return &tool.Error{Kind: tool.ErrSendFailed, Message: err.Error(), Retryable: true}
			}
		case <-time.After(o.ackTimeout):
			return &tool.Error{Kind: tool.ErrSendFailed, Message: "delivery not acknowledged in time", Retryable: true}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func toolDefinitions(tools []tool.Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		md := t.Metadata()
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        md.Name,
				Description: md.Description,
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}
