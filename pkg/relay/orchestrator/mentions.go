// Package orchestrator – mentions.go rewrites @name placeholders emitted by
// the LLM into real platform mention syntax. Names are matched
// case-insensitively and ignoring diacritics ("José" matches "jose") against
// the message participants first, then against a platform-provided resolver
// with a short timeout.
package orchestrator

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

// resolveTimeout bounds the platform name-resolution callback. On timeout
// the placeholder is left as-is.
const resolveTimeout = 1500 * time.Millisecond

// NameResolver looks a display name up on the requesting message's platform
// and returns the user id. ok is false when the name is unknown.
type NameResolver func(ctx context.Context, platform, guildID, name string) (userID string, ok bool)

var mentionRE = regexp.MustCompile(`@([\p{L}\p{N}][\p{L}\p{N}_.\-]*)`)

// foldTransformer strips combining marks after NFD decomposition, making
// accent-insensitive comparisons cheap.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldName(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// rewriteMentions replaces each @name in text with platform mention syntax
// when the name resolves to a known user. Unresolvable names stay as plain
// text.
func rewriteMentions(ctx context.Context, text string, msg *bus.Message, resolver NameResolver) string {
	matches := mentionRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		// Leave already-formatted mentions like <@123> alone.
		if start > 0 && text[start-1] == '<' {
			continue
		}
		name := text[m[2]:m[3]]

		id, ok := lookupParticipant(msg, name)
		if !ok && resolver != nil {
			id, ok = resolveBounded(ctx, resolver, msg.Platform, msg.GuildID, name)
		}
		if !ok {
			continue
		}

		sb.WriteString(text[last:start])
		sb.WriteString(formatMention(msg.Platform, id))
		last = end
	}
	sb.WriteString(text[last:])
	return sb.String()
}

func lookupParticipant(msg *bus.Message, name string) (string, bool) {
	folded := foldName(name)
	for id, display := range msg.Participants {
		if foldName(display) == folded {
			return id, true
		}
	}
	return "", false
}

// resolveBounded runs the resolver with a hard deadline. A slow platform
// lookup must not stall delivery, so timing out means no match.
func resolveBounded(ctx context.Context, resolver NameResolver, platform, guildID, name string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	type answer struct {
		id string
		ok bool
	}
	ch := make(chan answer, 1)
	go func() {
		id, ok := resolver(ctx, platform, guildID, name)
		ch <- answer{id, ok}
	}()

	select {
	case a := <-ch:
		return a.id, a.ok
	case <-ctx.Done():
		return "", false
	}
}

func formatMention(platform, userID string) string {
	switch platform {
	case "discord":
		return "<@" + userID + ">"
	default:
		return "@" + userID
	}
}
