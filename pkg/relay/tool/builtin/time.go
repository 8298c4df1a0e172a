// Package builtin – time.go reports the current date and time. Kept as a
// tool rather than prompt text so the answer is live at call time instead of
// frozen when the prompt was built.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/relay/pkg/relay/tool"
)

// TimeTool answers "what time is it", optionally in a specific IANA zone.
type TimeTool struct {
	// now is swappable for tests.
	now func() time.Time
}

// NewTimeTool builds the time tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

var _ tool.Tool = (*TimeTool)(nil)

func (t *TimeTool) Metadata() tool.Metadata {
	return tool.Metadata{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone such as America/Sao_Paulo or Europe/Berlin.",
		Keywords:    []string{"time", "date", "timezone"},
		Category:    "utility",
	}
}

func (t *TimeTool) Schema() json.RawMessage {
	return tool.ObjectSchema(map[string]any{
		"timezone": map[string]any{
			"type":        "string",
			"description": "IANA timezone name. Defaults to UTC.",
		},
	})
}

func (t *TimeTool) Execute(_ context.Context, args map[string]any, _ *tool.Context) (*tool.Result, error) {
	loc := time.UTC
	if name, _ := args["timezone"].(string); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return tool.Fail(tool.ErrValidation, fmt.Sprintf("unknown timezone %q", name), false), nil
		}
		loc = l
	}

	now := t.now().In(loc)
	return tool.Ok(map[string]any{
		"iso":      now.Format(time.RFC3339),
		"readable": now.Format("Monday, January 2 2006 at 15:04"),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}), nil
}
