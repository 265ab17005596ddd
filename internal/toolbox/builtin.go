package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/pkg/provider/llm"
)

const (
	// analyzeWindow is how many recent notifications analyze_notifications reads.
	analyzeWindow = 10

	defaultMaxNotifications = 5
)

// BuiltinSource offers the in-process tools.
type BuiltinSource struct {
	notes *notify.Store
	clock clock.Clock
}

// NewBuiltinSource returns the built-in tools. A nil clk uses wall time.
func NewBuiltinSource(notes *notify.Store, clk clock.Clock) *BuiltinSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &BuiltinSource{notes: notes, clock: clk}
}

// Name implements Source.
func (b *BuiltinSource) Name() string { return "builtin" }

// Tools implements Source.
func (b *BuiltinSource) Tools(_ context.Context, req Request) ([]Tool, error) {
	tools := []Tool{b.currentTime(req)}
	if b.notes != nil {
		tools = append(tools, b.analyzeNotifications(req))
	}
	return tools, nil
}

func (b *BuiltinSource) analyzeNotifications(req Request) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "analyze_notifications",
			Description: "Summarise the user's most recent phone notifications, newest first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"max_notifications": map[string]any{
						"type":        "integer",
						"description": "How many notifications to include (default 5).",
					},
				},
			},
		},
		Source: "builtin",
		Handler: func(_ context.Context, args string) (string, error) {
			notes := b.notes.Latest(req.UserID, analyzeWindow)
			if len(notes) == 0 {
				return "No notifications available to analyze", nil
			}

			var params struct {
				MaxNotifications int `json:"max_notifications"`
			}
			if strings.TrimSpace(args) != "" {
				_ = json.Unmarshal([]byte(args), &params)
			}
			limit := params.MaxNotifications
			if limit <= 0 {
				limit = defaultMaxNotifications
			}

			var sb strings.Builder
			sb.WriteString("Important Notifications:")
			for i := range min(limit, len(notes)) {
				n := notes[len(notes)-1-i]
				fmt.Fprintf(&sb, "\n%d. %s (%s)", i+1, notificationSummary(n), n.App)
			}
			return sb.String(), nil
		},
	}
}

func notificationSummary(n notify.Notification) string {
	switch {
	case n.Title != "" && n.Content != "":
		return n.Title + ": " + n.Content
	case n.Title != "":
		return n.Title
	default:
		return n.Content
	}
}

func (b *BuiltinSource) currentTime(req Request) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "current_time",
			Description: "Get the current date and time in the user's local timezone.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Source: "builtin",
		Handler: func(context.Context, string) (string, error) {
			now := b.clock.Now()
			if loc, err := time.LoadLocation(req.Timezone); req.Timezone != "" && err == nil {
				now = now.In(loc)
			} else {
				now = now.UTC()
			}
			return now.Format("Monday, January 2, 2006 3:04 PM MST"), nil
		},
	}
}
