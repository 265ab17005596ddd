package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/notify"
)

const persona = "You are Mira, a helpful assistant running on the user's smart glasses. " +
	"Your answer is shown on a small display and may be read aloud, so keep it short: " +
	"at most three plain sentences, no markdown, no lists unless asked. " +
	"Use the tools when they help; never invent tool results."

// localTime returns now in the zone of loc. Zones that cannot be loaded fall
// back to the reported UTC offset, then to UTC.
func localTime(now time.Time, loc capture.Location) time.Time {
	tz := loc.Timezone
	if tz.Name != "" && tz.Name != capture.Unknown {
		if z, err := time.LoadLocation(tz.Name); err == nil {
			return now.In(z)
		}
	}
	if tz.OffsetSec != 0 {
		name := tz.ShortName
		if name == "" || name == capture.Unknown {
			name = fmt.Sprintf("UTC%+d", tz.OffsetSec/3600)
		}
		return now.In(time.FixedZone(name, tz.OffsetSec))
	}
	return now.UTC()
}

func describeLocation(loc capture.Location) string {
	if loc.IsUnknown() {
		return "unknown"
	}
	var parts []string
	for _, p := range []string{loc.City, loc.State, loc.Country} {
		if p != "" && !strings.HasPrefix(p, capture.Unknown) {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ", ")
}

// SystemPrompt renders the system prompt for q at now. Empty sections are
// omitted.
func SystemPrompt(now time.Time, q Query, historyLimit int) string {
	var sb strings.Builder
	sb.WriteString(persona)

	// ── Context ───────────────────────────────────────────────────────────────
	local := localTime(now, q.Location)
	sb.WriteString("\n\n## Context\n")
	fmt.Fprintf(&sb, "Local date and time: %s\n", local.Format("Monday, January 2, 2006 3:04 PM MST"))
	fmt.Fprintf(&sb, "Location: %s", describeLocation(q.Location))
	if tz := q.Location.Timezone.Name; tz != "" && tz != capture.Unknown {
		fmt.Fprintf(&sb, "\nTimezone: %s", tz)
	}
	if q.Photo != nil {
		sb.WriteString("\nA photo of what the user is looking at is attached to the question.")
	}

	// ── Notifications ─────────────────────────────────────────────────────────
	if len(q.Notifications) > 0 {
		sb.WriteString("\n\n## Recent Notifications\n")
		for i, n := range q.Notifications {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "- [%s] %s", n.App, noteText(n))
		}
	}

	// ── History ───────────────────────────────────────────────────────────────
	history := q.History
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if len(history) > 0 {
		sb.WriteString("\n\n## Recent Conversation\n")
		for i, ex := range history {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "User: %s\nMira: %s", ex.Query, ex.Answer)
		}
	}

	return sb.String()
}

func noteText(n notify.Notification) string {
	switch {
	case n.Title != "" && n.Content != "":
		return n.Title + ": " + n.Content
	case n.Title != "":
		return n.Title
	}
	return n.Content
}
