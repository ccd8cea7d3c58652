package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"sessionjobs/internal/job"
)

func statusIcon(s job.Status) string {
	switch s {
	case job.StatusCompleted:
		return "✅"
	case job.StatusFailed:
		return "❌"
	case job.StatusCancelled:
		return "⏹"
	default:
		return "•"
	}
}

// FormatSummary renders a terminal job as an HTML message:
// "job <id> (<type>) completed: ok=X failed=Y cancelled=Z of N, took D".
func FormatSummary(s job.Snapshot) string {
	ok, failed, cancelled := s.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "%s job <code>%s</code> (<b>%s</b>) %s: ok=%d failed=%d cancelled=%d of %d",
		statusIcon(s.Status), html.EscapeString(s.ID), html.EscapeString(s.Type), s.Status,
		ok, failed, cancelled, s.Total)
	if d := s.Duration(); d > 0 {
		fmt.Fprintf(&b, ", took %s", d.Round(time.Millisecond))
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", html.EscapeString(s.Error))
	}
	return b.String()
}
