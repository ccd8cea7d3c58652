package job

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Result is the outcome of one item: arbitrary JSON-compatible data.
// Error outcomes carry "error" and "index"; a short-circuited item is
// {"cancelled": true}.
type Result map[string]any

// Progress carries the result of one finished item.
type Progress struct {
	Index  int
	Result Result
}

// StartFunc runs a job's work. ctx is owned by the registry and is only
// cancelled on shutdown.
type StartFunc func(ctx context.Context) error

// Snapshot is a deep copy of a job record. Mutating it never affects the
// registry.
type Snapshot struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     Status         `json:"status"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Results    map[int]Result `json:"results"`
	Error      string         `json:"error,omitempty"`
	Cancelled  bool           `json:"cancelled"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Meta       map[string]any `json:"meta"`
}

// Counts tallies item outcomes by kind.
func (s Snapshot) Counts() (ok, failed, cancelled int) {
	for _, r := range s.Results {
		switch {
		case r["cancelled"] == true:
			cancelled++
		case r["error"] != nil:
			failed++
		default:
			ok++
		}
	}
	return ok, failed, cancelled
}

// Duration is the wall time between admission (or creation) and finish.
func (s Snapshot) Duration() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	from := s.CreatedAt
	if s.StartedAt != nil {
		from = *s.StartedAt
	}
	return s.FinishedAt.Sub(from)
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Running  int            `json:"running"`
	Queued   int            `json:"queued"`
	Ceiling  int            `json:"ceiling"`
	Jobs     int            `json:"jobs"`
	ByStatus map[Status]int `json:"by_status"`
}

// Lifecycle event types published on the event bus. Data is a Snapshot.
const (
	EventCreated   = "job.created"
	EventQueued    = "job.queued"
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
)

func terminalEvent(s Status) string {
	switch s {
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	default:
		return EventCancelled
	}
}
