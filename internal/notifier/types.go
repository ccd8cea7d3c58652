package notifier

import (
	"time"

	"sessionjobs/internal/job"
	"sessionjobs/internal/transport"
)

type Config struct {
	Enabled    bool
	Target     transport.ChatTarget
	RatePerSec int
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
	// NotifyOn lists the terminal statuses that produce a message. Empty
	// means all of them.
	NotifyOn []job.Status
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// NotificationEvent is published on the bus after each delivery attempt.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	JobID  string    `json:"job_id,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
