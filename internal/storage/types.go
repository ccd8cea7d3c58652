package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the archive. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the archived summary of a finished job. Per-item results are
// reduced to counts.
type JobRecord struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	OK         int       `json:"ok"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
	TookMS     int64     `json:"took_ms"`
	MetaJSON   string    `json:"meta,omitempty"`
}
