package storage

import (
	"context"
	"fmt"
	"strings"

	"sessionjobs/pkg/logx"
)

// Store is the archive API.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns up to limit records, most recently finished first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when the
// archive is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

const defaultRecentLimit = 50

func normLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}
