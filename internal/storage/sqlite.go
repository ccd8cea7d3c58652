package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sessionjobs/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("job archive opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendJob upserts by id; archiving the same job twice keeps the latest.
func (s *sqliteStore) AppendJob(ctx context.Context, r JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, type, status, total, completed, ok, failed, cancelled, err, created_at, finished_at, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, completed=excluded.completed, ok=excluded.ok, failed=excluded.failed,
		   cancelled=excluded.cancelled, err=excluded.err, finished_at=excluded.finished_at, took_ms=excluded.took_ms`,
		r.ID, r.Type, r.Status, r.Total, r.Completed, r.OK, r.Failed, r.Cancelled, nullStr(r.Error),
		formatTime(r.CreatedAt), formatTime(r.FinishedAt), r.TookMS, nullStr(r.MetaJSON),
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, status, total, completed, ok, failed, cancelled, err, created_at, finished_at, took_ms, meta
		 FROM jobs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, normLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r                 JobRecord
			errStr, meta      sql.NullString
			created, finished string
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.Status, &r.Total, &r.Completed, &r.OK, &r.Failed, &r.Cancelled,
			&errStr, &created, &finished, &r.TookMS, &meta); err != nil {
			return nil, err
		}
		r.Error, r.MetaJSON = errStr.String, meta.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// formatTime uses a fixed-width UTC layout so text ordering matches time
// ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
