package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sessionjobs/pkg/logx"
)

const maxLineBytes = 1 << 20

// fileStore appends one JSON object per archived job.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("job archive opened", logx.String("driver", "file"), logx.String("path", path))
	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendJob(_ context.Context, r JobRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	_, err = s.f.Write(b)
	return err
}

// RecentJobs scans the whole file keeping the last limit records. Lines that
// fail to decode (a torn final write) are skipped.
func (s *fileStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	limit = normLimit(limit)

	s.mu.Lock()
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]JobRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	skipped := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.path, err)
	}
	if skipped > 0 {
		s.log.Warn("skipped unreadable archive lines", logx.Int("count", skipped))
	}

	out := make([]JobRecord, len(ring))
	for i, r := range ring {
		out[len(ring)-1-i] = r
	}
	return out, nil
}
