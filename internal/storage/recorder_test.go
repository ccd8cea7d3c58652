package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionjobs/internal/eventbus"
	"sessionjobs/internal/job"
	"sessionjobs/pkg/logx"
)

func TestFromSnapshot(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2500 * time.Millisecond)
	rec := FromSnapshot(job.Snapshot{
		ID: "j1", Type: "echo", Status: job.StatusFailed, Total: 4, Completed: 2,
		Results: map[int]job.Result{0: {"ok": true}, 1: {"error": "x", "index": 1}},
		Error:   "panic: boom", CreatedAt: start, StartedAt: &start, FinishedAt: &end,
		Meta: map[string]any{"owner": "ops"},
	})
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, 1, rec.OK)
	assert.Equal(t, 1, rec.Failed)
	assert.Equal(t, int64(2500), rec.TookMS)
	assert.Equal(t, `{"owner":"ops"}`, rec.MetaJSON)
	assert.True(t, rec.FinishedAt.Equal(end))
}

func TestRecordAppendsTerminalEvents(t *testing.T) {
	s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.jsonl")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, RecordPrefixes()...)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Record(ctx, s, events, logx.Nop()) }()

	now := time.Now()
	bus.Publish(eventbus.Event{Type: job.EventStarted, Data: job.Snapshot{ID: "skip", Status: job.StatusRunning}})
	bus.Publish(eventbus.Event{Type: job.EventCompleted, Data: job.Snapshot{ID: "j1", Status: job.StatusCompleted, CreatedAt: now, FinishedAt: &now}})

	require.Eventually(t, func() bool {
		got, err := s.RecentJobs(context.Background(), 10)
		return err == nil && len(got) == 1 && got[0].ID == "j1"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
