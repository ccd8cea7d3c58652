package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionjobs/pkg/logx"
)

func record(id string, finished time.Time) JobRecord {
	return JobRecord{
		ID: id, Type: "echo", Status: "completed", Total: 3, Completed: 3, OK: 2, Failed: 1,
		CreatedAt: finished.Add(-time.Second), FinishedAt: finished, TookMS: 1000, MetaJSON: `{"owner":"ops"}`,
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendJob(ctx, record(id, base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := s.RecentJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, 1, got[0].Failed)
	assert.Equal(t, `{"owner":"ops"}`, got[0].MetaJSON)
	assert.True(t, got[0].FinishedAt.Equal(base.Add(2*time.Minute)))

	all, err := s.RecentJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestOpenDisabled(t *testing.T) {
	s, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "jobs.jsonl")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	_, err = s.RecentJobs(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.AppendJob(context.Background(), JobRecord{}), ErrClosed)
}

func TestFileStoreSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendJob(context.Background(), record("a", time.Now())))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"tor`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := s.RecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	// Re-archiving a job updates it in place.
	r := record("a", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	r.Status = "cancelled"
	require.NoError(t, s.AppendJob(context.Background(), r))
	got, err := s.RecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "cancelled", got[0].Status)
}
