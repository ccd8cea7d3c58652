package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionjobs/internal/job"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

const baseConfig = `
http:
  addr: 127.0.0.1:0
jobs:
  max_concurrent_jobs: 2
  retention: 1h
logging:
  level: warn
storage:
  driver: file
  path: %s
metrics:
  enabled: true
`

func startApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, fmt.Sprintf(baseConfig, filepath.Join(dir, "jobs.jsonl")))

	a, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a, cfgPath
}

func TestAppRunsJobsEndToEnd(t *testing.T) {
	a, _ := startApp(t)
	base := "http://" + a.Addr()

	resp, err := http.Post(base+"/api/jobs", "application/json",
		bytes.NewReader([]byte(`{"type":"echo","items":[{"phone":"+1"},{"phone":"+2"}]}`)))
	require.NoError(t, err)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		s, ok := a.Jobs().Status(created.JobID)
		return ok && s.Status == job.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// archive is written from the terminal event
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/history")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out struct {
			Jobs []map[string]any `json:"jobs"`
		}
		return json.NewDecoder(resp.Body).Decode(&out) == nil && len(out.Jobs) == 1 && out.Jobs[0]["id"] == created.JobID
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, buf.String(), "sessionjobs_jobs_created_total 1")
	assert.Contains(t, buf.String(), "go_goroutines")
}

func TestAppHotReloadsHTTPToken(t *testing.T) {
	a, cfgPath := startApp(t)
	base := "http://" + a.Addr()

	// Start returns only once edits are being watched, so a single write
	// right away must be picked up.
	select {
	case <-a.cfgm.Armed():
	default:
		t.Fatal("config watcher not armed after Start")
	}

	body := fmt.Sprintf(baseConfig, filepath.Join(filepath.Dir(cfgPath), "jobs.jsonl")) + "\n"
	body = strings.Replace(body, "  addr: 127.0.0.1:0\n", "  addr: 127.0.0.1:0\n  token: s3cret\n", 1)
	writeConfig(t, cfgPath, body)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/stats")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusUnauthorized
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/api/stats?token=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, cfgPath, `{"http":{"addr":"0.0.0.0:8080"}}`)
	_, err := New(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.token")
}
