package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
http:
  addr: 127.0.0.1:9090
jobs:
  max_concurrent_jobs: 3
  item_timeout: 30s
logging:
  level: debug
  console: true
telegram:
  enabled: true
  token: "123:abc"
  chat_id: -100200
  notify_on: [failed]
storage:
  driver: sqlite
  path: ./jobs.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, int64(-100200), cfg.Telegram.ChatID)
	require.NoError(t, Validate(cfg))

	j, err := cfg.ResolveJobs()
	require.NoError(t, err)
	assert.Equal(t, 3, j.MaxConcurrentJobs)
	assert.Equal(t, 50, j.MaxConcurrentSessions)
	assert.Equal(t, 10, j.FanoutCap)
	assert.Equal(t, 30*time.Second, j.ItemTimeout)
	assert.Equal(t, DefaultRetention, j.Retention)
	assert.Equal(t, DefaultPruneSchedule, j.PruneSchedule)
	assert.Equal(t, 50, j.ListLimit)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"jobs":{"max_jobs":3}}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("http: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		HTTP:     HTTPConfig{Addr: "0.0.0.0:8080"},
		Jobs:     JobsConfig{ItemTimeout: "soon", PruneSchedule: "every tuesday"},
		Logging:  LoggingConfig{Level: "loud"},
		Telegram: &TelegramConfig{Enabled: true, NotifyOn: []string{"running"}},
		Storage:  &StorageConfig{Driver: "postgres"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"not loopback", "jobs.item_timeout", "logging.level", "telegram.token", "telegram.chat_id", "notify_on", "storage.driver"} {
		assert.ErrorContains(t, err, want)
	}

	cfg = &Config{HTTP: HTTPConfig{Addr: "0.0.0.0:8080", Token: "s3cret"}}
	require.NoError(t, Validate(cfg))
	require.NoError(t, Validate(&Config{}))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	got := <-ch
	assert.Equal(t, "debug", got.Logging.Level)

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"loud"}}`), 0o600))
	_, err = m.Reload(context.Background())
	require.ErrorContains(t, err, "config rejected")
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600)
		select {
		case cfg := <-ch:
			return cfg.Logging.Level == "warn"
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchSeesEditAfterArmed(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	select {
	case <-m.Armed():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never armed")
	}
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"error"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "error", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("edit after arming was not published")
	}
}

func TestWatchCatchesEditMadeBeforeArming(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("edit made before the watcher started was not published")
	}
}

func TestSummarizeChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, Telegram: &TelegramConfig{Token: "a"}}
	next := &Config{Logging: LoggingConfig{Level: "debug"}, Telegram: &TelegramConfig{Token: "b"}, Jobs: JobsConfig{FanoutCap: 4}}

	changed, fields := SummarizeChange(old, next)
	assert.Equal(t, []string{"jobs", "logging", "telegram"}, changed)
	assert.NotEmpty(t, fields)
	assert.Equal(t, []string{"jobs"}, NeedsRestart(changed))
}
