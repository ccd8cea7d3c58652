package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "24h"). Omitted
// fields take the defaults listed on each section.
type Config struct {
	HTTP     HTTPConfig      `json:"http"`
	Jobs     JobsConfig      `json:"jobs"`
	Logging  LoggingConfig   `json:"logging"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Metrics  MetricsConfig   `json:"metrics"`
	Systemd  SystemdConfig   `json:"systemd"`
}

// HTTPConfig controls the request layer.
//
// Defaults: addr "127.0.0.1:8080", read_timeout "15s", write_timeout "30s",
// idle_timeout "60s". Token is optional; when set every route except
// /healthz requires it. Binding a non-loopback address without a token is
// rejected unless allow_insecure is set.
type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// JobsConfig controls admission and batch execution. It is read once at
// startup; changes need a restart.
//
// Defaults: max_concurrent_jobs 5, max_concurrent_sessions 50, fanout_cap 10,
// item_timeout "60s", retention "24h", prune_schedule "@every 10m",
// list_limit 50.
type JobsConfig struct {
	MaxConcurrentJobs     int    `json:"max_concurrent_jobs,omitempty"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions,omitempty"`
	FanoutCap             int    `json:"fanout_cap,omitempty"`
	ItemTimeout           string `json:"item_timeout,omitempty"`
	Retention             string `json:"retention,omitempty"`
	PruneSchedule         string `json:"prune_schedule,omitempty"`
	ListLimit             int    `json:"list_limit,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig enables job summaries sent through the Bot API.
// notify_on lists the terminal statuses that produce a message
// (default: failed, cancelled, completed).
type TelegramConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token"`
	ChatID     int64    `json:"chat_id"`
	ThreadID   int      `json:"thread_id,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	NotifyOn   []string `json:"notify_on,omitempty"`
}

// StorageConfig selects the job archive. A nil section (or driver "none")
// disables it.
type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
