package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"sessionjobs/pkg/logx"
)

const (
	DefaultAddr          = "127.0.0.1:8080"
	DefaultItemTimeout   = 60 * time.Second
	DefaultRetention     = 24 * time.Hour
	DefaultPruneSchedule = "@every 10m"
)

// Jobs holds the parsed, defaulted jobs section.
type Jobs struct {
	MaxConcurrentJobs     int
	MaxConcurrentSessions int
	FanoutCap             int
	ItemTimeout           time.Duration
	Retention             time.Duration
	PruneSchedule         string
	ListLimit             int
}

// ResolveJobs applies defaults to the jobs section and parses durations.
func (c *Config) ResolveJobs() (Jobs, error) {
	j := Jobs{
		MaxConcurrentJobs:     orInt(c.Jobs.MaxConcurrentJobs, 5),
		MaxConcurrentSessions: orInt(c.Jobs.MaxConcurrentSessions, 50),
		FanoutCap:             orInt(c.Jobs.FanoutCap, 10),
		PruneSchedule:         strings.TrimSpace(c.Jobs.PruneSchedule),
		ListLimit:             orInt(c.Jobs.ListLimit, 50),
	}
	if j.PruneSchedule == "" {
		j.PruneSchedule = DefaultPruneSchedule
	}
	var err error
	if j.ItemTimeout, err = ParseDurationOrDefault("jobs.item_timeout", c.Jobs.ItemTimeout, DefaultItemTimeout); err != nil {
		return Jobs{}, err
	}
	if j.Retention, err = ParseDurationOrDefault("jobs.retention", c.Jobs.Retention, DefaultRetention); err != nil {
		return Jobs{}, err
	}
	return j, nil
}

// HTTP holds the parsed, defaulted http section.
type HTTP struct {
	Addr          string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	Pprof         bool
}

func (c *Config) ResolveHTTP() (HTTP, error) {
	h := HTTP{
		Addr:          strings.TrimSpace(c.HTTP.Addr),
		Token:         strings.TrimSpace(c.HTTP.Token),
		AllowInsecure: c.HTTP.AllowInsecure,
		Pprof:         c.HTTP.Pprof,
	}
	if h.Addr == "" {
		h.Addr = DefaultAddr
	}
	var err error
	if h.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", c.HTTP.ReadTimeout, 15*time.Second); err != nil {
		return HTTP{}, err
	}
	if h.WriteTimeout, err = ParseDurationOrDefault("http.write_timeout", c.HTTP.WriteTimeout, 30*time.Second); err != nil {
		return HTTP{}, err
	}
	if h.IdleTimeout, err = ParseDurationOrDefault("http.idle_timeout", c.HTTP.IdleTimeout, 60*time.Second); err != nil {
		return HTTP{}, err
	}
	return h, nil
}

// Logx converts the logging section for logx.Service.Apply.
func (c *Config) Logx() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// Validate reports every problem found in cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	h, err := cfg.ResolveHTTP()
	if err != nil {
		errs = append(errs, err)
	} else {
		if _, _, err := net.SplitHostPort(h.Addr); err != nil {
			add("http.addr: %w", err)
		} else if h.Token == "" && !h.AllowInsecure && !IsLoopbackAddr(h.Addr) {
			add("http.addr %q is not loopback: set http.token or http.allow_insecure", h.Addr)
		}
	}

	j, err := cfg.ResolveJobs()
	if err != nil {
		errs = append(errs, err)
	} else {
		if j.MaxConcurrentJobs < 0 || j.MaxConcurrentSessions < 0 || j.FanoutCap < 0 || j.ListLimit < 0 {
			add("jobs: limits must be >= 0")
		}
		if _, err := cron.ParseStandard(j.PruneSchedule); err != nil {
			add("jobs.prune_schedule: %w", err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if t := cfg.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add("telegram.token is required when telegram.enabled")
		}
		if t.ChatID == 0 {
			add("telegram.chat_id is required when telegram.enabled")
		}
		for _, s := range t.NotifyOn {
			switch s {
			case "completed", "failed", "cancelled":
			default:
				add("telegram.notify_on: unknown status %q", s)
			}
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
