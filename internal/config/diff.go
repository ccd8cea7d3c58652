package config

import (
	"reflect"
	"sort"
	"strings"

	"sessionjobs/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are reported only as
// "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var fields []logx.Field

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		fields = append(fields,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		fields = append(fields,
			logx.Int("jobs.max_concurrent_jobs", newCfg.Jobs.MaxConcurrentJobs),
			logx.Int("jobs.fanout_cap", newCfg.Jobs.FanoutCap),
			logx.String("jobs.item_timeout", newCfg.Jobs.ItemTimeout),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)) {
		changed = append(changed, "telegram")
		t := derefTelegram(newCfg.Telegram)
		fields = append(fields,
			logx.Bool("telegram.enabled", t.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(t.Token) != ""),
			logx.Int("telegram.rate_per_sec", t.RatePerSec),
		)
	}
	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		fields = append(fields, logx.String("storage.driver", s.Driver), logx.Bool("storage.path_set", s.Path != ""))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		fields = append(fields, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	sort.Strings(changed)
	return changed, fields
}

// NeedsRestart reports which changed sections only take effect at startup.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "jobs", "storage", "metrics", "systemd":
			out = append(out, s)
		}
	}
	return out
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
