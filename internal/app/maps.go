package app

import (
	"strings"
	"time"

	"sessionjobs/internal/config"
	"sessionjobs/internal/httpapi"
	"sessionjobs/internal/job"
	"sessionjobs/internal/notifier"
	"sessionjobs/internal/storage"
	"sessionjobs/internal/transport"
	telegram "sessionjobs/internal/transport/telegram/adapter"
	"sessionjobs/pkg/logx"
)

const telegramTimeout = 15 * time.Second

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h, err := cfg.ResolveHTTP()
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   h.ReadTimeout,
		WriteTimeout:  h.WriteTimeout,
		IdleTimeout:   h.IdleTimeout,
		Pprof:         h.Pprof,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	t := cfg.Telegram
	if t == nil {
		return notifier.Config{}
	}
	nc := notifier.Config{
		Enabled:    t.Enabled,
		Target:     transport.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID},
		RatePerSec: t.RatePerSec,
		RetryMax:   3,
	}
	for _, s := range t.NotifyOn {
		nc.NotifyOn = append(nc.NotifyOn, job.Status(strings.TrimSpace(s)))
	}
	return nc
}

// newSender builds the Bot API sender, or nil when telegram is off.
func newSender(cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	t := cfg.Telegram
	if t == nil || !t.Enabled {
		return nil, nil
	}
	ad, err := telegram.New(telegram.Config{Token: t.Token, Timeout: telegramTimeout}, log)
	if err != nil {
		return nil, err
	}
	return ad, nil
}

func telegramToken(cfg *config.Config) string {
	if cfg == nil || cfg.Telegram == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Telegram.Token)
}
