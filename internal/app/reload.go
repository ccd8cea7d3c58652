package app

import (
	"context"
	"strings"
	"time"

	"sessionjobs/internal/config"
	"sessionjobs/pkg/logx"
)

// startReloadLoop applies committed config reloads. Logging, the HTTP token
// and the notifier are applied live; other sections log that a restart is
// required.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	if prev == nil {
		prev = &config.Config{}
	}
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(next.Logx())

	if prev.HTTP != next.HTTP {
		a.http.SetToken(next.HTTP.Token)
		p, n := prev.HTTP, next.HTTP
		p.Token, n.Token = "", ""
		if p != n {
			a.log.Warn("http listener settings changed; restart required (token applied)")
		}
	}

	a.applyNotifier(ctx, prev, next)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, prev, next *config.Config) {
	ncfg := mapNotifierConfig(next)
	wasEnabled := a.notif.Enabled()

	if ncfg.Enabled && (telegramToken(prev) != telegramToken(next) || !wasEnabled) {
		sender, err := newSender(next, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			a.log.Warn("telegram sender rebuild failed; keeping previous", logx.Err(err))
			return
		}
		a.notif.SetSender(sender)
	}
	a.notif.Apply(ncfg)

	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(a.sup.Context())
	}
}
