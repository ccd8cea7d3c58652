// Package app wires the job service together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sessionjobs/internal/batch"
	"sessionjobs/internal/config"
	"sessionjobs/internal/eventbus"
	"sessionjobs/internal/httpapi"
	"sessionjobs/internal/job"
	"sessionjobs/internal/metrics"
	"sessionjobs/internal/notifier"
	"sessionjobs/internal/ops"
	"sessionjobs/internal/progress"
	rtsup "sessionjobs/internal/runtime/supervisor"
	"sessionjobs/internal/storage"
	"sessionjobs/pkg/logx"
)

const watchArmTimeout = 2 * time.Second

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics  *metrics.Metrics
	jobs     *job.Registry
	progress *progress.Broadcaster
	exec     *batch.Executor
	ops      *ops.Registry
	notif    *notifier.Service
	http     *httpapi.Server
	janitor  *janitor

	sdNotify bool
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	jc, err := cfg.ResolveJobs()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logx())
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		gatherer = reg
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		appLog.Info("job archive enabled", logx.String("driver", sc.Driver))
	}

	jobs := job.NewRegistry(job.Config{
		MaxConcurrentJobs: jc.MaxConcurrentJobs,
		ListLimit:         jc.ListLimit,
	},
		job.WithLogger(log.With(logx.String("comp", "jobs"))),
		job.WithBus(bus),
		job.WithMetrics(m),
	)
	bc := progress.New(
		progress.WithLogger(log.With(logx.String("comp", "progress"))),
		progress.WithMetrics(m),
	)
	exec := batch.New(batch.Config{
		FanoutCap:   jc.FanoutCap,
		ProcessCap:  jc.MaxConcurrentSessions,
		ItemTimeout: jc.ItemTimeout,
	}, jobs, bc,
		batch.WithLogger(log.With(logx.String("comp", "batch"))),
		batch.WithMetrics(m),
	)

	opsReg := ops.NewRegistry()
	if err := opsReg.Register(ops.Builtins()...); err != nil {
		return nil, err
	}

	notifLog := log.With(logx.String("comp", "notifier"))
	sender, err := newSender(cfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	notif := notifier.New(mapNotifierConfig(cfg), sender, bus, notifLog)

	jan, err := newJanitor(jc.PruneSchedule, jc.Retention, jobs, log.With(logx.String("comp", "janitor")))
	if err != nil {
		return nil, err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	httpSrv := httpapi.New(hc, httpapi.Deps{
		Jobs:     jobs,
		Exec:     exec,
		Progress: bc,
		Ops:      opsReg,
		Archive:  store,
		Metrics:  m,
		Gatherer: gatherer,
	}, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		metrics:  m,
		jobs:     jobs,
		progress: bc,
		exec:     exec,
		ops:      opsReg,
		notif:    notif,
		http:     httpSrv,
		janitor:  jan,
		sdNotify: cfg.Systemd.Notify,
	}, nil
}

// Operations is the registry additional job types are registered in before
// Start.
func (a *App) Operations() *ops.Registry { return a.ops }

func (a *App) Jobs() *job.Registry { return a.jobs }

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, storage.RecordPrefixes()...)
		log := a.log.With(logx.String("comp", "archive"))
		a.sup.Go("archive.record", func(c context.Context) error {
			defer unsub()
			return storage.Record(c, a.store, events, log)
		})
	}

	a.notif.Start(a.sup.Context())
	a.janitor.Start()

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	select {
	case <-a.cfgm.Armed():
	case <-time.After(watchArmTimeout):
		a.log.Warn("config watcher not armed yet; early edits are picked up once it is", logx.Duration("waited", watchArmTimeout))
	case <-ctx.Done():
		a.sup.Cancel()
		return ctx.Err()
	}

	if err := a.http.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("http: %w", err)
	}

	sdNotify(a.sdNotify, a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("addr", a.http.Addr()), logx.Int("operations", len(a.ops.List())))
	return nil
}

// Stop shuts down in dependency order: the HTTP layer first so no new jobs
// arrive, then the registry (queued jobs fail, running ones are
// interrupted), then the consumers of job events.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.sdNotify, a.log, daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; anything still running past here is leaked.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("jobs", 5*time.Second, a.jobs.Close)
	step("janitor", time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
