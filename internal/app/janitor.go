package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"sessionjobs/internal/job"
	"sessionjobs/pkg/logx"
)

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, logx.Any(k, kv[i+1]))
		}
	}
	return out
}

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

// janitor prunes terminal jobs older than the retention window on a cron
// schedule.
type janitor struct {
	log       logx.Logger
	jobs      *job.Registry
	retention time.Duration
	c         *cron.Cron
}

func newJanitor(schedule string, retention time.Duration, jobs *job.Registry, log logx.Logger) (*janitor, error) {
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	j := &janitor{log: log, jobs: jobs, retention: retention, c: c}
	if _, err := c.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *janitor) sweep() {
	start := time.Now()
	if n := j.jobs.Prune(j.retention); n > 0 {
		j.log.Info("pruned finished jobs", logx.Int("removed", n), logx.Duration("retention", j.retention), logx.Duration("took", time.Since(start)))
	}
}

func (j *janitor) Start() { j.c.Start() }

func (j *janitor) Stop(ctx context.Context) {
	select {
	case <-j.c.Stop().Done():
	case <-ctx.Done():
	}
}
