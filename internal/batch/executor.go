// Package batch runs the items of one job with bounded fan-out, a per-item
// timeout and cooperative cancellation, reporting each completion to the job
// registry and to live progress observers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"sessionjobs/internal/job"
	"sessionjobs/internal/metrics"
	"sessionjobs/pkg/logx"
)

const (
	DefaultItemTimeout = 60 * time.Second
	DefaultFanoutCap   = 10
	DefaultProcessCap  = 50

	msgTimedOut = "Session timed out"
	typProgress = "progress"
)

var ErrNoWorker = errors.New("batch: no worker")

// Item is one unit of input, typically decoded JSON.
type Item = any

// Args are operation-specific parameters shared by every item of a job.
type Args = map[string]any

// Worker processes one item. A returned error becomes an error result for
// that item; it never fails the job.
type Worker func(ctx context.Context, item Item, index int, args Args) (job.Result, error)

// Tracker is the subset of the job registry the executor reports to.
type Tracker interface {
	UpdateProgress(id string, completed int, items ...job.Progress)
	Complete(id string, results map[int]job.Result)
	IsCancelled(id string) bool
}

// Publisher delivers progress messages to a job's observers.
type Publisher interface {
	Send(ctx context.Context, jobID string, msg any)
}

// Message is the progress message sent after each finished item.
type Message struct {
	Type      string     `json:"type"`
	Completed int        `json:"completed"`
	Total     int        `json:"total"`
	Index     int        `json:"index"`
	Result    job.Result `json:"result"`
}

type Config struct {
	// FanoutCap and ProcessCap bound in-flight items per job; the smaller
	// one wins.
	FanoutCap   int
	ProcessCap  int
	ItemTimeout time.Duration
}

type Executor struct {
	cfg     Config
	jobs    Tracker
	pub     Publisher
	log     logx.Logger
	metrics *metrics.Metrics
}

type Option func(*Executor)

func WithLogger(l logx.Logger) Option       { return func(e *Executor) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

func New(cfg Config, jobs Tracker, pub Publisher, opts ...Option) *Executor {
	if cfg.FanoutCap <= 0 {
		cfg.FanoutCap = DefaultFanoutCap
	}
	if cfg.ProcessCap <= 0 {
		cfg.ProcessCap = DefaultProcessCap
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	e := &Executor{cfg: cfg, jobs: jobs, pub: pub}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Limit is the number of items of one job allowed in flight.
func (e *Executor) Limit() int { return min(e.cfg.FanoutCap, e.cfg.ProcessCap) }

type RunOption func(*runCfg)

type runCfg struct {
	timeout time.Duration
	args    Args
}

// WithTimeout overrides the per-item timeout for one run.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runCfg) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithArgs(args Args) RunOption { return func(c *runCfg) { c.args = args } }

type outcome struct {
	index  int
	result job.Result
}

// Run processes items for jobID and finalises the job with Complete.
//
// Results are reported in completion order: for each finished item the
// registry is updated first, then observers are notified. Once the job's
// cancel flag is seen no further items are dispatched.
//
// If ctx ends before every dispatched item reported, Run returns ctx.Err()
// without finalising the job.
func (e *Executor) Run(ctx context.Context, jobID string, items []Item, worker Worker, opts ...RunOption) (map[int]job.Result, error) {
	if worker == nil {
		return nil, ErrNoWorker
	}
	rc := runCfg{timeout: e.cfg.ItemTimeout}
	for _, o := range opts {
		o(&rc)
	}
	log := e.log.With(logx.String("job", jobID))

	results := make(map[int]job.Result, len(items))
	var stop atomic.Bool
	out := make(chan outcome, len(items))
	go e.dispatch(ctx, jobID, items, worker, rc, &stop, out)

	done := 0
	for o := range out {
		results[o.index] = o.result
		done++
		e.jobs.UpdateProgress(jobID, done, job.Progress{Index: o.index, Result: o.result})
		if e.pub != nil {
			e.pub.Send(ctx, jobID, Message{
				Type:      typProgress,
				Completed: done,
				Total:     len(items),
				Index:     o.index,
				Result:    o.result,
			})
		}
		if !stop.Load() && e.jobs.IsCancelled(jobID) {
			stop.Store(true)
			log.Info("cancellation observed, dispatch stopped", logx.Int("completed", done), logx.Int("total", len(items)))
		}
	}

	if err := ctx.Err(); err != nil && done < len(items) && !stop.Load() {
		log.Warn("batch interrupted", logx.Int("completed", done), logx.Int("total", len(items)), logx.Err(err))
		return results, err
	}
	e.jobs.Complete(jobID, results)
	return results, nil
}

// dispatch starts items in input order, at most Limit() at a time, and
// closes out after every started item reported.
func (e *Executor) dispatch(ctx context.Context, jobID string, items []Item, worker Worker, rc runCfg, stop *atomic.Bool, out chan<- outcome) {
	sem := semaphore.NewWeighted(int64(e.Limit()))
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	for i, item := range items {
		if stop.Load() || ctx.Err() != nil {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if e.jobs.IsCancelled(jobID) {
			sem.Release(1)
			stop.Store(true)
			e.metrics.ItemDone(metrics.OutcomeCancelled, 0)
			out <- outcome{index: i, result: job.Result{"cancelled": true}}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			out <- e.runItem(ctx, jobID, i, item, worker, rc)
		}()
	}
}

type itemReturn struct {
	res job.Result
	err error
}

// runItem runs worker under the per-item timeout. A worker that ignores its
// context is abandoned when the timeout fires.
func (e *Executor) runItem(ctx context.Context, jobID string, index int, item Item, worker Worker, rc runCfg) outcome {
	start := time.Now()
	log := e.log.With(logx.String("job", jobID), logx.Int("index", index))

	ictx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	ch := make(chan itemReturn, 1)
	go func() {
		var r itemReturn
		defer func() {
			if p := recover(); p != nil {
				log.Error("item panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				r = itemReturn{err: fmt.Errorf("panic: %v", p)}
			}
			ch <- r
		}()
		r.res, r.err = worker(ictx, item, index, rc.args)
	}()

	var r itemReturn
	select {
	case r = <-ch:
	case <-ictx.Done():
		r.err = ictx.Err()
	}

	took := time.Since(start)
	switch {
	case r.err == nil:
		e.metrics.ItemDone(metrics.OutcomeOK, took)
		if r.res == nil {
			r.res = job.Result{}
		}
		return outcome{index: index, result: r.res}
	case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
		e.metrics.ItemDone(metrics.OutcomeTimeout, took)
		log.Warn("item timed out", logx.Duration("timeout", rc.timeout))
		return outcome{index: index, result: errorResult(msgTimedOut, index)}
	default:
		e.metrics.ItemDone(metrics.OutcomeError, took)
		log.Warn("item failed", logx.Err(r.err), logx.Duration("took", took))
		return outcome{index: index, result: errorResult(r.err.Error(), index)}
	}
}

func errorResult(msg string, index int) job.Result {
	return job.Result{"error": msg, "index": index}
}
