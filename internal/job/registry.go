package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionjobs/internal/eventbus"
	"sessionjobs/internal/metrics"
	"sessionjobs/pkg/logx"
)

const (
	DefaultMaxConcurrentJobs = 5
	DefaultListLimit         = 50
)

var ErrClosed = errors.New("job registry closed")

const (
	msgShutdown   = "job interrupted: shutdown"
	msgIncomplete = "job returned before all items reported"
)

type Config struct {
	// MaxConcurrentJobs is the admission ceiling. It is fixed for the
	// registry's lifetime.
	MaxConcurrentJobs int
	// ListLimit is used by List when the caller passes limit <= 0.
	ListLimit int
}

type Option func(*Registry)

func WithLogger(l logx.Logger) Option       { return func(r *Registry) { r.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(r *Registry) { r.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

type record struct {
	id         string
	typ        string
	status     Status
	total      int
	completed  int
	results    map[int]Result
	err        string
	cancelled  bool
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	meta       map[string]any
	seq        uint64
}

func (rec *record) snapshot() Snapshot {
	return Snapshot{
		ID:         rec.id,
		Type:       rec.typ,
		Status:     rec.status,
		Total:      rec.total,
		Completed:  rec.completed,
		Results:    cloneResults(rec.results),
		Error:      rec.err,
		Cancelled:  rec.cancelled,
		CreatedAt:  rec.createdAt,
		StartedAt:  timePtr(rec.startedAt),
		FinishedAt: timePtr(rec.finishedAt),
		Meta:       cloneMap(rec.meta),
	}
}

type queued struct {
	id string
	fn StartFunc
}

// Registry stores job records and runs their StartFuncs under the admission
// ceiling.
//
// Two locks are used and never held together: mu guards the records,
// admitMu guards the running counter, the queue and the closed flag.
type Registry struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*record
	seq  uint64

	admitMu sync.Mutex
	running int
	queue   []queued
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultListLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:    cfg,
		now:    time.Now,
		jobs:   map[string]*record{},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new pending job and returns its id.
func (r *Registry) Create(typ string, total int, meta map[string]any) string {
	if total < 0 {
		total = 0
	}
	rec := &record{
		id:        uuid.NewString(),
		typ:       typ,
		status:    StatusPending,
		total:     total,
		results:   map[int]Result{},
		createdAt: r.now(),
		meta:      cloneMap(meta),
	}
	if rec.meta == nil {
		rec.meta = map[string]any{}
	}

	r.mu.Lock()
	r.seq++
	rec.seq = r.seq
	r.jobs[rec.id] = rec
	snap := rec.snapshot()
	r.mu.Unlock()

	r.metrics.JobCreated()
	r.log.Debug("job created", logx.String("job", rec.id), logx.String("type", typ), logx.Int("total", total))
	r.publish(EventCreated, snap)
	return rec.id
}

// Status returns a deep copy of the job record.
func (r *Registry) Status(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.jobs[id]
	if rec == nil {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// UpdateProgress records the completed count and, optionally, item results.
// A pending job moves to running. completed is clamped so the counter never
// decreases and never exceeds the total.
func (r *Registry) UpdateProgress(id string, completed int, items ...Progress) {
	r.mu.Lock()
	rec := r.jobs[id]
	if rec == nil || rec.status.Terminal() {
		r.mu.Unlock()
		return
	}
	started := r.markRunningLocked(rec)
	rec.completed = min(max(completed, rec.completed), rec.total)
	for _, it := range items {
		if it.Result != nil {
			rec.results[it.Index] = cloneResult(it.Result)
		}
	}
	var snap Snapshot
	if started {
		snap = rec.snapshot()
	}
	r.mu.Unlock()

	if started {
		r.publish(EventStarted, snap)
	}
}

// Complete finalises the job. If cancellation was requested the job ends as
// cancelled and keeps its accumulated results; otherwise results replace the
// stored ones and the job ends as completed.
func (r *Registry) Complete(id string, results map[int]Result) {
	r.finish(id, func(rec *record) {
		if rec.cancelled {
			rec.status = StatusCancelled
			return
		}
		rec.status = StatusCompleted
		rec.results = cloneResults(results)
		rec.completed = min(len(rec.results), rec.total)
	})
}

// Fail finalises the job as failed with msg.
func (r *Registry) Fail(id, msg string) {
	r.finish(id, func(rec *record) {
		rec.status = StatusFailed
		rec.err = msg
	})
}

// Cancel requests cooperative cancellation. It returns false when the job is
// unknown, already terminal, or already flagged.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	rec := r.jobs[id]
	if rec == nil || rec.status.Terminal() || rec.cancelled {
		r.mu.Unlock()
		return false
	}
	rec.cancelled = true
	status := rec.status
	r.mu.Unlock()

	r.log.Info("job cancel requested", logx.String("job", id), logx.String("status", string(status)))
	return true
}

func (r *Registry) IsCancelled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.jobs[id]
	return rec != nil && rec.cancelled
}

// List returns up to limit snapshots, newest first.
func (r *Registry) List(limit int) []Snapshot {
	if limit <= 0 {
		limit = r.cfg.ListLimit
	}
	r.mu.RLock()
	recs := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].createdAt.Equal(recs[j].createdAt) {
			return recs[i].createdAt.After(recs[j].createdAt)
		}
		return recs[i].seq > recs[j].seq
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Stats() Stats {
	r.admitMu.Lock()
	st := Stats{Running: r.running, Queued: len(r.queue), Ceiling: r.cfg.MaxConcurrentJobs}
	r.admitMu.Unlock()

	st.ByStatus = map[Status]int{}
	r.mu.RLock()
	st.Jobs = len(r.jobs)
	for _, rec := range r.jobs {
		st.ByStatus[rec.status]++
	}
	r.mu.RUnlock()
	return st
}

// Prune drops terminal records that finished more than olderThan ago and
// returns how many were removed.
func (r *Registry) Prune(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	n := 0
	r.mu.Lock()
	for id, rec := range r.jobs {
		if rec.status.Terminal() && rec.finishedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.log.Debug("pruned finished jobs", logx.Int("count", n), logx.Duration("older_than", olderThan))
	}
	return n
}

func (r *Registry) markRunningLocked(rec *record) bool {
	if rec.status != StatusPending {
		return false
	}
	rec.status = StatusRunning
	if rec.startedAt.IsZero() {
		rec.startedAt = r.now()
	}
	return true
}

func (r *Registry) finish(id string, apply func(rec *record)) {
	r.mu.Lock()
	rec := r.jobs[id]
	if rec == nil || rec.status.Terminal() {
		r.mu.Unlock()
		return
	}
	apply(rec)
	rec.finishedAt = r.now()
	snap := rec.snapshot()
	r.mu.Unlock()

	r.metrics.JobFinished(string(snap.Status))
	fields := []logx.Field{
		logx.String("job", snap.ID),
		logx.String("type", snap.Type),
		logx.String("status", string(snap.Status)),
		logx.Int("completed", snap.Completed),
		logx.Int("total", snap.Total),
		logx.Duration("took", snap.Duration()),
	}
	if snap.Status == StatusFailed {
		r.log.Warn("job failed", append(fields, logx.String("error", snap.Error))...)
	} else {
		r.log.Info("job finished", fields...)
	}
	r.publish(terminalEvent(snap.Status), snap)
}

func (r *Registry) publish(typ string, snap Snapshot) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: snap})
}

// Execute runs fn for the job now if a slot is free, otherwise appends it to
// the admission queue. It never blocks on the work itself.
func (r *Registry) Execute(id string, fn StartFunc) {
	if fn == nil {
		r.Fail(id, "job has no start function")
		return
	}

	r.admitMu.Lock()
	if r.closed {
		r.admitMu.Unlock()
		r.Fail(id, ErrClosed.Error())
		return
	}
	if r.running >= r.cfg.MaxConcurrentJobs {
		r.queue = append(r.queue, queued{id: id, fn: fn})
		running, depth := r.running, len(r.queue)
		r.admitMu.Unlock()

		r.metrics.Admission(running, depth)
		r.log.Info("job queued", logx.String("job", id), logx.Int("position", depth))
		if snap, ok := r.Status(id); ok {
			r.publish(EventQueued, snap)
		}
		return
	}
	r.running++
	r.wg.Add(1)
	running, depth := r.running, len(r.queue)
	r.admitMu.Unlock()

	r.metrics.Admission(running, depth)
	go r.run(id, fn)
}

// run executes one admitted job. The slot is released on every path.
func (r *Registry) run(id string, fn StartFunc) {
	defer r.wg.Done()
	defer r.release()

	if !r.begin(id) {
		return
	}
	err := r.invoke(id, fn)
	r.settle(id, err)
}

// begin moves an admitted job to running. A job cancelled while it was
// queued is finalised here and its StartFunc is skipped.
func (r *Registry) begin(id string) bool {
	r.mu.Lock()
	rec := r.jobs[id]
	if rec == nil || rec.status.Terminal() {
		r.mu.Unlock()
		r.log.Debug("admitted job no longer runnable", logx.String("job", id))
		return false
	}
	if rec.cancelled {
		r.mu.Unlock()
		r.finish(id, func(rec *record) { rec.status = StatusCancelled })
		return false
	}
	r.markRunningLocked(rec)
	snap := rec.snapshot()
	r.mu.Unlock()

	r.log.Info("job started", logx.String("job", id), logx.String("type", snap.Type), logx.Int("total", snap.Total))
	r.publish(EventStarted, snap)
	return true
}

func (r *Registry) invoke(id string, fn StartFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", logx.String("job", id), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(r.ctx)
}

func (r *Registry) settle(id string, err error) {
	switch {
	case err == nil:
		r.finish(id, func(rec *record) {
			switch {
			case rec.cancelled:
				rec.status = StatusCancelled
			case len(rec.results) >= rec.total:
				rec.status = StatusCompleted
				rec.completed = rec.total
			default:
				rec.status = StatusFailed
				rec.err = msgIncomplete
			}
		})
	case errors.Is(err, context.Canceled) && r.ctx.Err() != nil:
		r.Fail(id, msgShutdown)
	default:
		r.Fail(id, err.Error())
	}
}

// release frees the caller's slot and admits queued jobs in FIFO order.
func (r *Registry) release() {
	r.admitMu.Lock()
	r.running--
	var next []queued
	for !r.closed && r.running < r.cfg.MaxConcurrentJobs && len(r.queue) > 0 {
		next = append(next, r.queue[0])
		r.queue[0] = queued{}
		r.queue = r.queue[1:]
		r.running++
		r.wg.Add(1)
	}
	running, depth := r.running, len(r.queue)
	r.admitMu.Unlock()

	r.metrics.Admission(running, depth)
	for _, q := range next {
		go r.run(q.id, q.fn)
	}
}

// Close stops admission, fails every queued job, cancels the context passed
// to running StartFuncs and waits for them to return or for ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.admitMu.Lock()
	r.closed = true
	dropped := r.queue
	r.queue = nil
	r.admitMu.Unlock()

	for _, q := range dropped {
		r.Fail(q.id, msgShutdown)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
