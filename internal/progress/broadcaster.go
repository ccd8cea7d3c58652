// Package progress fans per-job progress messages out to live observers
// (typically WebSocket connections).
//
// Delivery works on a snapshot of the observer set taken under a read lock;
// observers whose delivery failed are removed afterwards. Send never reports
// delivery failures to its caller.
package progress

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"sessionjobs/internal/metrics"
	"sessionjobs/pkg/logx"
)

// Observer receives progress messages for a job. Implementations must be
// comparable (pointer receivers) since they are kept in a set.
type Observer interface {
	Send(ctx context.Context, msg any) error
}

type Broadcaster struct {
	log     logx.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs map[string]map[Observer]struct{}
	n    int
}

type Option func(*Broadcaster)

func WithLogger(l logx.Logger) Option { return func(b *Broadcaster) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broadcaster) { b.metrics = m } }

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{subs: map[string]map[Observer]struct{}{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe adds o to the observer set of jobID. Subscribing the same
// observer twice is a no-op.
func (b *Broadcaster) Subscribe(o Observer, jobID string) {
	if o == nil {
		return
	}
	b.mu.Lock()
	set := b.subs[jobID]
	if set == nil {
		set = map[Observer]struct{}{}
		b.subs[jobID] = set
	}
	if _, ok := set[o]; !ok {
		set[o] = struct{}{}
		b.n++
	}
	n := b.n
	b.mu.Unlock()

	b.metrics.Subscribers(n)
	b.log.Debug("observer subscribed", logx.String("job", jobID))
}

// Unsubscribe removes o from jobID's set. Removing an unknown observer is a
// no-op; an emptied set is discarded.
func (b *Broadcaster) Unsubscribe(o Observer, jobID string) {
	b.mu.Lock()
	removed := b.removeLocked(o, jobID)
	n := b.n
	b.mu.Unlock()

	if removed {
		b.metrics.Subscribers(n)
		b.log.Debug("observer unsubscribed", logx.String("job", jobID))
	}
}

func (b *Broadcaster) removeLocked(o Observer, jobID string) bool {
	set := b.subs[jobID]
	if set == nil {
		return false
	}
	if _, ok := set[o]; !ok {
		return false
	}
	delete(set, o)
	b.n--
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
	return true
}

// Send delivers msg to every observer of jobID registered when the call
// started. Each observer is attempted independently; the ones that fail are
// pruned once all deliveries were attempted.
func (b *Broadcaster) Send(ctx context.Context, jobID string, msg any) {
	b.mu.RLock()
	set := b.subs[jobID]
	targets := make([]Observer, 0, len(set))
	for o := range set {
		targets = append(targets, o)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var dead []Observer
	for _, o := range targets {
		err := deliver(ctx, o, msg)
		b.metrics.Delivery(err == nil)
		if err != nil {
			b.log.Debug("progress delivery failed", logx.String("job", jobID), logx.Err(err))
			dead = append(dead, o)
		}
	}
	if len(dead) == 0 {
		return
	}

	b.mu.Lock()
	for _, o := range dead {
		b.removeLocked(o, jobID)
	}
	n := b.n
	b.mu.Unlock()
	b.metrics.Subscribers(n)
}

func deliver(ctx context.Context, o Observer, msg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return o.Send(ctx, msg)
}

// Count returns the number of observers currently registered for jobID.
func (b *Broadcaster) Count(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Total returns the number of observers across all jobs.
func (b *Broadcaster) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}
