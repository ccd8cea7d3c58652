package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
	fail error
	boom bool
}

func (r *recorder) Send(_ context.Context, msg any) error {
	if r.boom {
		panic("observer exploded")
	}
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) received() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func TestSendWithoutObserversIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Send(context.Background(), "missing", "hello") })
	assert.Zero(t, b.Count("missing"))
}

func TestSendDeliversToJobObserversOnly(t *testing.T) {
	b := New()
	a, c, other := &recorder{}, &recorder{}, &recorder{}
	b.Subscribe(a, "j1")
	b.Subscribe(c, "j1")
	b.Subscribe(other, "j2")

	b.Send(context.Background(), "j1", "m1")

	assert.Equal(t, []any{"m1"}, a.received())
	assert.Equal(t, []any{"m1"}, c.received())
	assert.Empty(t, other.received())
}

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	b := New()
	a := &recorder{}
	b.Subscribe(a, "j")
	b.Subscribe(a, "j")
	assert.Equal(t, 1, b.Count("j"))
	assert.Equal(t, 1, b.Total())

	b.Send(context.Background(), "j", 1)
	assert.Len(t, a.received(), 1)
}

func TestUnsubscribeIsIdempotentAndDiscardsEmptySet(t *testing.T) {
	b := New()
	a := &recorder{}
	b.Subscribe(a, "j")
	b.Unsubscribe(a, "j")
	b.Unsubscribe(a, "j")
	b.Unsubscribe(&recorder{}, "never")

	assert.Zero(t, b.Count("j"))
	assert.Zero(t, b.Total())
	b.mu.RLock()
	_, present := b.subs["j"]
	b.mu.RUnlock()
	assert.False(t, present)

	b.Send(context.Background(), "j", 1)
	assert.Empty(t, a.received())
}

func TestFailedObserverIsPrunedOthersStillReceive(t *testing.T) {
	b := New()
	good := &recorder{}
	bad := &recorder{fail: errors.New("closed")}
	panicky := &recorder{boom: true}
	b.Subscribe(bad, "j")
	b.Subscribe(good, "j")
	b.Subscribe(panicky, "j")

	b.Send(context.Background(), "j", "first")
	assert.Equal(t, []any{"first"}, good.received())
	assert.Equal(t, 1, b.Count("j"))

	b.Send(context.Background(), "j", "second")
	assert.Equal(t, []any{"first", "second"}, good.received())
}

func TestConcurrentSubscribeAndSend(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	observers := make([]*recorder, 32)
	for i := range observers {
		observers[i] = &recorder{}
	}

	for i, o := range observers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(o, "j")
		}()
		go func() {
			defer wg.Done()
			b.Send(context.Background(), "j", fmt.Sprintf("m%d", i))
		}()
	}
	wg.Wait()
	require.Equal(t, len(observers), b.Count("j"))

	for _, o := range observers {
		b.Unsubscribe(o, "j")
	}
	assert.Zero(t, b.Total())
}
