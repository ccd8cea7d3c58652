package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionjobs/internal/eventbus"
	"sessionjobs/internal/job"
	"sessionjobs/internal/transport"
	"sessionjobs/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("bad gateway")
	}
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func finished(id string, st job.Status) job.Snapshot {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	return job.Snapshot{
		ID: id, Type: "check<spam>", Status: st, Total: 3, Completed: 3,
		Results: map[int]job.Result{
			0: {"ok": true},
			1: {"error": "boom", "index": 1},
			2: {"cancelled": true},
		},
		CreatedAt: start, StartedAt: &start, FinishedAt: &end,
	}
}

func TestFormatSummary(t *testing.T) {
	s := finished("j1", job.StatusCompleted)
	out := FormatSummary(s)
	assert.Contains(t, out, "job <code>j1</code> (<b>check&lt;spam&gt;</b>) completed: ok=1 failed=1 cancelled=1 of 3, took 1.5s")
	assert.NotContains(t, out, "error:")

	s.Status, s.Error = job.StatusFailed, "panic: <nil>"
	assert.Contains(t, FormatSummary(s), "error: panic: &lt;nil&gt;")
}

func TestServiceSendsSummariesForSelectedStatuses(t *testing.T) {
	bus := eventbus.New()
	sender := &fakeSender{fails: 1}
	svc := New(Config{
		Enabled:    true,
		Target:     transport.ChatTarget{ChatID: -100},
		RatePerSec: 100,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
		NotifyOn:   []job.Status{job.StatusFailed},
	}, sender, bus, logx.Nop())
	require.True(t, svc.Enabled())

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: job.EventCompleted, Data: finished("skip", job.StatusCompleted)})
	bus.Publish(eventbus.Event{Type: job.EventFailed, Data: finished("keep", job.StatusFailed)})

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, sender.sent()[0], "<code>keep</code>")
	require.Len(t, svc.History(), 1)
}

func TestNotifyStates(t *testing.T) {
	disabled := New(Config{}, &fakeSender{}, nil, logx.Nop())
	require.ErrorIs(t, disabled.Notify("x"), ErrDisabled)
	assert.False(t, disabled.Enabled())

	svc := New(Config{Enabled: true, RatePerSec: 100}, &fakeSender{}, nil, logx.Nop())
	require.ErrorIs(t, svc.Notify("x"), ErrStopped)

	svc.Start(context.Background())
	require.NoError(t, svc.Notify("service started"))
	svc.Stop(context.Background())
	require.ErrorIs(t, svc.Notify("x"), ErrStopped)
}
