package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: "job.completed", Data: "x"})

	require.Len(t, all, 2)
	require.Len(t, jobs, 1)
	e := <-jobs
	assert.Equal(t, "job.completed", e.Type)
	assert.Equal(t, "x", e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.EqualValues(t, 1, b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "late"}) })
}
