package storage

import (
	"context"
	"encoding/json"
	"time"

	"sessionjobs/internal/eventbus"
	"sessionjobs/internal/job"
	"sessionjobs/pkg/logx"
)

const appendTimeout = 5 * time.Second

// FromSnapshot reduces a finished job to its archive record.
func FromSnapshot(s job.Snapshot) JobRecord {
	ok, failed, cancelled := s.Counts()
	rec := JobRecord{
		ID:        s.ID,
		Type:      s.Type,
		Status:    string(s.Status),
		Total:     s.Total,
		Completed: s.Completed,
		OK:        ok,
		Failed:    failed,
		Cancelled: cancelled,
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
		TookMS:    s.Duration().Milliseconds(),
	}
	if s.FinishedAt != nil {
		rec.FinishedAt = *s.FinishedAt
	}
	if len(s.Meta) > 0 {
		if b, err := json.Marshal(s.Meta); err == nil {
			rec.MetaJSON = string(b)
		}
	}
	return rec
}

// RecordPrefixes are the bus topics the recorder consumes.
func RecordPrefixes() []string {
	return []string{job.EventCompleted, job.EventFailed, job.EventCancelled}
}

// Record appends every terminal job event from events to store until ctx
// ends or events is closed. Events already buffered when ctx ends are still
// written. Write failures are logged and skipped.
func Record(ctx context.Context, store Store, events <-chan eventbus.Event, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return ctx.Err()
					}
					appendEvent(context.Background(), store, ev, log)
				default:
					return ctx.Err()
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			appendEvent(ctx, store, ev, log)
		}
	}
}

func appendEvent(ctx context.Context, store Store, ev eventbus.Event, log logx.Logger) {
	snap, ok := ev.Data.(job.Snapshot)
	if !ok || !snap.Status.Terminal() {
		return
	}
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := store.AppendJob(actx, FromSnapshot(snap)); err != nil {
		log.Warn("job archive append failed", logx.String("job", snap.ID), logx.Err(err))
	}
}
