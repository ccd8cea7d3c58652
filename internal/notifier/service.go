package notifier

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sessionjobs/internal/eventbus"
	"sessionjobs/internal/job"
	rtsup "sessionjobs/internal/runtime/supervisor"
	"sessionjobs/internal/transport"
	"sessionjobs/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout  = 10 * time.Second
	historyLimit = 100
)

type message struct {
	jobID string
	text  string
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	sender  transport.Sender
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	queue chan message
	sup   *rtsup.Supervisor
	unsub func()

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{sender: sender, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply updates rate, target and filters. Enabling or disabling takes
// effect on the next Start/Stop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSender swaps the outbound transport (token change on reload).
func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Start subscribes to job events and starts the sender loop. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan message, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64, EventPrefixes()...)
	}
	q := s.queue
	if events != nil {
		s.sup.Go0("intake", func(ctx context.Context) { s.intakeLoop(ctx, events) })
	}
	s.sup.GoRestart("sender", func(ctx context.Context) error {
		s.sendLoop(ctx, q)
		return ctx.Err()
	})
	s.log.Info("notifier started", logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// EventPrefixes are the bus topics the notifier consumes.
func EventPrefixes() []string {
	return []string{job.EventCompleted, job.EventFailed, job.EventCancelled}
}

// Stop unsubscribes and stops the loops. Queued messages not yet sent are
// dropped once ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("notifier stop", logx.Err(err))
		}
	}
}

// Notify enqueues free-form text for the configured chat.
func (s *Service) Notify(text string) error {
	return s.enqueue(message{text: text})
}

func (s *Service) enqueue(m message) error {
	s.mu.Lock()
	q, enabled := s.queue, s.cfg.Enabled
	s.mu.Unlock()
	if !enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	select {
	case q <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) wants(st job.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cfg.NotifyOn) == 0 || slices.Contains(s.cfg.NotifyOn, st)
}

func (s *Service) intakeLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			snap, ok := ev.Data.(job.Snapshot)
			if !ok || !s.wants(snap.Status) {
				continue
			}
			if err := s.enqueue(message{jobID: snap.ID, text: FormatSummary(snap)}); err != nil {
				s.log.Warn("job summary dropped", logx.String("job", snap.ID), logx.Err(err))
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-q:
			s.send(ctx, m)
		}
	}
}

func (s *Service) send(ctx context.Context, m message) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	var err error
	delay := cfg.RetryBase
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = sender.SendText(cctx, cfg.Target, m.text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
		cancel()
		if err == nil {
			break
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}

	ev := NotificationEvent{ChatID: cfg.Target.ChatID, JobID: m.jobID, At: time.Now()}
	typ := "notifier.sent"
	if err != nil {
		ev.Error = err.Error()
		typ = "notifier.failed"
		s.log.Warn("notification failed", logx.String("job", m.jobID), logx.Err(err))
	} else {
		s.appendHistory(m.text)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

// History returns the most recent delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}
