package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pivot-monitor/internal/eventing"
	monitoring "pivot-monitor/internal/monitoring/domain"
)

const (
	defaultQueueSize = 256
	defaultCooldown  = 10 * time.Minute
	sendTimeout      = 15 * time.Second
)

// Option configures Alerts.
type Option func(*Alerts)

// WithCooldown suppresses repeated alerts of the same kind for a pivot.
func WithCooldown(d time.Duration) Option {
	return func(a *Alerts) {
		if d >= 0 {
			a.cooldown = d
		}
	}
}

// WithClock overrides the clock used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(a *Alerts) {
		if now != nil {
			a.now = now
		}
	}
}

// Alerts turns engine notifications into webhook deliveries. Delivery runs
// on a background worker started by Run.
type Alerts struct {
	notifier Notifier
	logger   *log.Logger
	queue    chan AlertMessage
	cooldown time.Duration
	now      func() time.Time
	seen     *eventing.MemoryProcessedStore

	mu   sync.Mutex
	last map[string]time.Time
}

// NewAlerts constructs Alerts.
func NewAlerts(notifier Notifier, logger *log.Logger, opts ...Option) (*Alerts, error) {
	if notifier == nil {
		return nil, errors.New("notify: nil notifier")
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &Alerts{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan AlertMessage, defaultQueueSize),
		cooldown: defaultCooldown,
		now:      time.Now,
		seen:     eventing.NewMemoryProcessedStore(1024),
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Register subscribes to status transitions and probe alerts.
func (a *Alerts) Register(bus eventing.EventBus) {
	eventing.Subscribe(bus, eventing.EventTypeOf[eventing.StatusChanged](), "notify.quality", a.handleStatusChanged, a.seen, a.logger)
	eventing.Subscribe(bus, eventing.EventTypeOf[eventing.ProbeAlertRaised](), "notify.probe", a.handleProbeAlert, a.seen, a.logger)
}

// Run delivers queued alerts until ctx is done.
func (a *Alerts) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := a.notifier.Notify(sendCtx, msg); err != nil {
				a.logger.Printf("notify: delivery failed kind=%s pivot=%s err=%v", msg.Kind, msg.PivotID, err)
			}
			cancel()
		}
	}
}

func (a *Alerts) handleStatusChanged(ctx context.Context, event any) error {
	evt, ok := event.(eventing.StatusChanged)
	if !ok {
		return nil
	}
	if evt.Dimension != eventing.DimensionQuality || evt.ToCode != monitoring.CodeCritical {
		return nil
	}
	a.enqueue(AlertMessage{
		Kind:            KindQualityCritical,
		PivotID:         evt.PivotID,
		SessionID:       evt.SessionID,
		RunID:           evt.RunID,
		Reason:          evt.Reason,
		DisconnectedPct: evt.DisconnectedPct,
		OccurredAt:      evt.OccurredAt,
	})
	return nil
}

func (a *Alerts) handleProbeAlert(ctx context.Context, event any) error {
	evt, ok := event.(eventing.ProbeAlertRaised)
	if !ok {
		return nil
	}
	a.enqueue(AlertMessage{
		Kind:          KindProbeAlert,
		PivotID:       evt.PivotID,
		SessionID:     evt.SessionID,
		RunID:         evt.RunID,
		TimeoutStreak: evt.TimeoutStreak,
		OccurredAt:    evt.OccurredAt,
	})
	return nil
}

func (a *Alerts) enqueue(msg AlertMessage) {
	key := msg.Kind + "|" + msg.PivotID
	now := a.now()
	a.mu.Lock()
	if last, ok := a.last[key]; ok && a.cooldown > 0 && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.last[key] = now
	a.mu.Unlock()

	select {
	case a.queue <- msg:
	default:
		a.logger.Printf("notify: queue full, dropping kind=%s pivot=%s", msg.Kind, msg.PivotID)
	}
}
