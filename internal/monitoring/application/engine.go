package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

const (
	malformedRingSize = 500
	maxRetryBatches   = 1000
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Epoch converts t to float seconds.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// IngestResult reports the outcome of one inbound message.
type IngestResult struct {
	Accepted  bool              `json:"accepted"`
	Reason    string            `json:"reason,omitempty"`
	PivotID   string            `json:"pivot_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Event     *monitoring.Event `json:"event,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Malformed bool              `json:"malformed,omitempty"`
}

// Rejection reasons.
const (
	ReasonIdle             = "monitoramento aguardando aplicacao"
	ReasonUnknownTopic     = "topico nao monitorado"
	ReasonDuplicate        = "duplicado"
	ReasonUnknownPivot     = "pivo desconhecido"
	ReasonPendingDiscovery = "aguardando descoberta via cloudv2"
	ReasonInternal         = "erro interno"
)

// Engine owns the pivot registry and every operation on it.
type Engine struct {
	mu sync.Mutex

	store     Store
	sink      Sink
	publisher EventPublisher
	dashboard DashboardWriter
	runtime   RuntimeStore
	clock     Clock
	logger    *log.Logger
	newID     func() string

	settings      Settings
	params        monitoring.Params
	purgePassword string

	mode          monitoring.Mode
	run           *monitoring.Run
	pivots        map[string]*monitoring.PivotState
	pending       map[string]*monitoring.PendingPing
	malformed     []monitoring.MalformedEntry
	dedupe        *dedupeCache
	probeSettings map[string]monitoring.ProbeSetting
	retry         []Batch
	handlers      map[monitoring.Topic]topicHandler

	seq            int64
	duplicateDrops int64
	dirty          bool
	lastWriteTS    float64
	updatedAtTS    float64
}

// Option customizes the engine.
type Option func(*Engine)

// WithSink assigns the probe sink.
func WithSink(sink Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithPublisher assigns the domain event publisher.
func WithPublisher(publisher EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithDashboardWriter assigns the dashboard file writer.
func WithDashboardWriter(writer DashboardWriter) Option {
	return func(e *Engine) {
		e.dashboard = writer
	}
}

// WithRuntimeStore assigns the runtime registry file.
func WithRuntimeStore(store RuntimeStore) Option {
	return func(e *Engine) {
		e.runtime = store
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIDGenerator overrides run and session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithPurgePassword sets the password required by PurgeAllData.
func WithPurgePassword(password string) Option {
	return func(e *Engine) {
		e.purgePassword = password
	}
}

// NewEngine constructs an idle engine.
func NewEngine(store Store, settings Settings, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("monitoring: nil store")
	}
	settings = settings.Normalize()
	e := &Engine{
		store:         store,
		clock:         systemClock{},
		logger:        log.Default(),
		newID:         uuid.NewString,
		settings:      settings,
		params:        settings.Params(),
		mode:          monitoring.ModeIdle,
		pivots:        make(map[string]*monitoring.PivotState),
		pending:       make(map[string]*monitoring.PendingPing),
		dedupe:        newDedupeCache(settings.DedupeWindowSec),
		probeSettings: make(map[string]monitoring.ProbeSetting),
	}
	e.handlers = map[monitoring.Topic]topicHandler{
		monitoring.TopicCloudV2:        e.handleCloudV2,
		monitoring.TopicCloudV2Ping:    e.handlePing,
		monitoring.TopicCloud2:         e.handleCloud2,
		monitoring.TopicCloudV2Network: e.handleProbeTopic,
		monitoring.TopicCloudV2Info:    e.handleProbeTopic,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// SetSink replaces the probe sink, e.g. once the bus client is connected.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Mode returns the operating mode.
func (e *Engine) Mode() monitoring.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Now returns the clock time in epoch seconds.
func (e *Engine) Now() float64 {
	return Epoch(e.clock.Now())
}

// Start loads probe settings and the runtime registry, then goes live unless
// an explicit apply is required.
func (e *Engine) Start(ctx context.Context) error {
	settings, err := e.store.ProbeSettings(ctx)
	if err != nil {
		return err
	}
	now := e.Now()

	e.mu.Lock()
	for _, s := range settings {
		e.probeSettings[s.PivotID] = s
	}
	restoredLive := e.restoreRuntimeLocked(ctx)
	if len(e.pivots) == 0 {
		if err := e.restoreActiveRunLocked(ctx, now); err != nil {
			e.logger.Printf("monitoring: restore active run failed: %v", err)
		}
	}
	var notes []any
	batch := &Batch{}
	for _, id := range e.sortedPivotIDsLocked() {
		p := e.pivots[id]
		e.applyProbeSettingLocked(p)
		eval, _ := e.refreshLocked(p, now, batch, &notes)
		batch.Snapshots = append(batch.Snapshots, p.Snapshot(eval, now))
	}
	e.commitLocked(ctx, *batch)
	e.dirty = true
	e.mu.Unlock()
	e.publish(ctx, notes)

	if !e.settings.RequireApplyToStart || restoredLive {
		return e.Apply(ctx)
	}
	e.logger.Printf("monitoring: idle, waiting for apply")
	return nil
}

// Apply moves the engine from idle to live.
func (e *Engine) Apply(ctx context.Context) error {
	now := e.Now()
	e.mu.Lock()
	var notes []any
	err := e.applyLocked(ctx, now, &notes)
	e.mu.Unlock()
	e.publish(ctx, notes)
	return err
}

func (e *Engine) applyLocked(ctx context.Context, now float64, notes *[]any) error {
	if e.mode == monitoring.ModeLive {
		_, err := e.ensureActiveRunLocked(ctx, now)
		return err
	}
	if e.settings.HistoryMode == monitoring.HistoryFresh {
		if _, err := e.startNewRunLocked(ctx, now, "apply", "", notes); err != nil {
			return err
		}
	} else if _, err := e.ensureActiveRunLocked(ctx, now); err != nil {
		return err
	}
	e.mode = monitoring.ModeLive
	e.dirty = true
	e.logger.Printf("monitoring: live run=%s history_mode=%s", e.run.RunID, e.settings.HistoryMode)
	return nil
}

func (e *Engine) nextSeqLocked() int64 {
	e.seq++
	return e.seq
}

// commitLocked writes batches in order; failed batches are kept for retry.
func (e *Engine) commitLocked(ctx context.Context, batch Batch) {
	if !batch.Empty() {
		e.retry = append(e.retry, batch)
	}
	for len(e.retry) > 0 {
		if err := e.store.Commit(ctx, e.retry[0]); err != nil {
			e.logger.Printf("monitoring: commit failed pending=%d: %v", len(e.retry), err)
			metrics.IncStoreError("commit")
			if len(e.retry) > maxRetryBatches {
				dropped := len(e.retry) - maxRetryBatches
				e.retry = append([]Batch(nil), e.retry[dropped:]...)
				e.logger.Printf("monitoring: dropped %d uncommitted batches", dropped)
			}
			e.dirty = true
			return
		}
		e.retry[0] = Batch{}
		e.retry = e.retry[1:]
	}
	e.retry = nil
}

// publish delivers domain notifications with the registry lock released.
func (e *Engine) publish(ctx context.Context, notes []any) {
	if e.publisher == nil {
		return
	}
	for _, note := range notes {
		if err := e.publisher.Publish(ctx, note); err != nil {
			e.logger.Printf("monitoring: publish %T failed: %v", note, err)
		}
	}
}
