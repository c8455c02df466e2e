package application

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/monitoring/infrastructure/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, frac := math.Modf(c.now)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func (c *fakeClock) Set(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
}

type publishedMessage struct {
	Topic   string
	Payload string
}

type recordingSink struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (s *recordingSink) Publish(ctx context.Context, topic, payload string) bool {
	if monitoring.IsMonitoredTopic(topic) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, publishedMessage{Topic: topic, Payload: payload})
	return true
}

func (s *recordingSink) Published() []publishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedMessage(nil), s.published...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(ctx context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

type memRuntime struct {
	data []byte
}

func (m *memRuntime) Load(ctx context.Context) ([]byte, error) {
	return m.data, nil
}

func (m *memRuntime) Save(ctx context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

type memDashboard struct {
	writes int
	last   DashboardFiles
}

func (m *memDashboard) WriteDashboard(ctx context.Context, files DashboardFiles) error {
	m.writes++
	m.last = files
	return nil
}

type harness struct {
	engine    *Engine
	store     *memory.Store
	clock     *fakeClock
	sink      *recordingSink
	publisher *recordingPublisher
	logs      *bytes.Buffer
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func newHarness(t *testing.T, settings Settings, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewStore(), settings, opts...)
}

func newHarnessWithStore(t *testing.T, store *memory.Store, settings Settings, opts ...Option) *harness {
	t.Helper()
	return newHarnessAt(t, store, settings, 0, opts...)
}

// newHarnessAt starts the engine with the clock already at startTS.
func newHarnessAt(t *testing.T, store *memory.Store, settings Settings, startTS float64, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     store,
		clock:     &fakeClock{now: startTS},
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
		logs:      &bytes.Buffer{},
	}
	base := []Option{
		WithClock(h.clock),
		WithSink(h.sink),
		WithPublisher(h.publisher),
		WithLogger(log.New(h.logs, "", 0)),
		WithIDGenerator(sequentialIDs()),
		WithPurgePassword("segredo"),
	}
	engine, err := NewEngine(store, settings, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) ingest(topic, payload string, ts float64) IngestResult {
	h.clock.Set(ts)
	return h.engine.Ingest(context.Background(), topic, payload, ts)
}

func (h *harness) mustIngest(t *testing.T, topic, payload string, ts float64) IngestResult {
	t.Helper()
	res := h.ingest(topic, payload, ts)
	if !res.Accepted {
		t.Fatalf("ingest %s %q at %.0f rejected: %s", topic, payload, ts, res.Reason)
	}
	return res
}

func (h *harness) tick(ts float64) {
	h.clock.Set(ts)
	h.engine.Tick(context.Background(), ts)
}

func (h *harness) snapshot(t *testing.T, pivotID string) monitoring.Snapshot {
	t.Helper()
	panel, err := h.engine.Pivot(context.Background(), pivotID, "", "")
	if err != nil {
		t.Fatalf("pivot %s: %v", pivotID, err)
	}
	return panel.Snapshot
}

// discoverPioneira feeds the discovery sequence used across tests.
func discoverPioneira(t *testing.T, h *harness) {
	t.Helper()
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-dataA$", 1)
	if res := h.ingest("cloudv2", "#01-PioneiraLEM_2-dataA$", 2); !res.Duplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-dataB$", 62)
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-dataC$", 122)
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-dataD$", 182)
}

func countEvents(events []monitoring.Event, eventType string) int {
	n := 0
	for _, evt := range events {
		if evt.EventType == eventType {
			n++
		}
	}
	return n
}

func activeSessions(sessions []monitoring.Session) int {
	n := 0
	for _, s := range sessions {
		if s.IsActive {
			n++
		}
	}
	return n
}
