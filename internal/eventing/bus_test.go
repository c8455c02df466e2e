package eventing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublisher_AttachesEnvelope(t *testing.T) {
	bus := NewInMemoryBus()
	publisher := NewPublisher(bus)

	var got Envelope
	Subscribe(publisher, EventTypeOf[StatusChanged](), "test", func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok {
			return errors.New("missing envelope")
		}
		got = env
		return nil
	}, nil, nil)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	err := publisher.Publish(context.Background(), StatusChanged{PivotID: "PioneiraLEM_2", SessionID: "s1", RunID: "run-1", ToCode: "red", TS: 1714575600, OccurredAt: at})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.PivotID != "PioneiraLEM_2" || got.SessionID != "s1" || got.RunID != "run-1" || got.TS != 1714575600 {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if got.EventType != EventTypeOf[StatusChanged]() || !got.OccurredAt.Equal(at) || got.OccurredAt.Location() != time.UTC {
		t.Fatalf("unexpected envelope type or time %+v", got)
	}
	if got.EventID == "" || got.CorrelationID != got.EventID {
		t.Fatalf("expected generated ids, got %+v", got)
	}
}

func TestSubscribe_IdempotentAndRecovers(t *testing.T) {
	bus := NewInMemoryBus()
	store := NewMemoryProcessedStore(10)
	calls := 0
	Subscribe(bus, EventTypeOf[ProbeAlertRaised](), "counter", func(ctx context.Context, event any) error {
		calls++
		return nil
	}, store, nil)
	Subscribe(bus, EventTypeOf[ProbeAlertRaised](), "panics", func(ctx context.Context, event any) error {
		panic("boom")
	}, nil, nil)

	env := Envelope{EventID: "evt-1"}
	ctx := WithEnvelope(context.Background(), env)
	if err := bus.Publish(ctx, ProbeAlertRaised{PivotID: "Pivo_1"}); err == nil {
		t.Fatalf("expected recovered panic error")
	}
	_ = bus.Publish(ctx, ProbeAlertRaised{PivotID: "Pivo_1"})
	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}
}

func TestPublish_NilEvent(t *testing.T) {
	if err := NewInMemoryBus().Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestBuildEnvelope_UnscopedEvent(t *testing.T) {
	type runStarted struct{ RunID string }
	env, err := BuildEnvelope(runStarted{RunID: "run-2"}, Meta{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.PivotID != "" || env.RunID != "" || env.CorrelationID != "corr-1" || env.OccurredAt.IsZero() {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if string(env.Payload) != `{"RunID":"run-2"}` {
		t.Fatalf("unexpected payload %s", env.Payload)
	}
	if _, err := BuildEnvelope(nil, Meta{}); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestInMemoryBus_DeliversPastFailingHandler(t *testing.T) {
	bus := NewInMemoryBus()
	failure := errors.New("webhook down")
	delivered := 0
	bus.Subscribe(EventTypeOf[StatusChanged](), func(ctx context.Context, event any) error { return failure })
	bus.Subscribe(EventTypeOf[StatusChanged](), func(ctx context.Context, event any) error {
		delivered++
		return nil
	})
	err := bus.Publish(context.Background(), StatusChanged{PivotID: "PioneiraLEM_2"})
	if !errors.Is(err, failure) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected second handler to run, got %d", delivered)
	}
	if err := bus.Publish(context.Background(), ProbeAlertRaised{}); err != nil {
		t.Fatalf("expected no error without subscribers, got %v", err)
	}
}
