package eventing

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe wraps handler with panic recovery and, if store is provided,
// idempotency per consumer.
func Subscribe(bus EventBus, eventType, consumerName string, handler EventHandler, store ProcessedStore, logger *log.Logger) {
	if bus == nil || handler == nil {
		return
	}
	wrapped := recoverHandler(consumerName, handler, logger)
	if store != nil {
		wrapped = WrapHandler(consumerName, wrapped, store)
	}
	bus.Subscribe(eventType, wrapped)
}

// WrapHandler enforces idempotency per consumer.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}

func recoverHandler(consumerName string, handler EventHandler, logger *log.Logger) EventHandler {
	return func(ctx context.Context, event any) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("eventing: consumer %s panic: %v", consumerName, r)
				if logger != nil {
					logger.Printf("eventing: consumer panic: consumer=%s type=%s err=%v", consumerName, EventType(event), r)
				}
			}
		}()
		return handler(ctx, event)
	}
}

// MemoryProcessedStore keeps processed event ids in memory.
type MemoryProcessedStore struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewMemoryProcessedStore constructs a store remembering up to limit ids.
func NewMemoryProcessedStore(limit int) *MemoryProcessedStore {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryProcessedStore{seen: make(map[string]struct{}), limit: limit}
}

// HasProcessed reports whether the consumer already handled the event.
func (s *MemoryProcessedStore) HasProcessed(_ context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[consumerName+"|"+eventID]
	return ok, nil
}

// MarkProcessed records the event for the consumer.
func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consumerName + "|" + eventID
	if _, ok := s.seen[key]; ok {
		return nil
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.limit {
		drop := len(s.order) - s.limit
		for _, old := range s.order[:drop] {
			delete(s.seen, old)
		}
		s.order = append([]string(nil), s.order[drop:]...)
	}
	return nil
}
