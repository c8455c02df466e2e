package eventing

import "context"

// Publisher wraps events in an envelope before dispatching them.
type Publisher struct {
	bus EventBus
}

// NewPublisher constructs a publisher over bus.
func NewPublisher(bus EventBus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish builds the envelope, attaches it to the context and dispatches.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	return p.bus.Publish(WithEnvelope(ctx, env), event)
}

// Subscribe delegates to the underlying bus.
func (p *Publisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Subscribe(eventType, handler)
}
