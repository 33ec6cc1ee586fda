// Package bus is the topic fabric connecting the engine components.
// Delivery is at-least-once with best-effort ordering per publisher;
// handlers are expected to be idempotent on (topic, event id).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fundarb/fundarb/internal/domain"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s event %s: %w", e.Topic, e.ID, err)
	}
	return nil
}

// Handler consumes one envelope. Errors are logged, never propagated
// back across the bus.
type Handler func(ctx context.Context, env Envelope) error

// Bus publishes and subscribes envelopes by topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, h Handler)
	Close() error
}

// Memory is the in-process bus used by tests and single-instance runs.
// Dispatch is synchronous per topic in subscription order, which gives
// deterministic delivery inside one process.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]Handler)}
}

// Publish wraps payload in an envelope and dispatches to every subscriber.
func (m *Memory) Publish(ctx context.Context, topic string, payload any) error {
	env, err := wrap(topic, payload)
	if err != nil {
		return err
	}

	m.mu.RLock()
	hs := append([]Handler(nil), m.handlers[topic]...)
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return fmt.Errorf("bus is closed")
	}

	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("event_id", env.ID).
				Msg("bus handler failed")
		}
	}
	return nil
}

// Subscribe registers a handler for topic.
func (m *Memory) Subscribe(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], h)
}

// Close stops further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func wrap(topic string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return Envelope{
		ID:         domain.NewID(),
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// PublishActivity is a convenience for the activity trail.
func PublishActivity(ctx context.Context, b Bus, a domain.Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if err := b.Publish(ctx, domain.TopicActivity, a); err != nil {
		log.Error().Err(err).Str("service", a.Service).Msg("failed to publish activity")
	}
}
