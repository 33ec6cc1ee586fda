package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is the cross-process bus over redis pub/sub. Pub/sub gives
// best-effort ordering per publisher; the at-least-once contract is
// covered by consumers deduping on event id.
type Redis struct {
	client *redis.Client
	prefix string

	mu       sync.Mutex
	subs     []*redis.PubSub
	handlers map[string][]Handler
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewRedis creates a redis-backed bus. Channel names are prefixed so
// several engines can share one redis.
func NewRedis(client *redis.Client, prefix string) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		client:   client,
		prefix:   prefix,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Redis) channel(topic string) string {
	return r.prefix + ":" + topic
}

// Publish marshals the envelope and publishes it on the topic channel.
func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	env, err := wrap(topic, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(topic), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler and starts a receive loop for the topic
// on first registration.
func (r *Redis) Subscribe(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := len(r.handlers[topic]) == 0
	r.handlers[topic] = append(r.handlers[topic], h)
	if !first {
		return
	}

	sub := r.client.Subscribe(r.ctx, r.channel(topic))
	r.subs = append(r.subs, sub)
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.dispatch(topic, []byte(msg.Payload))
			}
		}
	}()
}

func (r *Redis) dispatch(topic string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to decode bus envelope")
		return
	}

	r.mu.Lock()
	hs := append([]Handler(nil), r.handlers[topic]...)
	r.mu.Unlock()

	for _, h := range hs {
		if err := h(r.ctx, env); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("event_id", env.ID).
				Msg("bus handler failed")
		}
	}
}

// Close cancels the receive loops and closes subscriptions.
func (r *Redis) Close() error {
	r.cancel()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	r.wg.Wait()
	return nil
}
