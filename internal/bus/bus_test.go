package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/domain"
)

func TestMemoryDeliversInSubscriptionOrder(t *testing.T) {
	b := NewMemory()
	var order []string
	b.Subscribe("t", func(ctx context.Context, env Envelope) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe("t", func(ctx context.Context, env Envelope) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "t", map[string]string{"k": "v"}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestMemoryHandlerErrorDoesNotStopDispatch(t *testing.T) {
	b := NewMemory()
	var delivered bool
	b.Subscribe("t", func(ctx context.Context, env Envelope) error {
		return fmt.Errorf("handler blew up")
	})
	b.Subscribe("t", func(ctx context.Context, env Envelope) error {
		delivered = true
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "t", struct{}{}))
	assert.True(t, delivered, "errors are logged, never propagated across the bus")
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "t", struct{}{}))
}

func TestEnvelopeDecode(t *testing.T) {
	b := NewMemory()
	var got domain.CloseRequest
	b.Subscribe(domain.TopicCloseRequest, func(ctx context.Context, env Envelope) error {
		require.NotEmpty(t, env.ID)
		require.Equal(t, domain.TopicCloseRequest, env.Topic)
		return env.Decode(&got)
	})

	want := domain.CloseRequest{PositionID: "p1", Symbol: "BTC-PERP", Reason: domain.ExitManual, Initiator: "user"}
	require.NoError(t, b.Publish(context.Background(), domain.TopicCloseRequest, want))
	assert.Equal(t, want, got)
}

func TestSeenCacheDropsRedelivery(t *testing.T) {
	seen := NewSeenCache(8)

	assert.False(t, seen.Seen("t", "e1"))
	assert.True(t, seen.Seen("t", "e1"))
	assert.False(t, seen.Seen("other", "e1"), "keys are scoped per topic")
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	seen := NewSeenCache(2)

	assert.False(t, seen.Seen("t", "e1"))
	assert.False(t, seen.Seen("t", "e2"))
	assert.False(t, seen.Seen("t", "e3")) // evicts e1
	assert.False(t, seen.Seen("t", "e1"), "evicted entries are forgotten")
}

func TestIdempotentWrapperInvokesOnce(t *testing.T) {
	seen := NewSeenCache(8)
	var calls int
	h := Idempotent(seen, func(ctx context.Context, env Envelope) error {
		calls++
		return nil
	})

	env := Envelope{ID: "e1", Topic: "t"}
	require.NoError(t, h(context.Background(), env))
	require.NoError(t, h(context.Background(), env))
	assert.Equal(t, 1, calls)
}
