package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

func envelope(key string) domain.Envelope {
	return domain.Envelope{
		EventType:      domain.EventSpotTick,
		SchemaVersion:  1,
		IdempotencyKey: key,
		Payload:        domain.SpotTick{ProductID: "BTC-USD", Price: 100},
	}
}

func TestPublishAndFetch_RoundTrips(t *testing.T) {
	bus := New(10, time.Minute)
	require.NoError(t, bus.Publish(envelope("k1")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs := bus.Fetch(ctx, "market.spot_ticks", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "k1", msgs[0].Envelope.IdempotencyKey)
}

func TestPublish_DedupsWithinWindow(t *testing.T) {
	bus := New(10, time.Minute)
	require.NoError(t, bus.Publish(envelope("dup")))
	require.NoError(t, bus.Publish(envelope("dup")))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msgs := bus.Fetch(ctx, "market.spot_ticks", 10)
	assert.Len(t, msgs, 1)
}

func TestPublishTo_RoutesToExplicitSubject(t *testing.T) {
	bus := New(10, time.Minute)
	require.NoError(t, bus.PublishTo("dlq.invalid_event", envelope("dlq1")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs := bus.Fetch(ctx, "dlq.invalid_event", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dlq.invalid_event", msgs[0].Subject)
}

func TestPublish_QueueFullIsCountedAndReturned(t *testing.T) {
	bus := New(1, time.Minute)
	require.NoError(t, bus.Publish(envelope("first")))
	err := bus.Publish(envelope("second"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, bus.DroppedCount("market.spot_ticks"))
}

func TestFetch_ReturnsEmptyOnContextDeadline(t *testing.T) {
	bus := New(10, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	msgs := bus.Fetch(ctx, "market.spot_ticks", 10)
	assert.Empty(t, msgs)
}

func TestPending_ReflectsQueueDepth(t *testing.T) {
	bus := New(10, time.Minute)
	assert.Equal(t, 0, bus.Pending("market.spot_ticks"))

	require.NoError(t, bus.Publish(envelope("p1")))
	require.NoError(t, bus.Publish(envelope("p2")))
	assert.Equal(t, 2, bus.Pending("market.spot_ticks"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Fetch(ctx, "market.spot_ticks", 10)
	assert.Equal(t, 0, bus.Pending("market.spot_ticks"))
}

func TestStreamForSubject_ResolvesKnownSubject(t *testing.T) {
	stream, ok := StreamForSubject("market.spot_ticks")
	require.True(t, ok)
	assert.Equal(t, "MARKET_EVENTS", stream)

	_, ok = StreamForSubject("not.a.subject")
	assert.False(t, ok)
}
