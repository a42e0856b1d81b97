package eventcontracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

func TestNewEnvelope_DerivesVersionAndIdempotencyKey(t *testing.T) {
	tick := domain.SpotTick{Ts: 100, ProductID: "BTC-USD", Price: 65000}
	env, err := NewEnvelope(domain.EventSpotTick, "collector", 100, tick)
	require.NoError(t, err)

	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, "collector", env.Source)
	assert.Equal(t, int64(100), env.TsEvent)
	assert.NotEmpty(t, env.IdempotencyKey)
}

func TestNewEnvelope_TwoCallersAgreeOnIdempotencyKey(t *testing.T) {
	tick := domain.SpotTick{Ts: 100, ProductID: "BTC-USD", Price: 65000, SequenceNum: int64Ptr(7)}
	a, err := NewEnvelope(domain.EventSpotTick, "collector-a", 100, tick)
	require.NoError(t, err)
	b, err := NewEnvelope(domain.EventSpotTick, "collector-b", 999, tick)
	require.NoError(t, err)

	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
}

func TestNewEnvelope_UnknownEventTypeFails(t *testing.T) {
	_, err := NewEnvelope(domain.EventType("bogus"), "x", 0, struct{}{})
	assert.Error(t, err)
}

func TestParsePayload_AcceptsAlreadyTypedPayload(t *testing.T) {
	tick := domain.SpotTick{Ts: 1, ProductID: "BTC-USD", Price: 100}
	env := domain.Envelope{EventType: domain.EventSpotTick, Payload: tick}

	out, err := ParsePayload(env)
	require.NoError(t, err)
	assert.Equal(t, tick, out)
}

func TestParsePayload_DecodesMapPayload(t *testing.T) {
	env := domain.Envelope{
		EventType: domain.EventSpotTick,
		Payload: map[string]any{
			"ts": float64(1), "product_id": "BTC-USD", "price": float64(100),
		},
	}
	out, err := ParsePayload(env)
	require.NoError(t, err)
	tick, ok := out.(domain.SpotTick)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", tick.ProductID)
	assert.Equal(t, 100.0, tick.Price)
}

func TestParsePayload_RejectsUnknownFields(t *testing.T) {
	env := domain.Envelope{
		EventType: domain.EventSpotTick,
		Payload: map[string]any{
			"ts": float64(1), "product_id": "BTC-USD", "price": float64(100),
			"totally_unexpected_field": true,
		},
	}
	_, err := ParsePayload(env)
	assert.Error(t, err)
}

func TestParsePayload_UnknownEventTypeFails(t *testing.T) {
	env := domain.Envelope{EventType: domain.EventType("bogus"), Payload: map[string]any{}}
	_, err := ParsePayload(env)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func int64Ptr(v int64) *int64 { return &v }
