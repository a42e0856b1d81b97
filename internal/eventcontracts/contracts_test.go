package eventcontracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

func TestSubjectFor_KnownAndUnknownTypes(t *testing.T) {
	subject, err := SubjectFor(domain.EventSpotTick)
	require.NoError(t, err)
	assert.Equal(t, "market.spot_ticks", subject)

	_, err = SubjectFor(domain.EventType("not_a_real_type"))
	assert.Error(t, err)
}

func TestDLQSubjectFor_PrefixesOwnSubject(t *testing.T) {
	dlq, err := DLQSubjectFor(domain.EventQuoteUpdate)
	require.NoError(t, err)
	assert.Equal(t, "dlq.market.quote_updates", dlq)
}

func TestBuildIdempotencyKey_StableAcrossKeyOrdering(t *testing.T) {
	a := BuildIdempotencyKey(domain.EventSpotTick, map[string]any{
		"product_id": "BTC-USD", "ts": float64(100), "sequence_num": float64(5),
	}, 1)
	b := BuildIdempotencyKey(domain.EventSpotTick, map[string]any{
		"sequence_num": float64(5), "ts": float64(100), "product_id": "BTC-USD",
	}, 1)
	assert.Equal(t, a, b)
}

func TestBuildIdempotencyKey_DiffersOnBusinessFields(t *testing.T) {
	a := BuildIdempotencyKey(domain.EventSpotTick, map[string]any{
		"product_id": "BTC-USD", "ts": float64(100), "sequence_num": float64(5),
	}, 1)
	b := BuildIdempotencyKey(domain.EventSpotTick, map[string]any{
		"product_id": "BTC-USD", "ts": float64(101), "sequence_num": float64(5),
	}, 1)
	assert.NotEqual(t, a, b)
}

func TestBuildIdempotencyKey_FallsBackToFullPayloadWhenFieldMissing(t *testing.T) {
	// spot_tick's tuple requires product_id/ts/sequence_num; omitting
	// sequence_num forces the full-payload fallback rather than colliding
	// on an all-absent partial tuple.
	// The two payloads share every tuple field that is present and differ
	// only in price, which the tuple does not include.
	a := BuildIdempotencyKey(domain.EventSpotTick, map[string]any{
		"product_id": "BTC-USD", "ts": float64(100), "price": float64(100),
	}, 1)
	b := BuildIdempotencyKey(domain.EventSpotTick, map[string]any{
		"product_id": "BTC-USD", "ts": float64(100), "price": float64(101),
	}, 1)
	assert.NotEqual(t, a, b)
}

func TestBuildIdempotencyKey_EncodesEventTypeAndSchemaVersion(t *testing.T) {
	key := BuildIdempotencyKey(domain.EventExecutionOrder, map[string]any{"order_id": "paper:abc"}, 1)
	assert.Contains(t, key, string(domain.EventExecutionOrder))
	assert.Contains(t, key, "v1")
}

func TestDefaultStreamSpecsByName_CoversAllFourStreams(t *testing.T) {
	byName := DefaultStreamSpecsByName()
	for _, name := range []string{"MARKET_EVENTS", "STRATEGY_EVENTS", "EXECUTION_EVENTS", "DEAD_LETTER"} {
		assert.NotEmpty(t, byName[name], "missing subjects for stream %s", name)
	}
}
