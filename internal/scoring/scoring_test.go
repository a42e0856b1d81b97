package scoring

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/storage"
)

func ptr64(v float64) *float64 { return &v }

func TestScoreSnapshot_YesWinsPaysOutAndScoresProbability(t *testing.T) {
	s := ScoreSnapshot(0.7, ptr64(60), ptr64(45), 1)

	require.NotNil(t, s.PnLTakeYes)
	assert.InDelta(t, 0.38, *s.PnLTakeYes, 0.005) // 1 - 0.60 - ceil_cent_fee(0.07*0.6*0.4)
	require.NotNil(t, s.PnLTakeNo)
	assert.InDelta(t, -0.47, *s.PnLTakeNo, 0.005) // 0 - 0.45 - ceil_cent_fee(0.07*0.45*0.55)
	require.NotNil(t, s.Brier)
	assert.InDelta(t, 0.09, *s.Brier, 1e-9)
	assert.Nil(t, s.Error)
}

func TestScoreSnapshot_MissingAskOmitsThatPnLLegOnly(t *testing.T) {
	s := ScoreSnapshot(0.7, nil, ptr64(45), 1)

	assert.Nil(t, s.PnLTakeYes)
	require.NotNil(t, s.PnLTakeNo)
	require.NotNil(t, s.Error)
	assert.Equal(t, "missing_yes_ask", *s.Error)
}

func TestScoreSnapshot_NoOutcomePaysOppositeLeg(t *testing.T) {
	s := ScoreSnapshot(0.3, ptr64(30), ptr64(70), 0)

	require.NotNil(t, s.PnLTakeYes)
	assert.Less(t, *s.PnLTakeYes, 0.0)
	require.NotNil(t, s.PnLTakeNo)
	assert.Greater(t, *s.PnLTakeNo, 0.0)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunCycle_ScoresSettledSnapshotAndSkipsUnsettled(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	settled := domain.EdgeSnapshot{AsofTs: 1000, MarketID: "SETTLED", ProbYes: 0.6, YesAsk: ptr64(55), NoAsk: ptr64(50)}
	unsettled := domain.EdgeSnapshot{AsofTs: 1000, MarketID: "OPEN", ProbYes: 0.6, YesAsk: ptr64(55), NoAsk: ptr64(50)}

	_, err := store.UpsertEvent(ctx, storage.RawEvent{
		EventType: domain.EventEdgeSnapshot, SchemaVersion: 1, IdempotencyKey: "s1",
		TsEvent: 1000, Source: "test", PayloadJSON: mustJSON(t, settled), EventJSON: "{}",
	}, settled)
	require.NoError(t, err)
	_, err = store.UpsertEvent(ctx, storage.RawEvent{
		EventType: domain.EventEdgeSnapshot, SchemaVersion: 1, IdempotencyKey: "s2",
		TsEvent: 1000, Source: "test", PayloadJSON: mustJSON(t, unsettled), EventJSON: "{}",
	}, unsettled)
	require.NoError(t, err)

	outcome := 1
	_, err = store.UpsertEvent(ctx, storage.RawEvent{
		EventType: domain.EventContractUpdate, SchemaVersion: 1, IdempotencyKey: "c1",
		TsEvent: 1000, Source: "test", PayloadJSON: "{}", EventJSON: "{}",
	}, domain.ContractUpdate{Ticker: "SETTLED", Outcome: &outcome})
	require.NoError(t, err)

	counters, err := RunCycle(ctx, store, 100, 2000)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.ProcessedTotal)
	assert.Equal(t, 1, counters.InsertedTotal)

	second, err := RunCycle(ctx, store, 100, 2001)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ProcessedTotal)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
