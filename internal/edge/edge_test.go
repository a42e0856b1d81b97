package edge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/state"
)

func ptr64(v float64) *float64 { return &v }
func ptrI64(v int64) *int64    { return &v }

func baseConfig() Config {
	return Config{
		ProductID:             "BTC-USD",
		MaxHorizonSeconds:     7 * 24 * 3600,
		MaxQuoteAgeSeconds:    60,
		MaxSpotAgeSeconds:     60,
		MinAskCents:           1,
		MaxAskCents:           99,
		MaxResults:            50,
		PctBand:               100,
		SelectionMethod:       "pct_band",
		SigmaBucketSeconds:    60,
		SigmaEWMALambda:       0.94,
		MinSigmaPoints:        2,
		MinSigmaLookbackSecs:  60,
		SigmaDefault:          0.6,
		SigmaMax:              5.0,
		SigmaLookbackSeconds:  3600,
		MaxSpotPoints:         20000,
		MaxAutoExpandAttempts: 1,
	}
}

func seedMarket(t *testing.T, st *state.State, marketID string, nowTs int64) {
	t.Helper()
	for i := int64(0); i < 10; i++ {
		st.ApplySpotTick(domain.SpotTick{Ts: nowTs - 60*(9-i), ProductID: "BTC-USD", Price: 100 + float64(i)})
	}
	st.ApplyMarketLifecycle(nowTs, domain.MarketLifecycle{MarketID: marketID, Status: "open"})
	st.ApplyContractUpdate(nowTs, domain.ContractUpdate{
		Ticker: marketID, Upper: ptr64(110), CloseTs: ptrI64(nowTs + 3600),
	})
	st.ApplyQuote(domain.Quote{
		Ts: nowTs, MarketID: marketID,
		YesBid: ptr64(40), YesAsk: ptr64(45), NoBid: ptr64(54), NoAsk: ptr64(59),
	})
}

func TestTick_EmitsSnapshotForTradableMarket(t *testing.T) {
	st := state.New(0)
	nowTs := int64(100000)
	seedMarket(t, st, "BTC-24JUN30", nowTs)

	eng := New(baseConfig())
	snapshots, summary := eng.Tick(st, nowTs)

	require.Len(t, snapshots, 1)
	assert.Equal(t, "BTC-24JUN30", snapshots[0].MarketID)
	assert.Equal(t, 1, summary.SnapshotsEmitted)
	assert.NotNil(t, snapshots[0].EvTakeYes)
	assert.NotNil(t, snapshots[0].EvTakeNo)
}

func TestTick_NoSpotReturnsEmpty(t *testing.T) {
	st := state.New(0)
	eng := New(baseConfig())
	snapshots, summary := eng.Tick(st, 1000)

	assert.Empty(t, snapshots)
	assert.Equal(t, 1, summary.SkipReasons["spot_missing"])
}

func TestTick_StaleSpotIsSkipped(t *testing.T) {
	st := state.New(0)
	nowTs := int64(100000)
	seedMarket(t, st, "BTC-24JUN30", nowTs)

	eng := New(baseConfig())
	snapshots, summary := eng.Tick(st, nowTs+3600)

	assert.Empty(t, snapshots)
	assert.Equal(t, 1, summary.SkipReasons["spot_stale"])
}

func TestComputeEdgeForMarket_CrossedMarketEmitsNoSnapshot(t *testing.T) {
	st := state.New(0)
	nowTs := int64(100000)
	seedMarket(t, st, "BTC-24JUN30", nowTs)
	// yes_ask + no_ask = 45 + 50 = 95 < 100: crossed.
	st.ApplyQuote(domain.Quote{
		Ts: nowTs, MarketID: "BTC-24JUN30",
		YesBid: ptr64(40), YesAsk: ptr64(45), NoBid: ptr64(45), NoAsk: ptr64(50),
	})

	eng := New(baseConfig())
	snapshots, summary := eng.Tick(st, nowTs)

	assert.Empty(t, snapshots)
	assert.Equal(t, 1, summary.SkipReasons["crossed_market"])
}

func TestComputeEdgeForMarket_MissingContractIsSkipped(t *testing.T) {
	st := state.New(0)
	nowTs := int64(100000)
	st.ApplySpotTick(domain.SpotTick{Ts: nowTs, ProductID: "BTC-USD", Price: 100})
	st.ApplyMarketLifecycle(nowTs, domain.MarketLifecycle{MarketID: "BTC-NOCONTRACT", Status: "open"})
	// No ApplyContractUpdate: selection iterates contracts, so a market with
	// no contract record is never a candidate and nothing is emitted.
	eng := New(baseConfig())
	snapshots, _ := eng.Tick(st, nowTs)
	assert.Empty(t, snapshots)
}

func TestTick_ExpiredMarketIsExcluded(t *testing.T) {
	st := state.New(0)
	nowTs := int64(100000)
	seedMarket(t, st, "BTC-24JUN30", nowTs)
	st.ApplyContractUpdate(nowTs, domain.ContractUpdate{
		Ticker: "BTC-24JUN30", Upper: ptr64(110), CloseTs: ptrI64(nowTs - 10),
	})

	cfg := baseConfig()
	cfg.MinHorizonSeconds = -5
	cfg.Grace = 3600
	eng := New(cfg)
	snapshots, summary := eng.Tick(st, nowTs)

	assert.Empty(t, snapshots)
	assert.Equal(t, 1, summary.SkipReasons["expired"])
}
