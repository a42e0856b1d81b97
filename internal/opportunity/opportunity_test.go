package opportunity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

func ptr64(v float64) *float64 { return &v }
func ptrI64(v int64) *int64    { return &v }

const readyMeta = `{"sigma_ok":true,"sigma_points_used":10,"min_sigma_points":2,"sigma_lookback_seconds_used":3600,"min_sigma_lookback_seconds":60}`

func readySnapshot(marketID string, probYes float64, yesAsk, noAsk *float64) domain.EdgeSnapshot {
	return domain.EdgeSnapshot{
		AsofTs: 1000, MarketID: marketID, SpotTs: 1000, SpotPrice: 100,
		ProbYes: probYes, HorizonSeconds: 3600, QuoteTs: ptrI64(1000),
		YesAsk: yesAsk, NoAsk: noAsk,
		SpotAgeSeconds: 0, QuoteAgeSeconds: ptrI64(0), RawJSON: readyMeta,
	}
}

func TestBuildOpportunities_EmitsTakeWhenEVClearsThreshold(t *testing.T) {
	cfg := DefaultConfig()
	snap := readySnapshot("M1", 0.7, ptr64(50), ptr64(45))

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	d := rows[0].Decision
	assert.True(t, d.WouldTrade)
	assert.Equal(t, domain.SideYes, *d.Side)
	assert.InDelta(t, 0.2, *d.EvNet, 1e-9)
}

func TestBuildOpportunities_BestSideOnlyPicksHigherEV(t *testing.T) {
	cfg := DefaultConfig()
	// yes ev = 0.7-0.5=0.2, no ev = 0.3-0.2=0.1: yes wins.
	snap := readySnapshot("M1", 0.7, ptr64(50), ptr64(20))

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	assert.Equal(t, domain.SideYes, *rows[0].Decision.Side)
}

func TestBuildOpportunities_EvBelowMinIsPassedWhenEmitPasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmitPasses = true
	cfg.MinEV = 0.5
	snap := readySnapshot("M1", 0.55, ptr64(50), ptr64(50))

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	d := rows[0].Decision
	assert.False(t, d.WouldTrade)
	assert.Equal(t, "ev_below_threshold", *d.ReasonNotEligible)
}

func TestBuildOpportunities_EvBelowMinIsSilentWithoutEmitPasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEV = 0.5
	snap := readySnapshot("M1", 0.55, ptr64(50), ptr64(50))

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	assert.Empty(t, rows)
}

func TestBuildOpportunities_UntradableAskIsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmitPasses = true
	// yes_ask=0 and no_ask=0 are both always tradable per askTradable's
	// 0/100-cent special case; use an out-of-range ask instead.
	snap := readySnapshot("M1", 0.9, ptr64(150), ptr64(150))

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	// BestSideOnly picks the first ineligible side's reason; yes is
	// evaluated before no, so its side-specific reason wins.
	assert.Equal(t, "missing_yes_ask", *rows[0].Decision.ReasonNotEligible)
}

func TestBuildOpportunities_GlobalGateBlocksOnStaleSpot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmitPasses = true
	snap := readySnapshot("M1", 0.7, ptr64(50), ptr64(45))
	snap.SpotAgeSeconds = 1000

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	assert.Equal(t, "spot_stale", *rows[0].Decision.ReasonNotEligible)
}

func TestBuildOpportunities_GlobalGateBlocksOnSigmaNotReady(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmitPasses = true
	snap := readySnapshot("M1", 0.7, ptr64(50), ptr64(45))
	snap.RawJSON = `{"sigma_ok":false}`

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	assert.Equal(t, "sigma_not_ready", *rows[0].Decision.ReasonNotEligible)
}

func TestBuildOpportunities_FallsBackToComputedEVWhenSnapshotOmitsIt(t *testing.T) {
	cfg := DefaultConfig()
	snap := readySnapshot("M1", 0.9, ptr64(50), nil)
	// EvTakeYes left nil on purpose: evalSide must fall back to
	// prob_yes - yes_ask/100 rather than treating it as ineligible.

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{snap}, cfg)

	require.Len(t, rows, 1)
	assert.InDelta(t, 0.4, *rows[0].Decision.EvNet, 1e-9)
}

func TestBuildOpportunities_TopNCutoffDemotesLowestEV(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopN = 1
	cfg.EmitPasses = true
	best := readySnapshot("BEST", 0.9, ptr64(10), nil)
	worst := readySnapshot("WORST", 0.6, ptr64(10), nil)

	rows := BuildOpportunitiesFromSnapshots([]domain.EdgeSnapshot{worst, best}, cfg)

	require.Len(t, rows, 2)
	byMarket := map[string]domain.OpportunityDecision{}
	for _, r := range rows {
		byMarket[r.Decision.MarketID] = r.Decision
	}
	assert.True(t, byMarket["BEST"].WouldTrade)
	assert.False(t, byMarket["WORST"].WouldTrade)
	assert.Equal(t, "top_n_cutoff", *byMarket["WORST"].ReasonNotEligible)
}
