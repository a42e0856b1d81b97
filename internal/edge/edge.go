// Package edge computes per-contract probability and expected-value
// snapshots from live market state on a fixed tick cadence. Grounded on
// original_source/src/kalshi_bot/strategy/edge_engine.py (per-contract math)
// and strategy/edge_state_engine.py (tick orchestration).
package edge

import (
	"encoding/json"
	"math"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/fees"
	"github.com/kalshi-edge/edgepipeline/internal/probability"
	"github.com/kalshi-edge/edgepipeline/internal/state"
	"github.com/kalshi-edge/edgepipeline/internal/volatility"
)

// Config mirrors SigmaParams + the tick-level knobs from edge_engine.py /
// edge_state_engine.py.
type Config struct {
	ProductID             string
	Series                []string
	AllowedStatuses       []string
	MinHorizonSeconds     int64
	MaxHorizonSeconds     int64
	Grace                 int64
	MaxQuoteAgeSeconds    int64
	MaxSpotAgeSeconds     int64
	MinAskCents           float64
	MaxAskCents           float64
	MaxResults            int
	PctBand               float64
	SelectionMethod       string
	SigmaBucketSeconds    int64
	SigmaEWMALambda       float64
	MinSigmaPoints        int
	MinSigmaLookbackSecs  int64
	SigmaDefault          float64
	SigmaMax              float64
	SigmaLookbackSeconds  int64
	MaxSpotPoints         int
	MaxAutoExpandAttempts int // auto-expand spot-history cap, up to 6 per spec.md
}

// TickSummary is the per-tick diagnostic payload, including the
// skip-reason counters the original exposes to the orchestrator's health
// view and not present in the distilled spec.
type TickSummary struct {
	AsofTs             int64
	SnapshotsEmitted   int
	SkipReasons        map[string]int
	SigmaOk            bool
	SigmaSource        string
	SigmaPointsUsed    int
	MaxSpotAgeSeconds  int64
	MaxQuoteAgeSeconds int64
}

// Engine runs one tick of edge computation against a *state.State.
type Engine struct {
	cfg       Config
	estimator volatility.Estimator
}

// New creates an Engine for the given config.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func bump(m map[string]int, reason string) {
	m[reason]++
}

// Tick computes sigma, runs universe selection, and emits one EdgeSnapshot
// per surviving contract that itself resolves cleanly. nowTs is the tick's
// asof_ts.
func (e *Engine) Tick(st *state.State, nowTs int64) ([]domain.EdgeSnapshot, TickSummary) {
	summary := TickSummary{
		AsofTs:      nowTs,
		SkipReasons: make(map[string]int),
	}

	spot, ok := st.LatestSpot(e.cfg.ProductID)
	if !ok {
		bump(summary.SkipReasons, "spot_missing")
		return nil, summary
	}
	spotAge := nowTs - spot.Ts
	summary.MaxSpotAgeSeconds = spotAge
	if e.cfg.MaxSpotAgeSeconds > 0 && spotAge > e.cfg.MaxSpotAgeSeconds {
		bump(summary.SkipReasons, "spot_stale")
		return nil, summary
	}

	lookback := e.cfg.SigmaLookbackSeconds
	var sigEst volatility.Estimate
	attempts := e.cfg.MaxAutoExpandAttempts
	if attempts <= 0 {
		attempts = 6
	}
	for attempt := 0; attempt < attempts; attempt++ {
		ts, prices := st.SpotHistory(e.cfg.ProductID, nowTs, lookback)
		sigEst = e.estimator.Estimate(ts, prices, volatility.Params{
			BucketSeconds:         e.cfg.SigmaBucketSeconds,
			EWMALambda:            e.cfg.SigmaEWMALambda,
			MinPoints:             e.cfg.MinSigmaPoints,
			MinHistorySpanSeconds: e.cfg.MinSigmaLookbackSecs,
			SigmaDefault:          e.cfg.SigmaDefault,
			SigmaMax:              e.cfg.SigmaMax,
		})
		if sigEst.SigmaOk || sigEst.SigmaReason == nil {
			break
		}
		if *sigEst.SigmaReason != volatility.ReasonInsufficientHistorySpan &&
			*sigEst.SigmaReason != volatility.ReasonInsufficientPoints {
			break
		}
		lookback *= 2
	}
	summary.SigmaOk = sigEst.SigmaOk
	summary.SigmaSource = sigEst.SigmaSource
	summary.SigmaPointsUsed = sigEst.SigmaPointsUsed

	sel := st.SelectRelevantMarketIDs(spot.Price, state.SelectionParams{
		Series:             e.cfg.Series,
		AllowedStatuses:    e.cfg.AllowedStatuses,
		NowTs:              nowTs,
		MinHorizonSeconds:  e.cfg.MinHorizonSeconds,
		MaxHorizonSeconds:  e.cfg.MaxHorizonSeconds,
		Grace:              e.cfg.Grace,
		MaxQuoteAgeSeconds: e.cfg.MaxQuoteAgeSeconds,
		MinAskCents:        e.cfg.MinAskCents,
		MaxAskCents:        e.cfg.MaxAskCents,
		MaxResults:         e.cfg.MaxResults,
		PctBand:            e.cfg.PctBand,
		SelectionMethod:    e.cfg.SelectionMethod,
	})
	for reason, n := range sel.Excluded {
		summary.SkipReasons[reason] += n
	}

	var snapshots []domain.EdgeSnapshot
	for _, cand := range sel.Candidates {
		snap, reason, ok := e.computeEdgeForMarket(st, cand.MarketID, nowTs, spot, sigEst)
		if !ok {
			bump(summary.SkipReasons, reason)
			continue
		}
		snapshots = append(snapshots, snap)
	}
	summary.SnapshotsEmitted = len(snapshots)
	maxQuoteAge := int64(0)
	for _, s := range snapshots {
		if s.QuoteAgeSeconds != nil && *s.QuoteAgeSeconds > maxQuoteAge {
			maxQuoteAge = *s.QuoteAgeSeconds
		}
	}
	summary.MaxQuoteAgeSeconds = maxQuoteAge
	return snapshots, summary
}

// computeEdgeForMarket mirrors compute_edge_for_market: extracts the
// contract/quote, resolves close_ts (contract-first, no market-lifecycle
// fallback at this layer — see SPEC_FULL.md), computes raw and clamped
// prob_yes, per-side EV with fees, and embeds sigma diagnostics in
// raw_json for the opportunity engine to read back.
func (e *Engine) computeEdgeForMarket(st *state.State, marketID string, nowTs int64, spot state.Latest, sigEst volatility.Estimate) (domain.EdgeSnapshot, string, bool) {
	contract, ok := st.GetContract(marketID)
	if !ok {
		return domain.EdgeSnapshot{}, "no_contract", false
	}
	closeTs := contractCloseTs(contract)
	if closeTs == nil {
		return domain.EdgeSnapshot{}, "no_close_ts", false
	}
	horizon := *closeTs - nowTs

	quote, hasQuote := st.GetQuote(marketID)

	strikeType := domain.StrikeLess
	if contract.StrikeType != nil {
		strikeType = *contract.StrikeType
	}

	var probRaw, probClamped float64
	var probOk bool
	switch strikeType {
	case domain.StrikeGreater:
		if contract.Lower == nil {
			return domain.EdgeSnapshot{}, "missing_strike", false
		}
		probRaw, probOk = probability.GreaterEqualRaw(spot.Price, *contract.Lower, float64(horizon), sigEst.Sigma)
		if probOk {
			probClamped, _ = probability.GreaterEqual(spot.Price, *contract.Lower, float64(horizon), sigEst.Sigma)
		}
	case domain.StrikeBetween:
		if contract.Lower == nil || contract.Upper == nil {
			return domain.EdgeSnapshot{}, "missing_strike", false
		}
		probRaw, probOk = probability.BetweenRaw(spot.Price, *contract.Lower, *contract.Upper, float64(horizon), sigEst.Sigma)
		if probOk {
			probClamped, _ = probability.Between(spot.Price, *contract.Lower, *contract.Upper, float64(horizon), sigEst.Sigma)
		}
	default: // less
		if contract.Upper == nil {
			return domain.EdgeSnapshot{}, "missing_strike", false
		}
		probRaw, probOk = probability.LessEqualRaw(spot.Price, *contract.Upper, float64(horizon), sigEst.Sigma)
		if probOk {
			probClamped, _ = probability.LessEqual(spot.Price, *contract.Upper, float64(horizon), sigEst.Sigma)
		}
	}
	if !probOk {
		return domain.EdgeSnapshot{}, "prob_undefined", false
	}

	snap := domain.EdgeSnapshot{
		AsofTs:          nowTs,
		MarketID:        marketID,
		SettlementTs:    closeTs,
		SpotTs:          spot.Ts,
		SpotPrice:       spot.Price,
		SigmaAnnualized: sigEst.Sigma,
		ProbYes:         probClamped,
		ProbYesRaw:      &probRaw,
		HorizonSeconds:  horizon,
		SpotAgeSeconds:  nowTs - spot.Ts,
	}

	crossed := false
	if hasQuote {
		yesAskValid := askInRange(quote.YesAsk)
		noAskValid := askInRange(quote.NoAsk)
		if yesAskValid && noAskValid && *quote.YesAsk+*quote.NoAsk < 100 {
			// Both sides are individually valid asks but sum below 100: the
			// market is crossed. Per invariant 9 no snapshot is emitted for
			// it at all, not merely flagged.
			return domain.EdgeSnapshot{}, "crossed_market", false
		}

		quoteAge := nowTs - quote.Ts
		snap.QuoteTs = &quote.Ts
		snap.QuoteAgeSeconds = &quoteAge
		snap.YesBid = quote.YesBid
		snap.YesAsk = quote.YesAsk
		snap.NoBid = quote.NoBid
		snap.NoAsk = quote.NoAsk
		snap.YesMid = midOf(quote.YesBid, quote.YesAsk)
		snap.NoMid = midOf(quote.NoBid, quote.NoAsk)

		if yesAskValid {
			fee, feeOk := fees.TakerFeeDollars(*quote.YesAsk, 1)
			if feeOk {
				ev := probClamped - *quote.YesAsk/100.0 - fee
				snap.EvTakeYes = &ev
			}
		}
		if noAskValid {
			fee, feeOk := fees.TakerFeeDollars(*quote.NoAsk, 1)
			if feeOk {
				ev := (1.0 - probClamped) - *quote.NoAsk/100.0 - fee
				snap.EvTakeNo = &ev
			}
		}
	}

	meta := domain.SigmaMeta{
		SnapshotVersion:          1,
		SigmaSource:              sigEst.SigmaSource,
		SigmaOk:                  sigEst.SigmaOk,
		SigmaPointsUsed:          sigEst.SigmaPointsUsed,
		MinSigmaPoints:           sigEst.MinSigmaPoints,
		SigmaLookbackSecondsUsed: sigEst.SigmaLookbackSecondsUsed,
		MinSigmaLookbackSeconds:  sigEst.MinSigmaLookbackSeconds,
		ProbYesRaw:               &probRaw,
		ProbYesClamped:           &probClamped,
		CrossedMarket:            crossed,
	}
	if sigEst.SigmaReason != nil {
		r := string(*sigEst.SigmaReason)
		meta.SigmaReason = &r
	}
	meta.SigmaReasonContext = sigEst.SigmaReasonContext
	if raw, err := json.Marshal(meta); err == nil {
		snap.RawJSON = string(raw)
	}

	return snap, "", true
}

func contractCloseTs(c state.Contract) *int64 {
	if c.CloseTs != nil {
		return c.CloseTs
	}
	if c.ExpectedExpirationTs != nil {
		return c.ExpectedExpirationTs
	}
	return c.SettledTs
}

func askInRange(ask *float64) bool {
	return ask != nil && !math.IsNaN(*ask) && *ask >= 0 && *ask <= 100
}

func midOf(bid, ask *float64) *float64 {
	if bid == nil || ask == nil {
		return nil
	}
	m := (*bid + *ask) / 2.0
	return &m
}
