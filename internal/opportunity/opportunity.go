// Package opportunity turns edge snapshots into per-side TAKE/PASS
// decisions. Grounded on
// original_source/src/kalshi_bot/strategy/opportunity_engine.py.
package opportunity

import (
	"encoding/json"
	"sort"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

// Config mirrors OpportunityConfig's defaults from opportunity_engine.py.
type Config struct {
	MinEV              float64
	MinAskCents        float64
	MaxAskCents        float64
	MaxSpotAgeSeconds  int64
	MaxQuoteAgeSeconds int64
	TopN               int
	EmitPasses         bool
	BestSideOnly       bool
	ModelVersion       int
}

// DefaultConfig matches OpportunityConfig()'s Python defaults.
func DefaultConfig() Config {
	return Config{
		MinEV:              0.03,
		MinAskCents:        1.0,
		MaxAskCents:        99.0,
		MaxSpotAgeSeconds:  30,
		MaxQuoteAgeSeconds: 30,
		TopN:               0,
		EmitPasses:         false,
		BestSideOnly:       true,
		ModelVersion:       1,
	}
}

type sideEval struct {
	side      domain.Side
	eligible  bool
	reason    string
	evRaw     *float64
	evNet     *float64
	askCents  *float64
}

func askTradable(ask *float64, minCents, maxCents float64) bool {
	if ask == nil {
		return false
	}
	if *ask == 0 || *ask == 100 {
		return true
	}
	return *ask >= minCents && *ask <= maxCents
}

type snapshotMeta struct {
	SigmaOk                  bool
	SigmaPointsUsed          int
	MinSigmaPoints           int
	SigmaLookbackSecondsUsed int64
	MinSigmaLookbackSeconds  int64
}

func parseSnapshotMeta(rawJSON string) snapshotMeta {
	var m struct {
		SigmaOk                  bool   `json:"sigma_ok"`
		SigmaPointsUsed          int    `json:"sigma_points_used"`
		MinSigmaPoints           int    `json:"min_sigma_points"`
		SigmaLookbackSecondsUsed int64  `json:"sigma_lookback_seconds_used"`
		MinSigmaLookbackSeconds  int64  `json:"min_sigma_lookback_seconds"`
	}
	if rawJSON != "" {
		_ = json.Unmarshal([]byte(rawJSON), &m)
	}
	return snapshotMeta{
		SigmaOk:                  m.SigmaOk,
		SigmaPointsUsed:          m.SigmaPointsUsed,
		MinSigmaPoints:           m.MinSigmaPoints,
		SigmaLookbackSecondsUsed: m.SigmaLookbackSecondsUsed,
		MinSigmaLookbackSeconds:  m.MinSigmaLookbackSeconds,
	}
}

func evTakeYesFallback(probYes float64, yesAsk *float64) *float64 {
	if yesAsk == nil {
		return nil
	}
	ev := probYes - *yesAsk/100.0
	return &ev
}

func evTakeNoFallback(probYes float64, noAsk *float64) *float64 {
	if noAsk == nil {
		return nil
	}
	ev := (1.0 - probYes) - *noAsk/100.0
	return &ev
}

// globalGate applies the gates that block both sides of a snapshot
// regardless of quote data: missing probability, stale spot/quote, and
// sigma readiness. Returns the block reason, or "" if none apply.
func globalGate(snap domain.EdgeSnapshot, cfg Config, meta snapshotMeta) string {
	if snap.ProbYes < 0 {
		return "missing_prob"
	}
	if snap.SpotAgeSeconds > cfg.MaxSpotAgeSeconds {
		return "spot_stale"
	}
	if snap.QuoteAgeSeconds == nil || *snap.QuoteAgeSeconds > cfg.MaxQuoteAgeSeconds {
		return "quote_stale"
	}
	if !meta.SigmaOk {
		return "sigma_not_ready"
	}
	if meta.SigmaPointsUsed < meta.MinSigmaPoints {
		return "sigma_points_short"
	}
	if meta.SigmaLookbackSecondsUsed < meta.MinSigmaLookbackSeconds {
		return "sigma_history_short"
	}
	return ""
}

func evalSide(snap domain.EdgeSnapshot, cfg Config, side domain.Side) sideEval {
	var ask *float64
	var evNet *float64
	if side == domain.SideYes {
		ask = snap.YesAsk
		evNet = snap.EvTakeYes
	} else {
		ask = snap.NoAsk
		evNet = snap.EvTakeNo
	}
	if !askTradable(ask, cfg.MinAskCents, cfg.MaxAskCents) {
		reason := "missing_no_ask"
		if side == domain.SideYes {
			reason = "missing_yes_ask"
		}
		return sideEval{side: side, eligible: false, reason: reason, askCents: ask}
	}
	if evNet == nil {
		if side == domain.SideYes {
			evNet = evTakeYesFallback(snap.ProbYes, ask)
		} else {
			evNet = evTakeNoFallback(snap.ProbYes, ask)
		}
	}
	evRaw := evNet
	if evNet == nil || *evNet < cfg.MinEV {
		return sideEval{side: side, eligible: false, reason: "ev_below_threshold", evRaw: evRaw, evNet: evNet, askCents: ask}
	}
	return sideEval{side: side, eligible: true, evRaw: evRaw, evNet: evNet, askCents: ask}
}

// Row is one built opportunity row prior to top_n cutoff.
type Row struct {
	Decision domain.OpportunityDecision
}

// BuildOpportunitiesFromSnapshots evaluates every snapshot's sides under
// the global and per-side gates, optionally keeps only the best side per
// snapshot, and applies a top_n cutoff across the whole batch ranked by
// ev_net descending.
func BuildOpportunitiesFromSnapshots(snapshots []domain.EdgeSnapshot, cfg Config) []Row {
	var rows []Row
	for _, snap := range snapshots {
		meta := parseSnapshotMeta(snap.RawJSON)
		if reason := globalGate(snap, cfg, meta); reason != "" {
			if cfg.EmitPasses {
				r := reason
				rows = append(rows, Row{Decision: domain.OpportunityDecision{
					TsEval: snap.AsofTs, MarketID: snap.MarketID, Eligible: false,
					WouldTrade: false, ReasonNotEligible: &r, StrategyVersion: cfg.ModelVersion,
				}})
			}
			continue
		}

		yes := evalSide(snap, cfg, domain.SideYes)
		no := evalSide(snap, cfg, domain.SideNo)
		sides := []sideEval{yes, no}

		if cfg.BestSideOnly {
			best := bestEligible(sides)
			if best == nil {
				if cfg.EmitPasses {
					r := firstReason(sides)
					rows = append(rows, Row{Decision: domain.OpportunityDecision{
						TsEval: snap.AsofTs, MarketID: snap.MarketID, Eligible: false,
						WouldTrade: false, ReasonNotEligible: &r, StrategyVersion: cfg.ModelVersion,
					}})
				}
				continue
			}
			sides = []sideEval{*best}
		}

		for _, s := range sides {
			if !s.eligible {
				if cfg.EmitPasses {
					r := s.reason
					rows = append(rows, Row{Decision: domain.OpportunityDecision{
						TsEval: snap.AsofTs, MarketID: snap.MarketID, Eligible: false,
						WouldTrade: false, ReasonNotEligible: &r, StrategyVersion: cfg.ModelVersion,
					}})
				}
				continue
			}
			side := s.side
			rows = append(rows, Row{Decision: domain.OpportunityDecision{
				TsEval: snap.AsofTs, MarketID: snap.MarketID, Eligible: true,
				WouldTrade: true, Side: &side, EvRaw: s.evRaw, EvNet: s.evNet,
				StrategyVersion: cfg.ModelVersion,
			}})
		}
	}

	if cfg.TopN > 0 {
		rows = applyTopN(rows, cfg.TopN)
	}
	return rows
}

func bestEligible(sides []sideEval) *sideEval {
	var best *sideEval
	for i := range sides {
		if !sides[i].eligible {
			continue
		}
		if best == nil || (sides[i].evNet != nil && (best.evNet == nil || *sides[i].evNet > *best.evNet)) {
			best = &sides[i]
		}
	}
	return best
}

func firstReason(sides []sideEval) string {
	for _, s := range sides {
		if s.reason != "" {
			return s.reason
		}
	}
	return "ev_below_threshold"
}

// applyTopN keeps only the top N trade rows by ev_net descending, demoting
// the rest to PASS with reason "top_n_cutoff"; non-trade rows pass
// through unchanged.
func applyTopN(rows []Row, n int) []Row {
	var trades []int
	for i, r := range rows {
		if r.Decision.WouldTrade {
			trades = append(trades, i)
		}
	}
	if len(trades) <= n {
		return rows
	}
	sort.Slice(trades, func(a, b int) bool {
		ea, eb := rows[trades[a]].Decision.EvNet, rows[trades[b]].Decision.EvNet
		if ea == nil || eb == nil {
			return false
		}
		return *ea > *eb
	})
	keep := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		keep[trades[i]] = true
	}
	for _, idx := range trades {
		if !keep[idx] {
			d := rows[idx].Decision
			reason := "top_n_cutoff"
			d.Eligible = false
			d.WouldTrade = false
			d.Side = nil
			d.ReasonNotEligible = &reason
			rows[idx].Decision = d
		}
	}
	return rows
}
