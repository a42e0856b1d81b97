// Package execution implements the paper-trading risk gate that turns
// opportunity decisions into simulated orders and fills. Grounded on
// original_source/scripts/run_paper_execution.py.
package execution

import (
	"encoding/json"
	"fmt"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

// Config mirrors run_paper_execution.py's risk-control flags.
type Config struct {
	MaxOpenPositions     int
	TakeCooldownSeconds  int64
	KillSwitchActiveFunc func() bool
}

type openPosition struct {
	MarketID string
	Side     domain.Side
	TsOpen   int64
}

type recentTake struct {
	ts       int64
	marketID string
	side     domain.Side
}

// Counters mirrors _Counters, the per-cycle bookkeeping used for health
// reporting and reject-rate alerting.
type Counters struct {
	Processed            int
	Accepted             int
	Rejected             int
	DuplicateDecisions   int
	NonTakeDecisions     int
	ParseErrors          int
	EventPublishFailures int
	PositionClosed       int
}

// State is the engine's position book, cooldown window, and dedup set.
// Owned exclusively by one execution-engine process.
type State struct {
	cfg Config

	openPositions map[string]openPosition
	recentTakes   []recentTake
	seenDecisions map[string]bool

	Counters Counters
}

// New creates an empty paper-execution State.
func New(cfg Config) *State {
	return &State{
		cfg:           cfg,
		openPositions: make(map[string]openPosition),
		seenDecisions: make(map[string]bool),
	}
}

func (s *State) pruneRecent(nowTs int64) {
	if s.cfg.TakeCooldownSeconds <= 0 {
		s.recentTakes = nil
		return
	}
	cutoff := nowTs - s.cfg.TakeCooldownSeconds
	i := 0
	for i < len(s.recentTakes) && s.recentTakes[i].ts < cutoff {
		i++
	}
	s.recentTakes = s.recentTakes[i:]
}

// rejectReason evaluates the gates in priority order: kill switch, missing
// side, existing position (same or opposite side), cooldown, then the
// global open-position cap.
func (s *State) rejectReason(marketID string, side domain.Side, nowTs int64) string {
	if s.cfg.KillSwitchActiveFunc != nil && s.cfg.KillSwitchActiveFunc() {
		return "kill_switch_active"
	}
	if side != domain.SideYes && side != domain.SideNo {
		return "missing_side"
	}
	if pos, ok := s.openPositions[marketID]; ok {
		if pos.Side == side {
			return "position_open"
		}
		return "position_open_opposite_side"
	}

	s.pruneRecent(nowTs)
	if s.cfg.TakeCooldownSeconds > 0 {
		for _, rt := range s.recentTakes {
			if rt.marketID == marketID && rt.side == side {
				return "cooldown_active"
			}
		}
	}

	if s.cfg.MaxOpenPositions > 0 && len(s.openPositions) >= s.cfg.MaxOpenPositions {
		return "max_open_positions"
	}
	return ""
}

func (s *State) accept(marketID string, side domain.Side, tsOpen int64) {
	s.openPositions[marketID] = openPosition{MarketID: marketID, Side: side, TsOpen: tsOpen}
	s.recentTakes = append(s.recentTakes, recentTake{ts: tsOpen, marketID: marketID, side: side})
}

func (s *State) closeMarket(marketID string) (openPosition, bool) {
	pos, ok := s.openPositions[marketID]
	if ok {
		delete(s.openPositions, marketID)
	}
	return pos, ok
}

// DecisionKey returns the decision's dedup key: its idempotency key if
// present, else a composed fallback.
func DecisionKey(idempotencyKey string, d domain.OpportunityDecision) string {
	if idempotencyKey != "" {
		return idempotencyKey
	}
	side := "NA"
	if d.Side != nil {
		side = string(*d.Side)
	}
	return fmt.Sprintf("%d:%s:%s:v%d", d.TsEval, d.MarketID, side, d.StrategyVersion)
}

// priceFromDecisionPayload extracts the order price: the decision's own
// best ask for its side, falling back to price_used_cents embedded in the
// edge snapshot's raw_json metadata.
func priceFromDecisionPayload(d domain.OpportunityDecision, bestYesAsk, bestNoAsk *float64, rawJSON string) *float64 {
	var side domain.Side
	if d.Side != nil {
		side = *d.Side
	}
	var price *float64
	switch side {
	case domain.SideYes:
		price = bestYesAsk
	case domain.SideNo:
		price = bestNoAsk
	}
	if price != nil {
		return price
	}
	if rawJSON == "" {
		return nil
	}
	var meta struct {
		PriceUsedCents *float64 `json:"price_used_cents"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &meta); err != nil {
		return nil
	}
	return meta.PriceUsedCents
}

// ProcessDecisionResult is what ProcessDecision produces: the order/fill
// pair to publish (fill is nil on rejection) plus whether it was a
// duplicate.
type ProcessDecisionResult struct {
	Duplicate bool
	Order     *domain.ExecutionOrder
	Fill      *domain.ExecutionFill
}

// ProcessDecision applies one TAKE opportunity decision against the
// position book, producing a rejected order, or an accepted order plus its
// open fill. Non-TAKE decisions should be filtered by the caller before
// calling this (counted as NonTakeDecisions).
func (s *State) ProcessDecision(idempotencyKey string, d domain.OpportunityDecision, nowTs int64, bestYesAsk, bestNoAsk *float64, rawJSON string) ProcessDecisionResult {
	s.Counters.Processed++
	key := DecisionKey(idempotencyKey, d)
	if s.seenDecisions[key] {
		s.Counters.DuplicateDecisions++
		return ProcessDecisionResult{Duplicate: true}
	}

	var side domain.Side
	if d.Side != nil {
		side = *d.Side
	}
	orderID := "paper:" + key
	ik := idempotencyKey
	price := priceFromDecisionPayload(d, bestYesAsk, bestNoAsk, rawJSON)

	reason := s.rejectReason(d.MarketID, side, nowTs)
	if reason != "" {
		s.seenDecisions[key] = true
		s.Counters.Rejected++
		r := reason
		return ProcessDecisionResult{Order: &domain.ExecutionOrder{
			TsOrder: nowTs, OrderID: orderID, MarketID: d.MarketID, Side: side,
			Action: domain.ActionOpen, Quantity: 1, PriceCents: price,
			Status: domain.OrderRejected, Reason: &r,
			OpportunityIdempotencyKey: &ik, Paper: true,
		}}
	}

	s.accept(d.MarketID, side, nowTs)
	s.seenDecisions[key] = true
	s.Counters.Accepted++
	fillID := orderID + ":open"
	return ProcessDecisionResult{
		Order: &domain.ExecutionOrder{
			TsOrder: nowTs, OrderID: orderID, MarketID: d.MarketID, Side: side,
			Action: domain.ActionOpen, Quantity: 1, PriceCents: price,
			Status: domain.OrderFilled, OpportunityIdempotencyKey: &ik, Paper: true,
		},
		Fill: &domain.ExecutionFill{
			TsFill: nowTs, FillID: fillID, OrderID: orderID, MarketID: d.MarketID,
			Side: side, Action: domain.ActionOpen, Quantity: 1, PriceCents: price, Paper: true,
		},
	}
}

// ProcessContractUpdate closes any open position for a settled/outcome-
// bearing contract update and returns the settlement fill to publish, or
// false if the ticker had no open position or the update carries no
// settlement signal.
func (s *State) ProcessContractUpdate(cu domain.ContractUpdate, nowTs int64) (domain.ExecutionFill, bool) {
	if cu.Outcome == nil && cu.SettledTs == nil {
		return domain.ExecutionFill{}, false
	}
	pos, ok := s.closeMarket(cu.Ticker)
	if !ok {
		return domain.ExecutionFill{}, false
	}
	s.Counters.PositionClosed++

	tsFill := nowTs
	if cu.SettledTs != nil {
		tsFill = *cu.SettledTs
	}
	var priceCents *float64
	if cu.Outcome != nil {
		p := settlementPrice(pos.Side, *cu.Outcome)
		priceCents = &p
	}
	reason := "settled"
	return domain.ExecutionFill{
		TsFill:     tsFill,
		FillID:     fmt.Sprintf("settle:%s:%s:%d", pos.MarketID, pos.Side, tsFill),
		OrderID:    fmt.Sprintf("settle:%s:%s", pos.MarketID, pos.Side),
		MarketID:   pos.MarketID,
		Side:       pos.Side,
		Action:     domain.ActionClose,
		Quantity:   1,
		PriceCents: priceCents,
		Outcome:    cu.Outcome,
		Reason:     &reason,
		Paper:      true,
	}, true
}

func settlementPrice(side domain.Side, outcome int) float64 {
	switch side {
	case domain.SideYes:
		if outcome == 1 {
			return 100.0
		}
		return 0.0
	case domain.SideNo:
		if outcome == 0 {
			return 100.0
		}
		return 0.0
	default:
		return 0.0
	}
}

// OpenPositionCount reports the current book size, used by health reports.
func (s *State) OpenPositionCount() int {
	return len(s.openPositions)
}

// RejectRate computes the windowed reject rate given baseline counters
// captured at the last alert check, mirroring the alert_reject_rate
// threshold logic: only meaningful once minOrders decisions have been
// processed in the window.
func RejectRate(windowProcessed, windowRejected, minOrders int) (float64, bool) {
	if windowProcessed < minOrders || windowProcessed <= 0 {
		return 0, false
	}
	return float64(windowRejected) / float64(windowProcessed), true
}
