// Package state holds the edge engine's in-memory projection of the
// MARKET_EVENTS stream: spot history, latest quotes, and merged contract /
// market-lifecycle attributes. Grounded on
// original_source/src/kalshi_bot/state/live_market_state.py. Live state is
// owned exclusively by one edge-engine process (spec.md §3 Ownership) —
// this type is not safe for concurrent use without external locking, which
// the edge engine's single-goroutine tick loop provides.
package state

import (
	"math"
	"sort"
	"strings"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

// SpotPoint is one (ts, price) observation in a product's bounded history.
type SpotPoint struct {
	Ts    int64
	Price float64
}

// Contract is the merged view of a ticker's strike bounds and settlement
// lifecycle, as tracked by ContractUpdate events.
type Contract struct {
	Ticker               string
	Lower                *float64
	Upper                *float64
	StrikeType           *domain.StrikeType
	CloseTs              *int64
	ExpectedExpirationTs *int64
	ExpirationTs         *int64
	SettledTs            *int64
	Outcome              *int
}

// Market is the merged view of a market_id's lifecycle attributes.
type Market struct {
	MarketID             string
	Status               string
	CloseTs              *int64
	ExpectedExpirationTs *int64
	ExpirationTs         *int64
	SettlementTs         *int64
}

// QuoteState is the latest quote recorded for a market_id.
type QuoteState struct {
	Ts     int64
	YesBid *float64
	YesAsk *float64
	NoBid  *float64
	NoAsk  *float64
}

// Latest is the latest known spot observation for a product.
type Latest struct {
	Ts    int64
	Price float64
}

// State is the edge engine's live projection of market events.
type State struct {
	maxSpotPoints int

	spotHistory map[string][]SpotPoint
	spotLatest  map[string]Latest

	quotes    map[string]QuoteState
	contracts map[string]Contract
	markets   map[string]Market

	marketEventTs   map[string]int64
	contractEventTs map[string]int64

	eventCounts map[domain.EventType]int
}

// New creates an empty State. maxSpotPoints bounds each product's history
// ring buffer; default 20000 per spec.md §3.
func New(maxSpotPoints int) *State {
	if maxSpotPoints <= 0 {
		maxSpotPoints = 20000
	}
	return &State{
		maxSpotPoints:   maxSpotPoints,
		spotHistory:     make(map[string][]SpotPoint),
		spotLatest:      make(map[string]Latest),
		quotes:          make(map[string]QuoteState),
		contracts:       make(map[string]Contract),
		markets:         make(map[string]Market),
		marketEventTs:   make(map[string]int64),
		contractEventTs: make(map[string]int64),
		eventCounts:     make(map[domain.EventType]int),
	}
}

// normalizeMarketStatus aliases "active" to "open" and lowercases/trims
// everything else; empty input normalizes to "".
func normalizeMarketStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "active" {
		return "open"
	}
	return s
}

// marketMatchesSeries reports whether marketID belongs to one of the given
// series prefixes (exact match, or "<series>-" prefix). An empty series
// list matches everything.
func marketMatchesSeries(marketID string, series []string) bool {
	if len(series) == 0 {
		return true
	}
	for _, s := range series {
		if marketID == s || strings.HasPrefix(marketID, s+"-") {
			return true
		}
	}
	return false
}

// ApplySpotTick appends to the bounded history and updates latest if
// ts >= the current latest (or there is none yet).
func (s *State) ApplySpotTick(tick domain.SpotTick) {
	s.eventCounts[domain.EventSpotTick]++
	hist := s.spotHistory[tick.ProductID]
	hist = append(hist, SpotPoint{Ts: tick.Ts, Price: tick.Price})
	if len(hist) > s.maxSpotPoints {
		hist = hist[len(hist)-s.maxSpotPoints:]
	}
	s.spotHistory[tick.ProductID] = hist

	latest, ok := s.spotLatest[tick.ProductID]
	if !ok || tick.Ts >= latest.Ts {
		s.spotLatest[tick.ProductID] = Latest{Ts: tick.Ts, Price: tick.Price}
	}
}

// ApplyQuote replaces the market's quote only if ts >= the previous
// quote's ts; older updates are silently dropped.
func (s *State) ApplyQuote(q domain.Quote) {
	s.eventCounts[domain.EventQuoteUpdate]++
	if prev, ok := s.quotes[q.MarketID]; ok && q.Ts < prev.Ts {
		return
	}
	s.quotes[q.MarketID] = QuoteState{
		Ts:     q.Ts,
		YesBid: q.YesBid,
		YesAsk: q.YesAsk,
		NoBid:  q.NoBid,
		NoAsk:  q.NoAsk,
	}
}

// ApplyMarketLifecycle COALESCE-merges non-nil incoming fields into the
// stored market under a monotonic event_ts guard: an event older than the
// last-applied one is rejected.
func (s *State) ApplyMarketLifecycle(eventTs int64, lc domain.MarketLifecycle) {
	s.eventCounts[domain.EventMarketLifecycle]++
	if prev, ok := s.marketEventTs[lc.MarketID]; ok && eventTs < prev {
		return
	}
	m, ok := s.markets[lc.MarketID]
	if !ok {
		m = Market{MarketID: lc.MarketID}
	}
	if status := normalizeMarketStatus(lc.Status); status != "" {
		m.Status = status
	}
	if lc.CloseTs != nil {
		m.CloseTs = lc.CloseTs
	}
	if lc.ExpectedExpirationTs != nil {
		m.ExpectedExpirationTs = lc.ExpectedExpirationTs
	}
	if lc.ExpirationTs != nil {
		m.ExpirationTs = lc.ExpirationTs
	}
	if lc.SettlementTs != nil {
		m.SettlementTs = lc.SettlementTs
	}
	s.markets[lc.MarketID] = m
	s.marketEventTs[lc.MarketID] = eventTs
}

// ApplyContractUpdate COALESCE-merges non-nil incoming fields into the
// stored contract under the same monotonic event_ts guard as
// ApplyMarketLifecycle.
func (s *State) ApplyContractUpdate(eventTs int64, cu domain.ContractUpdate) {
	s.eventCounts[domain.EventContractUpdate]++
	if prev, ok := s.contractEventTs[cu.Ticker]; ok && eventTs < prev {
		return
	}
	c, ok := s.contracts[cu.Ticker]
	if !ok {
		c = Contract{Ticker: cu.Ticker}
	}
	if cu.Lower != nil {
		c.Lower = cu.Lower
	}
	if cu.Upper != nil {
		c.Upper = cu.Upper
	}
	if cu.StrikeType != nil {
		c.StrikeType = cu.StrikeType
	}
	if cu.CloseTs != nil {
		c.CloseTs = cu.CloseTs
	}
	if cu.ExpectedExpirationTs != nil {
		c.ExpectedExpirationTs = cu.ExpectedExpirationTs
	}
	if cu.ExpirationTs != nil {
		c.ExpirationTs = cu.ExpirationTs
	}
	if cu.SettledTs != nil {
		c.SettledTs = cu.SettledTs
	}
	if cu.Outcome != nil {
		c.Outcome = cu.Outcome
	}
	s.contracts[cu.Ticker] = c
	s.contractEventTs[cu.Ticker] = eventTs
}

// LatestSpot returns the latest spot observation for productID, or false if
// none has been recorded.
func (s *State) LatestSpot(productID string) (Latest, bool) {
	l, ok := s.spotLatest[productID]
	return l, ok
}

// SpotHistory returns (timestamps, prices) for productID within
// [nowTs-lookbackSeconds, nowTs], time-ordered.
func (s *State) SpotHistory(productID string, nowTs, lookbackSeconds int64) ([]int64, []float64) {
	if lookbackSeconds < 0 {
		lookbackSeconds = 0
	}
	cutoff := nowTs - lookbackSeconds
	hist := s.spotHistory[productID]
	ts := make([]int64, 0, len(hist))
	prices := make([]float64, 0, len(hist))
	for _, p := range hist {
		if p.Ts >= cutoff {
			ts = append(ts, p.Ts)
			prices = append(prices, p.Price)
		}
	}
	return ts, prices
}

// GetContract returns the merged contract view: the contract's own close
// timestamps win when present; a market-lifecycle timestamp only fills a
// gap the contract itself leaves (nil). Returns false if the ticker is
// unknown.
func (s *State) GetContract(marketID string) (Contract, bool) {
	c, ok := s.contracts[marketID]
	if !ok {
		return Contract{}, false
	}
	merged := c
	if m, ok := s.markets[marketID]; ok {
		if merged.CloseTs == nil && m.CloseTs != nil {
			merged.CloseTs = m.CloseTs
		}
		if merged.ExpectedExpirationTs == nil && m.ExpectedExpirationTs != nil {
			merged.ExpectedExpirationTs = m.ExpectedExpirationTs
		}
		if merged.ExpirationTs == nil && m.ExpirationTs != nil {
			merged.ExpirationTs = m.ExpirationTs
		}
		if merged.SettledTs == nil && m.SettlementTs != nil {
			merged.SettledTs = m.SettlementTs
		}
	}
	return merged, true
}

// GetQuote returns the latest quote for marketID, or false if none exists.
func (s *State) GetQuote(marketID string) (QuoteState, bool) {
	q, ok := s.quotes[marketID]
	return q, ok
}

// GetMarketStatus returns the normalized lifecycle status for marketID, or
// ("", false) if the market is unknown.
func (s *State) GetMarketStatus(marketID string) (string, bool) {
	m, ok := s.markets[marketID]
	if !ok {
		return "", false
	}
	return m.Status, true
}

func safeCloseTs(c Contract) *int64 {
	if c.CloseTs != nil {
		return c.CloseTs
	}
	if c.ExpectedExpirationTs != nil {
		return c.ExpectedExpirationTs
	}
	return c.SettledTs
}

// marketCloseTs is the universe-selection-level close_ts fallback, which
// additionally consults the market-lifecycle record directly (not only via
// GetContract's gap-fill overlay). This is intentionally broader than
// safeCloseTs: a contract with no close fields at all can still be
// scheduled off its market's settlement_ts here.
func marketCloseTs(c Contract, m Market, hasMarket bool) *int64 {
	if ts := safeCloseTs(c); ts != nil {
		return ts
	}
	if !hasMarket {
		return nil
	}
	if m.CloseTs != nil {
		return m.CloseTs
	}
	if m.ExpectedExpirationTs != nil {
		return m.ExpectedExpirationTs
	}
	if m.ExpirationTs != nil {
		return m.ExpirationTs
	}
	return m.SettlementTs
}

// askTradable reports whether an ask is usable: 0 and 100 (cents) are
// always tradable regardless of bounds, and any other value must fall
// within [minAskCents, maxAskCents] with a non-negative bid-ask spread.
func askTradable(bid, ask *float64, minAskCents, maxAskCents float64) bool {
	if ask == nil {
		return false
	}
	if *ask == 0 || *ask == 100 {
		return true
	}
	if *ask < minAskCents || *ask > maxAskCents {
		return false
	}
	if bid != nil && *ask < *bid {
		return false
	}
	return true
}

// SelectionParams configures universe selection.
type SelectionParams struct {
	Series              []string
	AllowedStatuses     []string
	NowTs               int64
	MinHorizonSeconds   int64
	MaxHorizonSeconds   int64
	Grace               int64
	MaxQuoteAgeSeconds  int64
	MinAskCents         float64
	MaxAskCents         float64
	MaxResults          int
	PctBand             float64
	SelectionMethod     string // "pct_band" or "top_n"
}

// Candidate is one market surviving universe selection, ordered by
// distance_pct ascending then ticker ascending.
type Candidate struct {
	MarketID    string
	DistancePct float64
	CloseTs     int64
}

// SelectionResult carries the surviving candidates plus per-reason
// exclusion counters, mirroring the rich diagnostics the original tick
// summary exposes to the orchestrator health view.
type SelectionResult struct {
	Candidates []Candidate
	Excluded   map[string]int
}

func bump(counts map[string]int, reason string) {
	counts[reason]++
}

// scoredCandidate pairs a surviving Candidate with its absolute distance,
// used to rank before applying the pct_band/top_n selection method.
type scoredCandidate struct {
	Candidate
	absDist float64
}

// SelectRelevantMarketIDs applies series/status filtering, close_ts
// resolvability, the expiry/horizon window, and quote freshness and
// tradability, then ranks survivors by |distance_pct| and either keeps
// everything inside pctBand or falls back to the top N closest.
func (s *State) SelectRelevantMarketIDs(spot float64, p SelectionParams) SelectionResult {
	excluded := map[string]int{
		"no_series_match":  0,
		"bad_status":       0,
		"no_close_ts":      0,
		"expired":          0,
		"outside_horizon":  0,
		"quote_stale":      0,
		"quote_untradable": 0,
	}
	var survivors []scoredCandidate

	for marketID, c := range s.contracts {
		if !marketMatchesSeries(marketID, p.Series) {
			bump(excluded, "no_series_match")
			continue
		}
		m, hasMarket := s.markets[marketID]
		// Bus-replay mode routinely delivers contract_update events before
		// their market_lifecycle counterpart, so status is only enforced
		// when a lifecycle record is already known.
		if len(p.AllowedStatuses) > 0 && hasMarket && m.Status != "" &&
			!containsStatus(p.AllowedStatuses, m.Status) {
			bump(excluded, "bad_status")
			continue
		}
		closeTs := marketCloseTs(c, m, hasMarket)
		if closeTs == nil {
			bump(excluded, "no_close_ts")
			continue
		}
		horizon := *closeTs - p.NowTs
		if horizon < p.MinHorizonSeconds {
			bump(excluded, "expired")
			continue
		}
		if horizon > p.MaxHorizonSeconds+p.Grace {
			bump(excluded, "outside_horizon")
			continue
		}
		q, hasQuote := s.quotes[marketID]
		if !hasQuote || p.NowTs-q.Ts > p.MaxQuoteAgeSeconds {
			bump(excluded, "quote_stale")
			continue
		}
		if !askTradable(q.YesBid, q.YesAsk, p.MinAskCents, p.MaxAskCents) &&
			!askTradable(q.NoBid, q.NoAsk, p.MinAskCents, p.MaxAskCents) {
			bump(excluded, "quote_untradable")
			continue
		}

		distancePct := 0.0
		if mid := strikeMidpoint(c); mid != nil && spot != 0 {
			distancePct = math.Abs(*mid-spot) / spot * 100.0
		}
		survivors = append(survivors, scoredCandidate{
			Candidate: Candidate{MarketID: marketID, DistancePct: distancePct, CloseTs: *closeTs},
			absDist:   math.Abs(distancePct),
		})
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].absDist != survivors[j].absDist {
			return survivors[i].absDist < survivors[j].absDist
		}
		return survivors[i].MarketID < survivors[j].MarketID
	})

	var kept []Candidate
	switch p.SelectionMethod {
	case "pct_band":
		for _, sv := range survivors {
			if sv.absDist <= p.PctBand {
				kept = append(kept, sv.Candidate)
			}
		}
		if len(kept) == 0 {
			kept = topN(survivors, p.MaxResults)
		}
	default:
		kept = topN(survivors, p.MaxResults)
	}

	return SelectionResult{Candidates: kept, Excluded: excluded}
}

func topN(survivors []scoredCandidate, n int) []Candidate {
	if n <= 0 || n > len(survivors) {
		n = len(survivors)
	}
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, survivors[i].Candidate)
	}
	return out
}

func containsStatus(allowed []string, status string) bool {
	for _, a := range allowed {
		if a == status {
			return true
		}
	}
	return false
}

func strikeMidpoint(c Contract) *float64 {
	if c.Lower == nil || c.Upper == nil {
		if c.Lower != nil {
			return c.Lower
		}
		return c.Upper
	}
	mid := (*c.Lower + *c.Upper) / 2.0
	return &mid
}
