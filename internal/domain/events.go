// Package domain holds the pure data types shared by every component of the
// pipeline: event payloads, contracts, market state, and the outputs of the
// edge/opportunity/execution engines. Nothing in this package touches I/O.
package domain

// EventType identifies the payload shape carried by an Envelope. The set is
// closed — unknown types fail to parse rather than silently passing through.
type EventType string

const (
	EventSpotTick            EventType = "spot_tick"
	EventQuoteUpdate         EventType = "quote_update"
	EventMarketLifecycle     EventType = "market_lifecycle"
	EventContractUpdate      EventType = "contract_update"
	EventEdgeSnapshot        EventType = "edge_snapshot"
	EventOpportunityDecision EventType = "opportunity_decision"
	EventExecutionOrder      EventType = "execution_order"
	EventExecutionFill       EventType = "execution_fill"
)

// Envelope wraps every event that crosses the bus. Payload holds the
// concrete struct for EventType (SpotTick, Quote, ...); callers type-assert
// after a successful parse.
type Envelope struct {
	EventType      EventType `json:"event_type"`
	SchemaVersion  int       `json:"schema_version"`
	TsEvent        int64     `json:"ts_event"`
	Source         string    `json:"source"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        any       `json:"payload"`
}

// SpotTick is the underlying-asset price observation. Invariant: Price > 0.
type SpotTick struct {
	Ts          int64    `json:"ts"`
	ProductID   string   `json:"product_id"`
	Price       float64  `json:"price"`
	BestBid     *float64 `json:"best_bid,omitempty"`
	BestAsk     *float64 `json:"best_ask,omitempty"`
	BidQty      *float64 `json:"bid_qty,omitempty"`
	AskQty      *float64 `json:"ask_qty,omitempty"`
	SequenceNum *int64   `json:"sequence_num,omitempty"`
}

// Quote is a per-market top-of-book snapshot in cents (0-100).
type Quote struct {
	Ts          int64    `json:"ts"`
	MarketID    string   `json:"market_id"`
	SourceMsgID *string  `json:"source_msg_id,omitempty"`
	YesBid      *float64 `json:"yes_bid,omitempty"`
	YesAsk      *float64 `json:"yes_ask,omitempty"`
	NoBid       *float64 `json:"no_bid,omitempty"`
	NoAsk       *float64 `json:"no_ask,omitempty"`
	YesMid      *float64 `json:"yes_mid,omitempty"`
	NoMid       *float64 `json:"no_mid,omitempty"`
	PMid        *float64 `json:"p_mid,omitempty"`
}

// MarketLifecycle carries the normalized status and close/expiration/
// settlement timestamps for a market. Status aliases ("active" -> "open")
// are normalized before storage.
type MarketLifecycle struct {
	MarketID             string `json:"market_id"`
	Status               string `json:"status"`
	CloseTs              *int64 `json:"close_ts,omitempty"`
	ExpectedExpirationTs *int64 `json:"expected_expiration_ts,omitempty"`
	ExpirationTs         *int64 `json:"expiration_ts,omitempty"`
	SettlementTs         *int64 `json:"settlement_ts,omitempty"`
}

// StrikeType is the payoff shape of a contract.
type StrikeType string

const (
	StrikeLess    StrikeType = "less"
	StrikeGreater StrikeType = "greater"
	StrikeBetween StrikeType = "between"
)

// ContractUpdate carries the strike bounds and settlement lifecycle for a
// single ticker. Outcome is monotone once set to 0 or 1.
type ContractUpdate struct {
	Ticker               string      `json:"ticker"`
	Lower                *float64    `json:"lower,omitempty"`
	Upper                *float64    `json:"upper,omitempty"`
	StrikeType           *StrikeType `json:"strike_type,omitempty"`
	CloseTs              *int64      `json:"close_ts,omitempty"`
	ExpectedExpirationTs *int64      `json:"expected_expiration_ts,omitempty"`
	ExpirationTs         *int64      `json:"expiration_ts,omitempty"`
	SettledTs            *int64      `json:"settled_ts,omitempty"`
	Outcome              *int        `json:"outcome,omitempty"`
}

// EdgeSnapshot is the model's per-contract output for a single asof_ts tick.
type EdgeSnapshot struct {
	AsofTs          int64    `json:"asof_ts"`
	MarketID        string   `json:"market_id"`
	SettlementTs    *int64   `json:"settlement_ts,omitempty"`
	SpotTs          int64    `json:"spot_ts"`
	SpotPrice       float64  `json:"spot_price"`
	SigmaAnnualized float64  `json:"sigma_annualized"`
	ProbYes         float64  `json:"prob_yes"`
	ProbYesRaw      *float64 `json:"prob_yes_raw,omitempty"`
	HorizonSeconds  int64    `json:"horizon_seconds"`
	QuoteTs         *int64   `json:"quote_ts,omitempty"`
	YesBid          *float64 `json:"yes_bid,omitempty"`
	YesAsk          *float64 `json:"yes_ask,omitempty"`
	NoBid           *float64 `json:"no_bid,omitempty"`
	NoAsk           *float64 `json:"no_ask,omitempty"`
	YesMid          *float64 `json:"yes_mid,omitempty"`
	NoMid           *float64 `json:"no_mid,omitempty"`
	EvTakeYes       *float64 `json:"ev_take_yes,omitempty"`
	EvTakeNo        *float64 `json:"ev_take_no,omitempty"`
	SpotAgeSeconds  int64    `json:"spot_age_seconds"`
	QuoteAgeSeconds *int64   `json:"quote_age_seconds,omitempty"`
	RawJSON         string   `json:"raw_json,omitempty"`
}

// SigmaMeta is the diagnostic payload embedded in EdgeSnapshot.RawJSON and
// read back by the opportunity engine's readiness gates.
type SigmaMeta struct {
	SnapshotVersion          int      `json:"snapshot_version"`
	SigmaSource              string   `json:"sigma_source"`
	SigmaOk                  bool     `json:"sigma_ok"`
	SigmaReason              *string  `json:"sigma_reason,omitempty"`
	SigmaReasonContext       *string  `json:"sigma_reason_context,omitempty"`
	SigmaPointsUsed          int      `json:"sigma_points_used"`
	MinSigmaPoints           int      `json:"min_sigma_points"`
	SigmaLookbackSecondsUsed int64    `json:"sigma_lookback_seconds_used"`
	MinSigmaLookbackSeconds  int64    `json:"min_sigma_lookback_seconds"`
	ProbYesRaw               *float64 `json:"prob_yes_raw,omitempty"`
	ProbYesClamped           *float64 `json:"prob_yes_clamped,omitempty"`
	CrossedMarket            bool     `json:"crossed_market"`
}

// Side is the traded leg of a binary contract.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// OpportunityDecision is the per-side TAKE/PASS verdict for a snapshot.
type OpportunityDecision struct {
	TsEval            int64    `json:"ts_eval"`
	MarketID          string   `json:"market_id"`
	Eligible          bool     `json:"eligible"`
	WouldTrade        bool     `json:"would_trade"`
	Side              *Side    `json:"side,omitempty"`
	ReasonNotEligible *string  `json:"reason_not_eligible,omitempty"`
	EvRaw             *float64 `json:"ev_raw,omitempty"`
	EvNet             *float64 `json:"ev_net,omitempty"`
	StrategyVersion   int      `json:"strategy_version"`
}

// OrderAction distinguishes opening from closing a paper position.
type OrderAction string

const (
	ActionOpen  OrderAction = "open"
	ActionClose OrderAction = "close"
)

// OrderStatus is the outcome of a paper order attempt.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// ExecutionOrder records a paper-trading order attempt, append-only per
// OrderID.
type ExecutionOrder struct {
	TsOrder                   int64       `json:"ts_order"`
	OrderID                   string      `json:"order_id"`
	MarketID                  string      `json:"market_id"`
	Side                      Side        `json:"side"`
	Action                    OrderAction `json:"action"`
	Quantity                  int         `json:"quantity"`
	PriceCents                *float64    `json:"price_cents,omitempty"`
	Status                    OrderStatus `json:"status"`
	Reason                    *string     `json:"reason,omitempty"`
	OpportunityIdempotencyKey *string     `json:"opportunity_idempotency_key,omitempty"`
	Paper                     bool        `json:"paper"`
}

// ExecutionFill records a simulated fill, append-only per FillID.
type ExecutionFill struct {
	TsFill     int64       `json:"ts_fill"`
	FillID     string      `json:"fill_id"`
	OrderID    string      `json:"order_id"`
	MarketID   string      `json:"market_id"`
	Side       Side        `json:"side"`
	Action     OrderAction `json:"action"`
	Quantity   int         `json:"quantity"`
	PriceCents *float64    `json:"price_cents,omitempty"`
	Outcome    *int        `json:"outcome,omitempty"`
	Reason     *string     `json:"reason,omitempty"`
	Paper      bool        `json:"paper"`
}
