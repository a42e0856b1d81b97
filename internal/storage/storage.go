// Package storage persists raw events and their latest-state projections
// to SQLite (pure Go, no CGo). Grounded on
// original_source/src/kalshi_bot/persistence/postgres.py (schema and
// upsert semantics, adapted from Postgres types to SQLite) and the
// teacher's internal/adapters/storage/sqlite.go (connection setup).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events_raw (
    event_type      TEXT    NOT NULL,
    schema_version  INTEGER NOT NULL,
    idempotency_key TEXT    NOT NULL,
    ts_event        INTEGER NOT NULL,
    source          TEXT    NOT NULL,
    payload_json    TEXT    NOT NULL,
    event_json      TEXT    NOT NULL,
    created_at      TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (event_type, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_events_raw_ts_event ON events_raw (ts_event DESC);

CREATE TABLE IF NOT EXISTS state_spot_latest (
    product_id   TEXT PRIMARY KEY,
    ts           INTEGER NOT NULL,
    price        REAL    NOT NULL,
    best_bid     REAL,
    best_ask     REAL,
    bid_qty      REAL,
    ask_qty      REAL,
    sequence_num INTEGER,
    updated_at   TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS state_quote_latest (
    market_id  TEXT PRIMARY KEY,
    ts         INTEGER NOT NULL,
    yes_bid    REAL,
    yes_ask    REAL,
    no_bid     REAL,
    no_ask     REAL,
    yes_mid    REAL,
    no_mid     REAL,
    p_mid      REAL,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS state_market_latest (
    market_id              TEXT PRIMARY KEY,
    status                 TEXT NOT NULL,
    close_ts               INTEGER,
    expected_expiration_ts INTEGER,
    expiration_ts          INTEGER,
    settlement_ts          INTEGER,
    updated_at             TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS state_contract_latest (
    ticker                 TEXT PRIMARY KEY,
    lower                  REAL,
    upper                  REAL,
    strike_type            TEXT,
    close_ts               INTEGER,
    expected_expiration_ts INTEGER,
    expiration_ts          INTEGER,
    settled_ts             INTEGER,
    outcome                INTEGER,
    updated_at             TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_edge_latest (
    market_id        TEXT PRIMARY KEY,
    asof_ts          INTEGER NOT NULL,
    prob_yes         REAL NOT NULL,
    ev_take_yes      REAL,
    ev_take_no       REAL,
    sigma_annualized REAL NOT NULL,
    spot_price       REAL NOT NULL,
    quote_ts         INTEGER,
    spot_ts          INTEGER,
    updated_at       TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_opportunity_latest (
    market_id           TEXT PRIMARY KEY,
    ts_eval             INTEGER NOT NULL,
    eligible            INTEGER NOT NULL,
    would_trade         INTEGER NOT NULL,
    side                TEXT,
    reason_not_eligible TEXT,
    ev_raw              REAL,
    ev_net              REAL,
    updated_at          TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_order_latest (
    order_id                     TEXT PRIMARY KEY,
    ts_order                     INTEGER NOT NULL,
    market_id                    TEXT NOT NULL,
    side                         TEXT NOT NULL,
    action                       TEXT NOT NULL,
    quantity                     INTEGER NOT NULL,
    price_cents                  REAL,
    status                       TEXT NOT NULL,
    reason                       TEXT,
    opportunity_idempotency_key  TEXT,
    paper                        INTEGER NOT NULL DEFAULT 1,
    updated_at                   TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_fill_latest (
    fill_id    TEXT PRIMARY KEY,
    ts_fill    INTEGER NOT NULL,
    order_id   TEXT NOT NULL,
    market_id  TEXT NOT NULL,
    side       TEXT NOT NULL,
    action     TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price_cents REAL,
    outcome    INTEGER,
    reason     TEXT,
    paper      INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS fact_edge_snapshot_scores (
    asof_ts     INTEGER NOT NULL,
    market_id   TEXT NOT NULL,
    settled_ts  INTEGER,
    outcome     INTEGER NOT NULL,
    pnl_take_yes REAL,
    pnl_take_no  REAL,
    brier       REAL,
    logloss     REAL,
    error       TEXT,
    created_ts  INTEGER NOT NULL,
    updated_at  TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (asof_ts, market_id)
);
`

// Store is the SQLite-backed event store: a raw append-only log plus
// per-type latest-state projections.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// SQLite is single-writer, so the pool is capped at one connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RawEvent is the append-only record persisted for every bus message.
type RawEvent struct {
	EventType      domain.EventType
	SchemaVersion  int
	IdempotencyKey string
	TsEvent        int64
	Source         string
	PayloadJSON    string
	EventJSON      string
}

// UpsertResult reports whether the raw insert was new; projections are
// only applied on first occurrence, matching upsert_event's
// insert-then-conditionally-project order.
type UpsertResult struct {
	Inserted bool
}

// UpsertEvent inserts the raw event (no-op if the idempotency key was
// already seen for this event type) and, only on first insert, applies the
// per-type projection upsert. Both statements run in one transaction;
// any error rolls back the whole attempt so the caller can route the
// event to the dead-letter queue.
func (s *Store) UpsertEvent(ctx context.Context, raw RawEvent, payload any) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("storage.UpsertEvent: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events_raw (
			event_type, schema_version, idempotency_key, ts_event, source, payload_json, event_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_type, idempotency_key) DO NOTHING
	`, string(raw.EventType), raw.SchemaVersion, raw.IdempotencyKey, raw.TsEvent, raw.Source, raw.PayloadJSON, raw.EventJSON)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("storage.UpsertEvent: insert raw: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("storage.UpsertEvent: rows affected: %w", err)
	}
	inserted := n > 0

	if inserted {
		if err := s.upsertProjection(ctx, tx, raw.EventType, payload); err != nil {
			return UpsertResult{}, fmt.Errorf("storage.UpsertEvent: project: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("storage.UpsertEvent: commit: %w", err)
	}
	return UpsertResult{Inserted: inserted}, nil
}

func (s *Store) upsertProjection(ctx context.Context, tx *sql.Tx, eventType domain.EventType, payload any) error {
	switch eventType {
	case domain.EventSpotTick:
		p := payload.(domain.SpotTick)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_spot_latest (product_id, ts, price, best_bid, best_ask, bid_qty, ask_qty, sequence_num)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (product_id) DO UPDATE SET
				ts=excluded.ts, price=excluded.price, best_bid=excluded.best_bid,
				best_ask=excluded.best_ask, bid_qty=excluded.bid_qty, ask_qty=excluded.ask_qty,
				sequence_num=excluded.sequence_num, updated_at=CURRENT_TIMESTAMP
		`, p.ProductID, p.Ts, p.Price, p.BestBid, p.BestAsk, p.BidQty, p.AskQty, p.SequenceNum)
		return err

	case domain.EventQuoteUpdate:
		p := payload.(domain.Quote)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_quote_latest (market_id, ts, yes_bid, yes_ask, no_bid, no_ask, yes_mid, no_mid, p_mid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (market_id) DO UPDATE SET
				ts=excluded.ts, yes_bid=excluded.yes_bid, yes_ask=excluded.yes_ask,
				no_bid=excluded.no_bid, no_ask=excluded.no_ask, yes_mid=excluded.yes_mid,
				no_mid=excluded.no_mid, p_mid=excluded.p_mid, updated_at=CURRENT_TIMESTAMP
		`, p.MarketID, p.Ts, p.YesBid, p.YesAsk, p.NoBid, p.NoAsk, p.YesMid, p.NoMid, p.PMid)
		return err

	case domain.EventMarketLifecycle:
		p := payload.(domain.MarketLifecycle)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_market_latest (market_id, status, close_ts, expected_expiration_ts, expiration_ts, settlement_ts)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (market_id) DO UPDATE SET
				status=excluded.status, close_ts=excluded.close_ts,
				expected_expiration_ts=excluded.expected_expiration_ts,
				expiration_ts=excluded.expiration_ts, settlement_ts=excluded.settlement_ts,
				updated_at=CURRENT_TIMESTAMP
		`, p.MarketID, p.Status, p.CloseTs, p.ExpectedExpirationTs, p.ExpirationTs, p.SettlementTs)
		return err

	case domain.EventContractUpdate:
		// Field-by-field COALESCE: an incoming NULL never overwrites a
		// previously known value, matching the monotonic merge the state
		// projector applies in memory (internal/state.ApplyContractUpdate).
		p := payload.(domain.ContractUpdate)
		var strikeType *string
		if p.StrikeType != nil {
			v := string(*p.StrikeType)
			strikeType = &v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_contract_latest (
				ticker, lower, upper, strike_type, close_ts,
				expected_expiration_ts, expiration_ts, settled_ts, outcome
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (ticker) DO UPDATE SET
				lower=COALESCE(excluded.lower, state_contract_latest.lower),
				upper=COALESCE(excluded.upper, state_contract_latest.upper),
				strike_type=COALESCE(excluded.strike_type, state_contract_latest.strike_type),
				close_ts=COALESCE(excluded.close_ts, state_contract_latest.close_ts),
				expected_expiration_ts=COALESCE(excluded.expected_expiration_ts, state_contract_latest.expected_expiration_ts),
				expiration_ts=COALESCE(excluded.expiration_ts, state_contract_latest.expiration_ts),
				settled_ts=COALESCE(excluded.settled_ts, state_contract_latest.settled_ts),
				outcome=COALESCE(excluded.outcome, state_contract_latest.outcome),
				updated_at=CURRENT_TIMESTAMP
		`, p.Ticker, p.Lower, p.Upper, strikeType, p.CloseTs, p.ExpectedExpirationTs, p.ExpirationTs, p.SettledTs, p.Outcome)
		return err

	case domain.EventEdgeSnapshot:
		p := payload.(domain.EdgeSnapshot)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_edge_latest (
				market_id, asof_ts, prob_yes, ev_take_yes, ev_take_no, sigma_annualized, spot_price, quote_ts, spot_ts
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (market_id) DO UPDATE SET
				asof_ts=excluded.asof_ts, prob_yes=excluded.prob_yes, ev_take_yes=excluded.ev_take_yes,
				ev_take_no=excluded.ev_take_no, sigma_annualized=excluded.sigma_annualized,
				spot_price=excluded.spot_price, quote_ts=excluded.quote_ts, spot_ts=excluded.spot_ts,
				updated_at=CURRENT_TIMESTAMP
		`, p.MarketID, p.AsofTs, p.ProbYes, p.EvTakeYes, p.EvTakeNo, p.SigmaAnnualized, p.SpotPrice, p.QuoteTs, p.SpotTs)
		return err

	case domain.EventOpportunityDecision:
		p := payload.(domain.OpportunityDecision)
		var side *string
		if p.Side != nil {
			v := string(*p.Side)
			side = &v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_opportunity_latest (
				market_id, ts_eval, eligible, would_trade, side, reason_not_eligible, ev_raw, ev_net
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (market_id) DO UPDATE SET
				ts_eval=excluded.ts_eval, eligible=excluded.eligible, would_trade=excluded.would_trade,
				side=excluded.side, reason_not_eligible=excluded.reason_not_eligible,
				ev_raw=excluded.ev_raw, ev_net=excluded.ev_net, updated_at=CURRENT_TIMESTAMP
		`, p.MarketID, p.TsEval, p.Eligible, p.WouldTrade, side, p.ReasonNotEligible, p.EvRaw, p.EvNet)
		return err

	case domain.EventExecutionOrder:
		p := payload.(domain.ExecutionOrder)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_order_latest (
				order_id, ts_order, market_id, side, action, quantity, price_cents, status, reason,
				opportunity_idempotency_key, paper
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (order_id) DO UPDATE SET
				ts_order=excluded.ts_order, status=excluded.status, reason=excluded.reason,
				price_cents=excluded.price_cents, updated_at=CURRENT_TIMESTAMP
		`, p.OrderID, p.TsOrder, p.MarketID, string(p.Side), string(p.Action), p.Quantity, p.PriceCents,
			string(p.Status), p.Reason, p.OpportunityIdempotencyKey, p.Paper)
		return err

	case domain.EventExecutionFill:
		p := payload.(domain.ExecutionFill)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_fill_latest (
				fill_id, ts_fill, order_id, market_id, side, action, quantity, price_cents, outcome, reason, paper
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (fill_id) DO UPDATE SET
				ts_fill=excluded.ts_fill, outcome=excluded.outcome, reason=excluded.reason,
				updated_at=CURRENT_TIMESTAMP
		`, p.FillID, p.TsFill, p.OrderID, p.MarketID, string(p.Side), string(p.Action), p.Quantity,
			p.PriceCents, p.Outcome, p.Reason, p.Paper)
		return err

	default:
		return fmt.Errorf("storage: unknown event type %q", eventType)
	}
}

// HealthSummary is the side-effect-free snapshot the orchestrator reads
// for its periodic health report.
type HealthSummary struct {
	RawEventCount   int64
	OpenOrderCount  int64
	LatestEdgeAsof  int64
}

// Health computes HealthSummary from read-only aggregate queries.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	var h HealthSummary
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events_raw`)
	if err := row.Scan(&h.RawEventCount); err != nil {
		return HealthSummary{}, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_order_latest WHERE status='filled'`)
	if err := row.Scan(&h.OpenOrderCount); err != nil {
		return HealthSummary{}, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(asof_ts), 0) FROM strategy_edge_latest`)
	if err := row.Scan(&h.LatestEdgeAsof); err != nil {
		return HealthSummary{}, err
	}
	return h, nil
}

// UnscoredSnapshot is a persisted edge_snapshot event whose market has since
// settled and that has not yet been scored into fact_edge_snapshot_scores.
type UnscoredSnapshot struct {
	AsofTs    int64
	MarketID  string
	SettledTs *int64
	Outcome   int
	ProbYes   float64
	YesAsk    *float64
	NoAsk     *float64
}

// GetUnscoredEdgeSnapshots returns up to limit persisted edge snapshots
// whose market has a known settlement outcome and that have not yet been
// scored, grounded on original_source's dao.get_unscored_edge_snapshots.
// The settled-contract and already-scored lookups run as separate queries
// and the join happens in Go rather than via SQLite's JSON1 functions,
// since json_extract support is not guaranteed across modernc.org/sqlite
// builds.
func (s *Store) GetUnscoredEdgeSnapshots(ctx context.Context, limit int) ([]UnscoredSnapshot, error) {
	type settledContract struct {
		outcome   int
		settledTs *int64
	}
	settled := make(map[string]settledContract)
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, outcome, settled_ts FROM state_contract_latest WHERE outcome IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetUnscoredEdgeSnapshots: query settled contracts: %w", err)
	}
	for rows.Next() {
		var ticker string
		var sc settledContract
		if err := rows.Scan(&ticker, &sc.outcome, &sc.settledTs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage.GetUnscoredEdgeSnapshots: scan settled contract: %w", err)
		}
		settled[ticker] = sc
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(settled) == 0 {
		return nil, nil
	}

	scored := make(map[string]bool)
	rows, err = s.db.QueryContext(ctx, `SELECT asof_ts, market_id FROM fact_edge_snapshot_scores`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetUnscoredEdgeSnapshots: query scored keys: %w", err)
	}
	for rows.Next() {
		var asofTs int64
		var marketID string
		if err := rows.Scan(&asofTs, &marketID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage.GetUnscoredEdgeSnapshots: scan scored key: %w", err)
		}
		scored[scoreKey(asofTs, marketID)] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT payload_json FROM events_raw WHERE event_type = ? ORDER BY ts_event DESC`, string(domain.EventEdgeSnapshot))
	if err != nil {
		return nil, fmt.Errorf("storage.GetUnscoredEdgeSnapshots: query edge snapshots: %w", err)
	}
	defer rows.Close()

	var out []UnscoredSnapshot
	for rows.Next() && len(out) < limit {
		var payloadJSON string
		if err := rows.Scan(&payloadJSON); err != nil {
			return nil, fmt.Errorf("storage.GetUnscoredEdgeSnapshots: scan payload: %w", err)
		}
		var snap domain.EdgeSnapshot
		if err := json.Unmarshal([]byte(payloadJSON), &snap); err != nil {
			continue
		}
		sc, ok := settled[snap.MarketID]
		if !ok || scored[scoreKey(snap.AsofTs, snap.MarketID)] {
			continue
		}
		out = append(out, UnscoredSnapshot{
			AsofTs: snap.AsofTs, MarketID: snap.MarketID, SettledTs: sc.settledTs, Outcome: sc.outcome,
			ProbYes: snap.ProbYes, YesAsk: snap.YesAsk, NoAsk: snap.NoAsk,
		})
	}
	return out, rows.Err()
}

func scoreKey(asofTs int64, marketID string) string {
	return fmt.Sprintf("%d:%s", asofTs, marketID)
}

// EdgeSnapshotScore is one row to persist into fact_edge_snapshot_scores.
type EdgeSnapshotScore struct {
	AsofTs     int64
	MarketID   string
	SettledTs  *int64
	Outcome    int
	PnLTakeYes *float64
	PnLTakeNo  *float64
	Brier      *float64
	LogLoss    *float64
	Error      *string
	CreatedTs  int64
}

// InsertEdgeSnapshotScores persists scored rows, skipping any (asof_ts,
// market_id) pair already present, matching
// insert_kalshi_edge_snapshot_scores's append-only semantics.
func (s *Store) InsertEdgeSnapshotScores(ctx context.Context, rows []EdgeSnapshotScore) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.InsertEdgeSnapshotScores: begin tx: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO fact_edge_snapshot_scores (
				asof_ts, market_id, settled_ts, outcome, pnl_take_yes, pnl_take_no, brier, logloss, error, created_ts
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (asof_ts, market_id) DO NOTHING
		`, r.AsofTs, r.MarketID, r.SettledTs, r.Outcome, r.PnLTakeYes, r.PnLTakeNo, r.Brier, r.LogLoss, r.Error, r.CreatedTs)
		if err != nil {
			return 0, fmt.Errorf("storage.InsertEdgeSnapshotScores: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("storage.InsertEdgeSnapshotScores: rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage.InsertEdgeSnapshotScores: commit: %w", err)
	}
	return inserted, nil
}
