package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertEvent_InsertsOnceAndProjectsOnFirstSight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tick := domain.SpotTick{Ts: 100, ProductID: "BTC-USD", Price: 65000}

	res, err := s.UpsertEvent(ctx, RawEvent{
		EventType: domain.EventSpotTick, SchemaVersion: 1, IdempotencyKey: "k1",
		TsEvent: 100, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}, tick)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	var price float64
	err = s.db.QueryRowContext(ctx, `SELECT price FROM state_spot_latest WHERE product_id='BTC-USD'`).Scan(&price)
	require.NoError(t, err)
	assert.Equal(t, 65000.0, price)
}

func TestUpsertEvent_RedeliveryIsANoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tick := domain.SpotTick{Ts: 100, ProductID: "BTC-USD", Price: 65000}

	raw := RawEvent{
		EventType: domain.EventSpotTick, SchemaVersion: 1, IdempotencyKey: "k1",
		TsEvent: 100, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}
	first, err := s.UpsertEvent(ctx, raw, tick)
	require.NoError(t, err)
	require.True(t, first.Inserted)

	second, err := s.UpsertEvent(ctx, raw, tick)
	require.NoError(t, err)
	assert.False(t, second.Inserted)

	var count int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events_raw`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpsertEvent_ContractUpdateCoalescesAgainstPriorValues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	upper := 110.0
	closeTs := int64(5000)
	first := domain.ContractUpdate{Ticker: "M1", Upper: &upper, CloseTs: &closeTs}
	_, err := s.UpsertEvent(ctx, RawEvent{
		EventType: domain.EventContractUpdate, SchemaVersion: 1, IdempotencyKey: "c1",
		TsEvent: 100, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}, first)
	require.NoError(t, err)

	outcome := 1
	second := domain.ContractUpdate{Ticker: "M1", Outcome: &outcome}
	_, err = s.UpsertEvent(ctx, RawEvent{
		EventType: domain.EventContractUpdate, SchemaVersion: 1, IdempotencyKey: "c2",
		TsEvent: 200, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}, second)
	require.NoError(t, err)

	var gotUpper float64
	var gotOutcome int
	err = s.db.QueryRowContext(ctx, `SELECT upper, outcome FROM state_contract_latest WHERE ticker='M1'`).Scan(&gotUpper, &gotOutcome)
	require.NoError(t, err)
	assert.Equal(t, 110.0, gotUpper)
	assert.Equal(t, 1, gotOutcome)
}

func TestUpsertEvent_UnknownEventTypeFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertEvent(context.Background(), RawEvent{
		EventType: domain.EventType("bogus"), SchemaVersion: 1, IdempotencyKey: "k1",
		TsEvent: 100, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}, struct{}{})
	assert.Error(t, err)
}

func TestHealth_ReflectsStoredEventsAndOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertEvent(ctx, RawEvent{
		EventType: domain.EventSpotTick, SchemaVersion: 1, IdempotencyKey: "k1",
		TsEvent: 100, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}, domain.SpotTick{Ts: 100, ProductID: "BTC-USD", Price: 100})
	require.NoError(t, err)

	price := 50.0
	order := domain.ExecutionOrder{
		TsOrder: 100, OrderID: "paper:1", MarketID: "M1", Side: domain.SideYes,
		Action: domain.ActionOpen, Quantity: 1, PriceCents: &price, Status: domain.OrderFilled, Paper: true,
	}
	_, err = s.UpsertEvent(ctx, RawEvent{
		EventType: domain.EventExecutionOrder, SchemaVersion: 1, IdempotencyKey: "o1",
		TsEvent: 100, Source: "test", PayloadJSON: `{}`, EventJSON: `{}`,
	}, order)
	require.NoError(t, err)

	h, err := s.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.RawEventCount)
	assert.Equal(t, int64(1), h.OpenOrderCount)
}
