// Package projector is the idempotent persistence consumer: it drains the
// three durable streams (MARKET_EVENTS, STRATEGY_EVENTS, EXECUTION_EVENTS),
// inserts each event into the append-only raw log exactly once, and
// projects first-seen events into their latest-state table. Grounded on
// original_source/scripts/run_persistence_service.py (consumer-loop shape,
// counters, DLQ routing) and original_source/src/kalshi_bot/persistence/postgres.py
// (insert-then-project ordering).
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/eventbus"
	"github.com/kalshi-edge/edgepipeline/internal/eventcontracts"
	"github.com/kalshi-edge/edgepipeline/internal/storage"
)

// errorHeaderMaxChars truncates the DLQ error header, per spec.md §4.I.
const errorHeaderMaxChars = 200

// Counters mirrors the original's per-service Counters dataclass.
type Counters struct {
	Processed     int
	Inserted      int
	Duplicates    int
	ParseErrors   int
	PersistErrors int
	DLQPublished  int
}

// Consumer durably drains one stream's subjects and persists every message,
// routing parse or persistence failures to the dead-letter queue rather
// than blocking the stream.
type Consumer struct {
	Name      string // stream name, e.g. "MARKET_EVENTS"
	Subjects  []string
	BatchSize int

	bus     *eventbus.Bus
	store   *storage.Store
	source  string
	nowFunc func() int64

	Counters Counters
}

// NewConsumer creates a Consumer for one stream's subject set.
func NewConsumer(name string, subjects []string, batchSize int, bus *eventbus.Bus, store *storage.Store) *Consumer {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Consumer{
		Name:      name,
		Subjects:  subjects,
		BatchSize: batchSize,
		bus:       bus,
		store:     store,
		source:    "persistence_projector",
		nowFunc:   func() int64 { return time.Now().Unix() },
	}
}

// Pending sums the queue depth across every subject this consumer owns,
// used for consumer-lag alerting.
func (c *Consumer) Pending() int {
	total := 0
	for _, subject := range c.Subjects {
		total += c.bus.Pending(subject)
	}
	return total
}

// FetchCycle pulls one batch from every subject this consumer owns and
// persists each message, returning once all subjects have been drained for
// this cycle (a bus.Fetch timeout on an empty subject is not an error —
// it just means there was nothing new to pull).
func (c *Consumer) FetchCycle(ctx context.Context) {
	for _, subject := range c.Subjects {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		msgs := c.bus.Fetch(fetchCtx, subject, c.BatchSize)
		cancel()
		for _, msg := range msgs {
			c.persistOne(ctx, msg)
		}
	}
}

func (c *Consumer) persistOne(ctx context.Context, msg eventbus.Message) {
	c.Counters.Processed++

	payload, err := eventcontracts.ParsePayload(msg.Envelope)
	if err != nil {
		c.Counters.ParseErrors++
		c.publishDLQ(eventcontracts.DLQInvalidEvent, msg.Envelope, fmt.Sprintf("parse_error:%v", err))
		return
	}

	eventJSON, err := json.Marshal(msg.Envelope)
	if err != nil {
		c.Counters.ParseErrors++
		c.publishDLQ(eventcontracts.DLQInvalidEvent, msg.Envelope, fmt.Sprintf("parse_error:%v", err))
		return
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		c.Counters.ParseErrors++
		c.publishDLQ(eventcontracts.DLQInvalidEvent, msg.Envelope, fmt.Sprintf("parse_error:%v", err))
		return
	}

	raw := storage.RawEvent{
		EventType:      msg.Envelope.EventType,
		SchemaVersion:  msg.Envelope.SchemaVersion,
		IdempotencyKey: msg.Envelope.IdempotencyKey,
		TsEvent:        msg.Envelope.TsEvent,
		Source:         msg.Envelope.Source,
		PayloadJSON:    string(payloadJSON),
		EventJSON:      string(eventJSON),
	}

	result, err := c.store.UpsertEvent(ctx, raw, payload)
	if err != nil {
		c.Counters.PersistErrors++
		dlqSubject := msg.Subject
		if s, derr := eventcontracts.DLQSubjectFor(msg.Envelope.EventType); derr == nil {
			dlqSubject = s
		}
		c.publishDLQ(dlqSubject, msg.Envelope, fmt.Sprintf("persist_error:%v", err))
		return
	}
	if result.Inserted {
		c.Counters.Inserted++
	} else {
		c.Counters.Duplicates++
	}
}

func (c *Consumer) publishDLQ(subject string, original domain.Envelope, errMsg string) {
	if len(errMsg) > errorHeaderMaxChars {
		errMsg = errMsg[:errorHeaderMaxChars]
	}
	dlqPayload := map[string]any{
		"original_subject": subject,
		"original_event":   original,
		"error":            errMsg,
	}
	env, err := eventcontracts.NewEnvelope(original.EventType, c.source, c.nowFunc(), dlqPayload)
	if err != nil {
		// Even the DLQ envelope couldn't be built (unknown event type from a
		// fully garbled message) — log and drop rather than panic; the
		// stream is never blocked on a single bad message.
		slog.Error("projector: failed to build dlq envelope", "err", err, "subject", subject)
		c.Counters.DLQPublished++
		return
	}
	if err := c.bus.PublishTo(subject, env); err != nil {
		slog.Error("projector: failed to publish to dlq", "err", err, "subject", subject)
	}
	c.Counters.DLQPublished++
}

// Service supervises the three durable stream consumers plus periodic
// metrics snapshots and the market-lag alert.
type Service struct {
	Market    *Consumer
	Strategy  *Consumer
	Execution *Consumer

	LagAlertThreshold int
	lastLagAlert      time.Time
	alertCooldown     time.Duration
}

// NewService wires the three stream consumers named per spec.md §4.B's
// default_stream_specs; each consumer is named after its stream.
func NewService(bus *eventbus.Bus, store *storage.Store, batchSize int) *Service {
	specs := eventcontracts.DefaultStreamSpecsByName()
	return &Service{
		Market:            NewConsumer("MARKET_EVENTS", specs["MARKET_EVENTS"], batchSize, bus, store),
		Strategy:          NewConsumer("STRATEGY_EVENTS", specs["STRATEGY_EVENTS"], batchSize, bus, store),
		Execution:         NewConsumer("EXECUTION_EVENTS", specs["EXECUTION_EVENTS"], batchSize, bus, store),
		LagAlertThreshold: 1000,
		alertCooldown:     60 * time.Second,
	}
}

// RunCycle drains all three consumers once. Called repeatedly by the
// orchestrator's supervised worker loop.
func (s *Service) RunCycle(ctx context.Context) {
	s.Market.FetchCycle(ctx)
	s.Strategy.FetchCycle(ctx)
	s.Execution.FetchCycle(ctx)
}

// MetricsSnapshot is the periodic health payload spec.md §4.I calls for.
type MetricsSnapshot struct {
	Processed        int
	Inserted         int
	Duplicates       int
	ParseErrors      int
	PersistErrors    int
	DLQPublished     int
	MarketPending    int
	StrategyPending  int
	ExecutionPending int
}

// Snapshot aggregates the three consumers' counters and current queue
// backlogs for the orchestrator's health summary.
func (s *Service) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Processed:     s.Market.Counters.Processed + s.Strategy.Counters.Processed + s.Execution.Counters.Processed,
		Inserted:      s.Market.Counters.Inserted + s.Strategy.Counters.Inserted + s.Execution.Counters.Inserted,
		Duplicates:    s.Market.Counters.Duplicates + s.Strategy.Counters.Duplicates + s.Execution.Counters.Duplicates,
		ParseErrors:   s.Market.Counters.ParseErrors + s.Strategy.Counters.ParseErrors + s.Execution.Counters.ParseErrors,
		PersistErrors: s.Market.Counters.PersistErrors + s.Strategy.Counters.PersistErrors + s.Execution.Counters.PersistErrors,
		DLQPublished:  s.Market.Counters.DLQPublished + s.Strategy.Counters.DLQPublished + s.Execution.Counters.DLQPublished,

		MarketPending:    s.Market.Pending(),
		StrategyPending:  s.Strategy.Pending(),
		ExecutionPending: s.Execution.Pending(),
	}
}

// CheckLagAlert emits an ALERT log (rate-limited by alertCooldown) when the
// market stream's pending backlog exceeds LagAlertThreshold.
func (s *Service) CheckLagAlert(marketPending int, now time.Time) {
	if s.LagAlertThreshold <= 0 || marketPending <= s.LagAlertThreshold {
		return
	}
	if now.Sub(s.lastLagAlert) < s.alertCooldown {
		return
	}
	s.lastLagAlert = now
	slog.Warn("ALERT market_consumer_lag", "lag", marketPending, "threshold", s.LagAlertThreshold)
}
