// Command pipeline runs the edge-detection, opportunity, paper-execution,
// and persistence services described by SPEC_FULL.md. Grounded on the
// teacher's cmd/scanner/main.go (flag layout, setupLogger, signal.NotifyContext
// run loop) generalized from one scan loop to a supervised multi-worker
// pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kalshi-edge/edgepipeline/internal/collector"
	"github.com/kalshi-edge/edgepipeline/internal/config"
	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/edge"
	"github.com/kalshi-edge/edgepipeline/internal/eventbus"
	"github.com/kalshi-edge/edgepipeline/internal/eventcontracts"
	"github.com/kalshi-edge/edgepipeline/internal/execution"
	"github.com/kalshi-edge/edgepipeline/internal/opportunity"
	"github.com/kalshi-edge/edgepipeline/internal/orchestrator"
	"github.com/kalshi-edge/edgepipeline/internal/projector"
	"github.com/kalshi-edge/edgepipeline/internal/report"
	"github.com/kalshi-edge/edgepipeline/internal/scoring"
	"github.com/kalshi-edge/edgepipeline/internal/state"
	"github.com/kalshi-edge/edgepipeline/internal/storage"
)

const publishSource = "edgepipeline"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	mode := flag.String("mode", "all", "which service to run: edge|opportunity|execution|projector|collector|scoring|all")
	once := flag.Bool("once", false, "run one cycle and exit")
	dryRun := flag.Bool("dry-run", false, "do not persist to storage")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full tables instead of one-line summaries")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(2)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("edgepipeline starting",
		"config", *configPath, "mode", *mode, "once", *once, "dry_run", *dryRun)

	store, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	bus := eventbus.New(0, 120*time.Second)
	st := state.New(cfg.Universe.MaxSpotPoints)
	console := report.NewConsole(*table)
	killSwitch := orchestrator.NewKillSwitch(cfg.Execution.KillSwitchPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	edgeEngine := edge.New(edge.Config{
		ProductID:             cfg.Universe.ProductID,
		Series:                cfg.Universe.Series,
		AllowedStatuses:       cfg.Universe.AllowedStatuses,
		MinHorizonSeconds:     cfg.Universe.MinHorizonSeconds,
		MaxHorizonSeconds:     cfg.Universe.MaxHorizonSeconds,
		Grace:                 cfg.Universe.Grace,
		MaxQuoteAgeSeconds:    cfg.Universe.MaxQuoteAgeSeconds,
		MaxSpotAgeSeconds:     cfg.Universe.MaxSpotAgeSeconds,
		MinAskCents:           cfg.Universe.MinAskCents,
		MaxAskCents:           cfg.Universe.MaxAskCents,
		MaxResults:            cfg.Universe.MaxResults,
		PctBand:               cfg.Universe.PctBand,
		SelectionMethod:       cfg.Universe.SelectionMethod,
		SigmaBucketSeconds:    cfg.Sigma.BucketSeconds,
		SigmaEWMALambda:       cfg.Sigma.EWMALambda,
		MinSigmaPoints:        cfg.Sigma.MinPoints,
		MinSigmaLookbackSecs:  cfg.Sigma.MinHistoryLookbackSeconds,
		SigmaDefault:          cfg.Sigma.Default,
		SigmaMax:              cfg.Sigma.Max,
		SigmaLookbackSeconds:  cfg.Sigma.LookbackSeconds,
		MaxSpotPoints:         cfg.Universe.MaxSpotPoints,
		MaxAutoExpandAttempts: cfg.Sigma.MaxAutoExpandAttempts,
	})

	oppCfg := opportunity.Config{
		MinEV:              cfg.Opportunity.MinEV,
		MinAskCents:        cfg.Opportunity.MinAskCents,
		MaxAskCents:        cfg.Opportunity.MaxAskCents,
		MaxSpotAgeSeconds:  cfg.Opportunity.MaxSpotAgeSeconds,
		MaxQuoteAgeSeconds: cfg.Opportunity.MaxQuoteAgeSeconds,
		TopN:               cfg.Opportunity.TopN,
		EmitPasses:         cfg.Opportunity.EmitPasses,
		BestSideOnly:       cfg.Opportunity.BestSideOnly,
		ModelVersion:       cfg.Opportunity.ModelVersion,
	}

	execState := execution.New(execution.Config{
		MaxOpenPositions:     cfg.Execution.MaxOpenPositions,
		TakeCooldownSeconds:  cfg.Execution.TakeCooldownSeconds,
		KillSwitchActiveFunc: killSwitch.Active,
	})

	proj := projector.NewService(bus, store, 200)

	sup := orchestrator.New()

	if *mode == "edge" || *mode == "all" {
		sup.Register("edge", func(ctx context.Context) error {
			return runEdgeLoop(ctx, edgeEngine, st, bus, console, cfg.TickInterval(), *once)
		})
	}
	if *mode == "opportunity" || *mode == "all" {
		sup.Register("opportunity", func(ctx context.Context) error {
			return runOpportunityLoop(ctx, bus, oppCfg, *once)
		})
	}
	if *mode == "execution" || *mode == "all" {
		sup.Register("execution", func(ctx context.Context) error {
			return runExecutionLoop(ctx, bus, execState, console, *once)
		})
	}
	if *mode == "projector" || *mode == "all" {
		if !*dryRun {
			sup.Register("projector", func(ctx context.Context) error {
				return runProjectorLoop(ctx, proj, cfg.Bus.ConsumerLagAlertThreshold, *once)
			})
		}
	}

	if cfg.Collector.Enabled && (*mode == "collector" || *mode == "all") {
		feeds := make([]collector.Feed, 0, len(cfg.Collector.Feeds))
		for _, f := range cfg.Collector.Feeds {
			feeds = append(feeds, collector.Feed{Name: f.Name, SpotURL: f.SpotURL, QuoteURLs: f.QuoteURLs})
		}
		coll := collector.New(collector.Config{
			Feeds:        feeds,
			PollInterval: time.Duration(cfg.Collector.PollIntervalSeconds) * time.Second,
			RatePerSec:   cfg.Collector.RatePerSec,
			Burst:        cfg.Collector.Burst,
		}, bus)
		sup.Register("collector", func(ctx context.Context) error {
			return coll.Run(ctx, *once)
		})
	}

	if *mode == "scoring" || *mode == "all" {
		sup.Register("scoring", func(ctx context.Context) error {
			orchestrator.PeriodicJob(ctx, 5*time.Minute, func(ctx context.Context) {
				if *dryRun {
					return
				}
				counters, err := scoring.RunCycle(ctx, store, 1000, time.Now().Unix())
				if err != nil {
					slog.Warn("scoring cycle failed", "err", err)
					return
				}
				if counters.ProcessedTotal > 0 {
					slog.Info("scoring cycle complete",
						"processed", counters.ProcessedTotal, "inserted", counters.InsertedTotal,
						"errors", counters.ErrorsTotal, "scored_prob", counters.ScoredProb)
				}
			})
			return nil
		})
	}

	sup.Register("health", func(ctx context.Context) error {
		orchestrator.PeriodicJob(ctx, 30*time.Second, func(ctx context.Context) {
			if *dryRun {
				return
			}
			h, err := store.Health(ctx)
			if err != nil {
				slog.Warn("health query failed", "err", err)
				return
			}
			console.Health(h)
		})
		return nil
	})

	sup.Run(ctx)
	slog.Info("edgepipeline stopped cleanly")
}

// marketEventSubjects lists the MARKET_EVENTS subjects the edge engine
// drains into live state before each tick, per spec.md §4.F step 1.
func marketEventSubjects() []string {
	return eventcontracts.DefaultStreamSpecsByName()["MARKET_EVENTS"]
}

// drainMarketEvents pulls every pending message on the MARKET_EVENTS
// subjects and applies it to st, honoring each event type's apply rule
// (append-and-update-latest, last-writer-wins, or monotonic-ts COALESCE).
func drainMarketEvents(ctx context.Context, bus *eventbus.Bus, st *state.State, batchCap int) {
	for _, subject := range marketEventSubjects() {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		msgs := bus.Fetch(fetchCtx, subject, batchCap)
		cancel()
		for _, msg := range msgs {
			payload, err := eventcontracts.ParsePayload(msg.Envelope)
			if err != nil {
				slog.Warn("edge: dropping unparseable market event", "subject", subject, "err", err)
				continue
			}
			switch p := payload.(type) {
			case domain.SpotTick:
				st.ApplySpotTick(p)
			case domain.Quote:
				st.ApplyQuote(p)
			case domain.MarketLifecycle:
				st.ApplyMarketLifecycle(msg.Envelope.TsEvent, p)
			case domain.ContractUpdate:
				st.ApplyContractUpdate(msg.Envelope.TsEvent, p)
			}
		}
	}
}

func publishEdgeSnapshot(bus *eventbus.Bus, nowTs int64, snap domain.EdgeSnapshot) {
	env, err := eventcontracts.NewEnvelope(domain.EventEdgeSnapshot, publishSource, nowTs, snap)
	if err != nil {
		slog.Error("edge: failed to build snapshot envelope", "err", err, "market_id", snap.MarketID)
		return
	}
	if err := bus.Publish(env); err != nil {
		slog.Warn("edge: failed to publish snapshot", "err", err, "market_id", snap.MarketID)
	}
}

func runEdgeLoop(ctx context.Context, eng *edge.Engine, st *state.State, bus *eventbus.Bus, console *report.Console, interval time.Duration, once bool) error {
	const batchCap = 500

	tick := func() {
		now := time.Now().Unix()
		drainMarketEvents(ctx, bus, st, batchCap)
		snapshots, summary := eng.Tick(st, now)
		console.TickLine(summary)
		for _, snap := range snapshots {
			publishEdgeSnapshot(bus, now, snap)
		}
	}

	tick()
	if once {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

// asofTracker implements SPEC_FULL.md's "latest asof_ts only" semantic: a
// snapshot older than the newest asof_ts already acted on for its
// market_id is discarded even if it arrives late, matching spec.md §9's
// note that the source implicitly discards late snapshots by only ever
// reading the latest row per market.
type asofTracker struct {
	mu     sync.Mutex
	latest map[string]int64
}

func newAsofTracker() *asofTracker {
	return &asofTracker{latest: make(map[string]int64)}
}

// accept reports whether snap is at-or-after the newest asof_ts seen for
// its market, recording it as the new high-water mark if so.
func (t *asofTracker) accept(marketID string, asofTs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.latest[marketID]; ok && asofTs < prev {
		return false
	}
	t.latest[marketID] = asofTs
	return true
}

func publishOpportunityDecision(bus *eventbus.Bus, nowTs int64, d domain.OpportunityDecision) {
	env, err := eventcontracts.NewEnvelope(domain.EventOpportunityDecision, publishSource, nowTs, d)
	if err != nil {
		slog.Error("opportunity: failed to build decision envelope", "err", err, "market_id", d.MarketID)
		return
	}
	if err := bus.Publish(env); err != nil {
		slog.Warn("opportunity: failed to publish decision", "err", err, "market_id", d.MarketID)
	}
}

func runOpportunityLoop(ctx context.Context, bus *eventbus.Bus, cfg opportunity.Config, once bool) error {
	subject, _ := eventcontracts.SubjectFor(domain.EventEdgeSnapshot)
	tracker := newAsofTracker()
	const batchCap = 200

	cycle := func() {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		msgs := bus.Fetch(fetchCtx, subject, batchCap)
		cancel()
		if len(msgs) == 0 {
			return
		}
		var fresh []domain.EdgeSnapshot
		for _, msg := range msgs {
			payload, err := eventcontracts.ParsePayload(msg.Envelope)
			if err != nil {
				slog.Warn("opportunity: dropping unparseable snapshot", "err", err)
				continue
			}
			snap, ok := payload.(domain.EdgeSnapshot)
			if !ok {
				continue
			}
			if !tracker.accept(snap.MarketID, snap.AsofTs) {
				continue
			}
			fresh = append(fresh, snap)
		}
		if len(fresh) == 0 {
			return
		}
		rows := opportunity.BuildOpportunitiesFromSnapshots(fresh, cfg)
		now := time.Now().Unix()
		for _, row := range rows {
			publishOpportunityDecision(bus, now, row.Decision)
		}
	}

	cycle()
	if once {
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}

func publishExecutionEvent(bus *eventbus.Bus, nowTs int64, eventType domain.EventType, payload any) {
	env, err := eventcontracts.NewEnvelope(eventType, publishSource, nowTs, payload)
	if err != nil {
		slog.Error("execution: failed to build envelope", "err", err, "event_type", eventType)
		return
	}
	if err := bus.Publish(env); err != nil {
		slog.Warn("execution: failed to publish", "err", err, "event_type", eventType)
	}
}

// runExecutionLoop drains opportunity decisions and contract updates each
// cycle, decisions first per spec.md §4.H ("decisions prioritized over
// contract updates each cycle").
func runExecutionLoop(ctx context.Context, bus *eventbus.Bus, execState *execution.State, console *report.Console, once bool) error {
	decisionSubject, _ := eventcontracts.SubjectFor(domain.EventOpportunityDecision)
	contractSubject, _ := eventcontracts.SubjectFor(domain.EventContractUpdate)
	const batchCap = 200

	cycle := func() {
		now := time.Now().Unix()

		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		decisionMsgs := bus.Fetch(fetchCtx, decisionSubject, batchCap)
		cancel()
		for _, msg := range decisionMsgs {
			payload, err := eventcontracts.ParsePayload(msg.Envelope)
			if err != nil {
				execState.Counters.ParseErrors++
				continue
			}
			decision, ok := payload.(domain.OpportunityDecision)
			if !ok {
				continue
			}
			if !decision.Eligible || !decision.WouldTrade {
				execState.Counters.NonTakeDecisions++
				continue
			}
			result := execState.ProcessDecision(msg.Envelope.IdempotencyKey, decision, now, nil, nil, "")
			if result.Duplicate {
				continue
			}
			if result.Order != nil {
				publishExecutionEvent(bus, now, domain.EventExecutionOrder, *result.Order)
			}
			if result.Fill != nil {
				publishExecutionEvent(bus, now, domain.EventExecutionFill, *result.Fill)
			}
		}

		fetchCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
		contractMsgs := bus.Fetch(fetchCtx2, contractSubject, batchCap)
		cancel2()
		for _, msg := range contractMsgs {
			payload, err := eventcontracts.ParsePayload(msg.Envelope)
			if err != nil {
				execState.Counters.ParseErrors++
				continue
			}
			cu, ok := payload.(domain.ContractUpdate)
			if !ok {
				continue
			}
			if fill, closed := execState.ProcessContractUpdate(cu, now); closed {
				publishExecutionEvent(bus, now, domain.EventExecutionFill, fill)
			}
		}

		console.ExecutionLine(execState.Counters, execState.OpenPositionCount())
	}

	cycle()
	if once {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}

func runProjectorLoop(ctx context.Context, proj *projector.Service, lagAlertThreshold int, once bool) error {
	if lagAlertThreshold > 0 {
		proj.LagAlertThreshold = lagAlertThreshold
	}
	lastReport := time.Now()

	cycle := func() {
		proj.RunCycle(ctx)
		proj.CheckLagAlert(proj.Market.Pending(), time.Now())
		if time.Since(lastReport) >= 30*time.Second {
			lastReport = time.Now()
			snap := proj.Snapshot()
			slog.Info("persistence counters",
				"processed", snap.Processed, "inserted", snap.Inserted, "duplicates", snap.Duplicates,
				"parse_errors", snap.ParseErrors, "persist_errors", snap.PersistErrors, "dlq", snap.DLQPublished)
		}
	}

	cycle()
	if once {
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
