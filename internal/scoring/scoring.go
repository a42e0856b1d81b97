// Package scoring retrospectively scores edge snapshots once their market
// has settled: calibration (Brier score, log loss) against the realized
// outcome, and the hypothetical PnL of taking YES or NO at the snapshot's
// quoted ask. Grounded on
// original_source/src/kalshi_bot/strategy/edge_snapshot_scoring.py and the
// periodic-job driver in scripts/score_edge_snapshots.py.
package scoring

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/kalshi-edge/edgepipeline/internal/fees"
	"github.com/kalshi-edge/edgepipeline/internal/probability"
	"github.com/kalshi-edge/edgepipeline/internal/storage"
)

// Score is the per-snapshot scoring result.
type Score struct {
	PnLTakeYes *float64
	PnLTakeNo  *float64
	Brier      *float64
	LogLoss    *float64
	Error      *string
}

// ScoreSnapshot scores probYes/yesAsk/noAsk against a settled 0/1 outcome.
// Brier and log loss always resolve once outcome is valid; the PnL legs
// resolve independently, each missing only if its own ask is absent or its
// fee is undefined.
func ScoreSnapshot(probYes float64, yesAsk, noAsk *float64, outcome int) Score {
	errs := make(map[string]struct{})
	if outcome != 0 && outcome != 1 {
		errs["invalid_outcome"] = struct{}{}
	}

	probClamped := probability.ClampProb(probYes)
	outcomeF := float64(outcome)
	brier := math.Pow(probClamped-outcomeF, 2)
	logloss := -(outcomeF*math.Log(probClamped) + (1-outcomeF)*math.Log(1.0-probClamped))

	var pnlYes *float64
	if yesAsk == nil {
		errs["missing_yes_ask"] = struct{}{}
	} else if fee, ok := fees.TakerFeeDollars(*yesAsk, 1); !ok {
		errs["invalid_yes_fee"] = struct{}{}
	} else {
		v := outcomeF - (*yesAsk/100.0) - fee
		pnlYes = &v
	}

	var pnlNo *float64
	if noAsk == nil {
		errs["missing_no_ask"] = struct{}{}
	} else if fee, ok := fees.TakerFeeDollars(*noAsk, 1); !ok {
		errs["invalid_no_fee"] = struct{}{}
	} else {
		v := (1 - outcomeF) - (*noAsk/100.0) - fee
		pnlNo = &v
	}

	var errStr *string
	if len(errs) > 0 {
		keys := make([]string, 0, len(errs))
		for k := range errs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := strings.Join(keys, ",")
		errStr = &s
	}

	return Score{PnLTakeYes: pnlYes, PnLTakeNo: pnlNo, Brier: &brier, LogLoss: &logloss, Error: errStr}
}

// Counters mirrors process_snapshots' per-cycle bookkeeping, minus
// missing_outcome: the storage layer's settled-contract join already
// excludes unsettled snapshots, so that count is structurally zero here.
type Counters struct {
	ProcessedTotal int
	InsertedTotal  int
	ErrorsTotal    int
	ScoredProb     int
	ScoredPnLYes   int
	ScoredPnLNo    int
}

// RunCycle fetches unscored settled snapshots, scores them, and persists the
// results. nowTs stamps each inserted row's created_ts.
func RunCycle(ctx context.Context, store *storage.Store, limit int, nowTs int64) (Counters, error) {
	var c Counters
	snapshots, err := store.GetUnscoredEdgeSnapshots(ctx, limit)
	if err != nil {
		return c, err
	}

	rows := make([]storage.EdgeSnapshotScore, 0, len(snapshots))
	for _, snap := range snapshots {
		c.ProcessedTotal++
		score := ScoreSnapshot(snap.ProbYes, snap.YesAsk, snap.NoAsk, snap.Outcome)
		if score.Error != nil {
			c.ErrorsTotal++
		}
		if score.Brier != nil && score.LogLoss != nil {
			c.ScoredProb++
		}
		if score.PnLTakeYes != nil {
			c.ScoredPnLYes++
		}
		if score.PnLTakeNo != nil {
			c.ScoredPnLNo++
		}
		rows = append(rows, storage.EdgeSnapshotScore{
			AsofTs: snap.AsofTs, MarketID: snap.MarketID, SettledTs: snap.SettledTs, Outcome: snap.Outcome,
			PnLTakeYes: score.PnLTakeYes, PnLTakeNo: score.PnLTakeNo, Brier: score.Brier, LogLoss: score.LogLoss,
			Error: score.Error, CreatedTs: nowTs,
		})
	}

	if len(rows) > 0 {
		n, err := store.InsertEdgeSnapshotScores(ctx, rows)
		if err != nil {
			return c, err
		}
		c.InsertedTotal = int(n)
	}
	return c, nil
}
