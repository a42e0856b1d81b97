// Package report prints operator-facing health and tick summaries.
// Grounded on the teacher's internal/adapters/notify/console.go (tablewriter
// usage, compact-vs-full print modes).
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/kalshi-edge/edgepipeline/internal/edge"
	"github.com/kalshi-edge/edgepipeline/internal/execution"
	"github.com/kalshi-edge/edgepipeline/internal/storage"
)

// Console prints pipeline health to an io.Writer, defaulting to stdout.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole creates a Console writing to stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter creates a Console writing to w, for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// TickLine prints a one-line summary of one edge-engine tick.
func (c *Console) TickLine(summary edge.TickSummary) {
	now := time.Now().Format("15:04:05")
	fmt.Fprintf(c.out, "[%s] asof=%d snapshots=%d sigma_ok=%v sigma_source=%s sigma_points=%d\n",
		now, summary.AsofTs, summary.SnapshotsEmitted, summary.SigmaOk, summary.SigmaSource, summary.SigmaPointsUsed)
	if c.table && len(summary.SkipReasons) > 0 {
		t := tablewriter.NewWriter(c.out)
		t.Header("Skip reason", "Count")
		for reason, n := range summary.SkipReasons {
			if n == 0 {
				continue
			}
			t.Append(reason, fmt.Sprintf("%d", n))
		}
		t.Render()
	}
}

// ExecutionLine prints a one-line summary of the execution engine's
// counters, matching the heartbeat log shape from run_paper_execution.py.
func (c *Console) ExecutionLine(counters execution.Counters, openPositions int) {
	now := time.Now().Format("15:04:05")
	fmt.Fprintf(c.out,
		"[%s] processed=%d accepted=%d rejected=%d duplicates=%d non_take=%d "+
			"open_positions=%d closed_positions=%d\n",
		now, counters.Processed, counters.Accepted, counters.Rejected,
		counters.DuplicateDecisions, counters.NonTakeDecisions, openPositions, counters.PositionClosed,
	)
}

// RejectRateAlert prints the high-reject-rate alert line.
func (c *Console) RejectRateAlert(rate float64, processed, rejected int, threshold float64) {
	fmt.Fprintf(c.out, "ALERT high_reject_rate rate=%.3f processed=%d rejected=%d threshold=%.3f\n",
		rate, processed, rejected, threshold)
}

// Health prints the orchestrator's periodic storage health summary.
func (c *Console) Health(h storage.HealthSummary) {
	now := time.Now().Format("15:04:05")
	if !c.table {
		fmt.Fprintf(c.out, "[%s] raw_events=%d filled_orders=%d latest_edge_asof=%d\n",
			now, h.RawEventCount, h.OpenOrderCount, h.LatestEdgeAsof)
		return
	}
	t := tablewriter.NewWriter(c.out)
	t.Header("Metric", "Value")
	t.Append("raw_events", fmt.Sprintf("%d", h.RawEventCount))
	t.Append("filled_orders", fmt.Sprintf("%d", h.OpenOrderCount))
	t.Append("latest_edge_asof", fmt.Sprintf("%d", h.LatestEdgeAsof))
	t.Render()
}
