// Package eventcontracts derives subject routing, schema versions, and
// idempotency keys for every domain.EventType. It has no dependency on the
// bus or storage packages so both can import it without a cycle.
package eventcontracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

// SchemaVersions is the closed set of event_type -> current schema_version.
var SchemaVersions = map[domain.EventType]int{
	domain.EventSpotTick:            1,
	domain.EventQuoteUpdate:         1,
	domain.EventMarketLifecycle:     1,
	domain.EventContractUpdate:      1,
	domain.EventEdgeSnapshot:        1,
	domain.EventOpportunityDecision: 1,
	domain.EventExecutionOrder:      1,
	domain.EventExecutionFill:       1,
}

// Subjects is the closed set of event_type -> bus subject.
var Subjects = map[domain.EventType]string{
	domain.EventSpotTick:            "market.spot_ticks",
	domain.EventQuoteUpdate:         "market.quote_updates",
	domain.EventMarketLifecycle:     "market.lifecycle",
	domain.EventContractUpdate:      "market.contract_updates",
	domain.EventEdgeSnapshot:        "strategy.edge_snapshots",
	domain.EventOpportunityDecision: "strategy.opportunity_decisions",
	domain.EventExecutionOrder:      "execution.orders",
	domain.EventExecutionFill:       "execution.fills",
}

// DLQSubjectPrefix prefixes every dead-letter subject.
const DLQSubjectPrefix = "dlq"

// DLQInvalidEvent is the broadcast subject for payloads that fail to parse.
const DLQInvalidEvent = "dlq.invalid_event"

// StreamSpec groups subjects under one retained stream.
type StreamSpec struct {
	Name        string
	Subjects    []string
	Description string
}

// DefaultStreamSpecs is the fixed stream/subject grouping from spec.md §4.B.
func DefaultStreamSpecs() []StreamSpec {
	return []StreamSpec{
		{
			Name: "MARKET_EVENTS",
			Subjects: []string{
				"market.spot_ticks",
				"market.quote_updates",
				"market.lifecycle",
				"market.contract_updates",
			},
			Description: "Spot, quote, and market lifecycle inputs",
		},
		{
			Name: "STRATEGY_EVENTS",
			Subjects: []string{
				"strategy.edge_snapshots",
				"strategy.opportunity_decisions",
			},
			Description: "Strategy outputs",
		},
		{
			Name:        "EXECUTION_EVENTS",
			Subjects:    []string{"execution.orders", "execution.fills"},
			Description: "Execution events",
		},
		{
			Name:        "DEAD_LETTER",
			Subjects:    []string{"dlq.>"},
			Description: "Dead-letter events",
		},
	}
}

// DefaultStreamSpecsByName indexes DefaultStreamSpecs by stream name for
// callers (the persistence projector) that need one durable consumer per
// stream rather than the full ordered list.
func DefaultStreamSpecsByName() map[string][]string {
	out := make(map[string][]string)
	for _, spec := range DefaultStreamSpecs() {
		out[spec.Name] = spec.Subjects
	}
	return out
}

// SchemaVersionFor returns the current schema_version for an event type, or
// an error if the type is unknown.
func SchemaVersionFor(t domain.EventType) (int, error) {
	v, ok := SchemaVersions[t]
	if !ok {
		return 0, fmt.Errorf("eventcontracts: unknown event type %q", t)
	}
	return v, nil
}

// SubjectFor returns the bus subject for an event type, or an error if the
// type is unknown.
func SubjectFor(t domain.EventType) (string, error) {
	s, ok := Subjects[t]
	if !ok {
		return "", fmt.Errorf("eventcontracts: unknown event type %q", t)
	}
	return s, nil
}

// DLQSubjectFor returns the dead-letter subject for an event type's own
// subject: dlq.<subject>.
func DLQSubjectFor(t domain.EventType) (string, error) {
	subject, err := SubjectFor(t)
	if err != nil {
		return "", err
	}
	return DLQSubjectPrefix + "." + subject, nil
}

func stableJSON(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		b, _ := json.Marshal(payload[k])
		ordered = append(ordered, fmt.Sprintf("%q:%s", k, b))
	}
	return "{" + strings.Join(ordered, ",") + "}"
}

func coercePart(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return "", false
		}
		return x, true
	default:
		s := fmt.Sprintf("%v", x)
		s = strings.TrimSpace(s)
		if s == "" {
			return "", false
		}
		return s, true
	}
}

func allPresent(parts []*string) bool {
	for _, p := range parts {
		if p == nil {
			return false
		}
	}
	return true
}

// partsForIdempotency returns the canonical field tuple used to derive the
// idempotency key for event_type, falling back to the full canonical JSON
// payload when a required field is missing — this avoids collisions between
// semantically distinct events that share an all-absent partial tuple.
// Grounded on event_contracts.py::_parts_for_idempotency.
func partsForIdempotency(eventType domain.EventType, payload map[string]any) []string {
	strPtr := func(key string) *string {
		if v, ok := coercePart(payload[key]); ok {
			return &v
		}
		return nil
	}
	full := func() []string { return []string{stableJSON(payload)} }
	joined := func(parts []*string) []string {
		out := make([]string, len(parts))
		for i, p := range parts {
			if p == nil {
				out[i] = ""
			} else {
				out[i] = *p
			}
		}
		return out
	}

	switch eventType {
	case domain.EventSpotTick:
		parts := []*string{strPtr("product_id"), strPtr("ts"), strPtr("sequence_num")}
		if allPresent(parts) {
			return joined(parts)
		}
		return full()
	case domain.EventQuoteUpdate:
		parts := []*string{strPtr("market_id"), strPtr("ts"), strPtr("source_msg_id")}
		if allPresent(parts) {
			return joined(parts)
		}
		return full()
	case domain.EventMarketLifecycle:
		marketID, status := strPtr("market_id"), strPtr("status")
		if marketID != nil && status != nil {
			parts := []*string{marketID, status, strPtr("close_ts"), strPtr("expected_expiration_ts"), strPtr("expiration_ts"), strPtr("settlement_ts")}
			return joined(parts)
		}
		return full()
	case domain.EventContractUpdate:
		ticker := strPtr("ticker")
		if ticker != nil {
			parts := []*string{ticker, strPtr("close_ts"), strPtr("expected_expiration_ts"), strPtr("expiration_ts"), strPtr("settled_ts"), strPtr("outcome")}
			return joined(parts)
		}
		return full()
	case domain.EventEdgeSnapshot:
		asof, marketID := strPtr("asof_ts"), strPtr("market_id")
		if asof != nil && marketID != nil {
			version := strPtr("strategy_version")
			if version == nil {
				v := "v1"
				version = &v
			}
			return joined([]*string{asof, marketID, version})
		}
		return full()
	case domain.EventOpportunityDecision:
		tsEval, marketID, side := strPtr("ts_eval"), strPtr("market_id"), strPtr("side")
		if tsEval != nil && marketID != nil && side != nil {
			version := strPtr("strategy_version")
			if version == nil {
				v := "v1"
				version = &v
			}
			return joined([]*string{tsEval, marketID, side, version})
		}
		return full()
	case domain.EventExecutionOrder:
		if id := strPtr("order_id"); id != nil {
			return []string{*id}
		}
		return full()
	case domain.EventExecutionFill:
		if id := strPtr("fill_id"); id != nil {
			return []string{*id}
		}
		return full()
	default:
		return full()
	}
}

// BuildIdempotencyKey derives "<event_type>:v<schema_version>:<24-hex>" from
// the business-meaningful field subset of payload.
func BuildIdempotencyKey(eventType domain.EventType, payload map[string]any, schemaVersion int) string {
	parts := partsForIdempotency(eventType, payload)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	digest := hex.EncodeToString(sum[:])[:24]
	return fmt.Sprintf("%s:v%d:%s", eventType, schemaVersion, digest)
}
