package eventcontracts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
)

// NewEnvelope builds a fully-formed Envelope for payload: schema_version
// and idempotency_key are derived, never supplied by the caller, so two
// callers publishing the same business event always agree on its key.
// ts_event is tsEvent; source identifies the publishing service.
func NewEnvelope(eventType domain.EventType, source string, tsEvent int64, payload any) (domain.Envelope, error) {
	version, err := SchemaVersionFor(eventType)
	if err != nil {
		return domain.Envelope{}, err
	}
	m, err := PayloadToMap(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("eventcontracts.NewEnvelope: marshal payload: %w", err)
	}
	return domain.Envelope{
		EventType:      eventType,
		SchemaVersion:  version,
		TsEvent:        tsEvent,
		Source:         source,
		IdempotencyKey: BuildIdempotencyKey(eventType, m, version),
		Payload:        payload,
	}, nil
}

// ErrUnknownEventType is returned by ParsePayload for an event_type outside
// the closed set in Subjects/SchemaVersions.
var ErrUnknownEventType = fmt.Errorf("eventcontracts: unknown event type")

// ParsePayload strictly decodes env's payload into the typed struct for its
// event_type, rejecting unknown fields (spec.md §6: "Unknown fields in
// payload are rejected (strict schema)"). It accepts either an
// already-typed payload (the in-process publish path never needs to
// round-trip through JSON) or a map[string]any / json.RawMessage, which is
// how a payload looks after crossing a real wire format — both shapes
// arrive at the bus in this implementation since Envelope.Payload is `any`,
// so every consumer must normalize through this one entry point rather
// than type-asserting directly. Returns a parse_error-classified error on
// any mismatch.
func ParsePayload(env domain.Envelope) (any, error) {
	switch env.EventType {
	case domain.EventSpotTick:
		return decodeStrict[domain.SpotTick](env.Payload)
	case domain.EventQuoteUpdate:
		return decodeStrict[domain.Quote](env.Payload)
	case domain.EventMarketLifecycle:
		return decodeStrict[domain.MarketLifecycle](env.Payload)
	case domain.EventContractUpdate:
		return decodeStrict[domain.ContractUpdate](env.Payload)
	case domain.EventEdgeSnapshot:
		return decodeStrict[domain.EdgeSnapshot](env.Payload)
	case domain.EventOpportunityDecision:
		return decodeStrict[domain.OpportunityDecision](env.Payload)
	case domain.EventExecutionOrder:
		return decodeStrict[domain.ExecutionOrder](env.Payload)
	case domain.EventExecutionFill:
		return decodeStrict[domain.ExecutionFill](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
}

// decodeStrict returns payload unchanged if it is already a T (the common
// in-process case), otherwise marshals it back to JSON and strictly
// decodes into a T, rejecting unknown fields.
func decodeStrict[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	var zero T
	b, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("parse_error: marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var out T
	if err := dec.Decode(&out); err != nil {
		return zero, fmt.Errorf("parse_error: decode payload: %w", err)
	}
	return out, nil
}
