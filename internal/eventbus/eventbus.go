// Package eventbus is an in-process, durable-semantics pub/sub bus: named
// streams grouping subjects, pull consumers, at-least-once delivery with a
// dedup window keyed on idempotency_key, and dead-letter routing on parse
// or apply failure.
//
// No broker client library appears anywhere in the retrieved example
// pack with real call-site usage (no nats.go, no confluent-kafka-go
// import actually wired to a component) — see DESIGN.md for the
// per-dependency search. This is therefore built on Go stdlib
// (channels, sync.Mutex) rather than a fabricated client, reproducing
// the JetStream-style semantics original_source/events/contracts.py
// documents (4 named streams, pull consumers, DLQ subjects) entirely
// in-process. Grounded on
// original_source/src/kalshi_bot/events/contracts.py for stream/subject
// naming and original_source/scripts/run_paper_execution.py for the
// bounded-queue consumer-loop shape (asyncio.Queue with maxsize, drop
// counters on full).
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/eventcontracts"
)

// ErrQueueFull is returned by Publish when a subject's bounded queue has
// no room; the caller is expected to count this as a dropped event rather
// than block, matching the original's asyncio.Queue.put_nowait behavior.
var ErrQueueFull = errors.New("eventbus: subject queue full")

// Message is one delivered envelope plus its originating subject.
type Message struct {
	Subject  string
	Envelope domain.Envelope
}

type subjectQueue struct {
	mu      sync.Mutex
	pending chan Message
	seen    map[string]time.Time // idempotency_key -> last delivery time
}

// Bus is the in-process durable pub/sub bus.
type Bus struct {
	mu          sync.Mutex
	queues      map[string]*subjectQueue
	queueSize   int
	dedupWindow time.Duration

	droppedBySubject map[string]int
}

// New creates a Bus. queueSize bounds each subject's pending-message
// channel; dedupWindow is the minimum window (>=120s per spec.md) within
// which a repeated idempotency_key on the same subject is treated as a
// redelivery and silently dropped rather than redelivered.
func New(queueSize int, dedupWindow time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = 50000
	}
	if dedupWindow <= 0 {
		dedupWindow = 120 * time.Second
	}
	return &Bus{
		queues:           make(map[string]*subjectQueue),
		queueSize:        queueSize,
		dedupWindow:      dedupWindow,
		droppedBySubject: make(map[string]int),
	}
}

func (b *Bus) queueFor(subject string) *subjectQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subject]
	if !ok {
		q = &subjectQueue{
			pending: make(chan Message, b.queueSize),
			seen:    make(map[string]time.Time),
		}
		b.queues[subject] = q
	}
	return q
}

// Publish enqueues msg on its envelope's canonical subject. A message
// whose idempotency_key was seen on this subject within the dedup window
// is dropped (treated as a harmless at-least-once redelivery); otherwise
// it fills the bounded queue or reports ErrQueueFull.
func (b *Bus) Publish(env domain.Envelope) error {
	subject, err := eventcontracts.SubjectFor(env.EventType)
	if err != nil {
		return err
	}
	return b.PublishTo(subject, env)
}

// PublishTo enqueues env on an explicit subject rather than the one
// SubjectFor(env.EventType) would derive — used for dead-letter routing,
// where the destination subject (dlq.invalid_event or dlq.<subject>) is
// deliberately not the envelope's own event-type subject.
func (b *Bus) PublishTo(subject string, env domain.Envelope) error {
	q := b.queueFor(subject)

	q.mu.Lock()
	now := time.Now()
	if last, ok := q.seen[env.IdempotencyKey]; ok && now.Sub(last) < b.dedupWindow {
		q.mu.Unlock()
		return nil
	}
	q.seen[env.IdempotencyKey] = now
	for k, t := range q.seen {
		if now.Sub(t) > b.dedupWindow {
			delete(q.seen, k)
		}
	}
	q.mu.Unlock()

	select {
	case q.pending <- Message{Subject: subject, Envelope: env}:
		return nil
	default:
		b.mu.Lock()
		b.droppedBySubject[subject]++
		b.mu.Unlock()
		return ErrQueueFull
	}
}

// Fetch pulls up to max pending messages from subject, blocking until at
// least one is available or ctx is done (mirroring a pull consumer's
// batch-fetch-with-timeout).
func (b *Bus) Fetch(ctx context.Context, subject string, max int) []Message {
	q := b.queueFor(subject)
	var out []Message
	select {
	case m := <-q.pending:
		out = append(out, m)
	case <-ctx.Done():
		return out
	}
	for len(out) < max {
		select {
		case m := <-q.pending:
			out = append(out, m)
		default:
			return out
		}
	}
	return out
}

// DLQSubjectForParse returns the broadcast DLQ subject used when an
// envelope cannot even be parsed.
func DLQSubjectForParse() string {
	return eventcontracts.DLQInvalidEvent
}

// DLQSubjectForApply returns the per-subject DLQ subject used when a
// well-formed event fails to apply downstream (e.g. a projection write
// error), per dlq_subject_for_event.
func DLQSubjectForApply(subject string) string {
	return eventcontracts.DLQSubjectPrefix + "." + subject
}

// DroppedCount reports how many publishes to subject failed with
// ErrQueueFull, for health reporting.
func (b *Bus) DroppedCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedBySubject[subject]
}

// Pending reports how many messages are currently queued on subject,
// for consumer-lag reporting.
func (b *Bus) Pending(subject string) int {
	q := b.queueFor(subject)
	return len(q.pending)
}

// StreamForSubject returns the stream name that groups subject, per
// default_stream_specs.
func StreamForSubject(subject string) (string, bool) {
	for _, spec := range eventcontracts.DefaultStreamSpecs() {
		for _, s := range spec.Subjects {
			if s == subject {
				return spec.Name, true
			}
			// A trailing ">" (as in "dlq.>") matches any subject under that prefix.
			if n := len(s) - 1; n >= 0 && s[n] == '>' && len(subject) > n && subject[:n] == s[:n] {
				return spec.Name, true
			}
		}
	}
	return "", false
}
