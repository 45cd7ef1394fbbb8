// Package dispatch implements the batch dispatcher: it groups a
// batch's events by eventType, runs each group's handlers strictly
// sequentially in arrival order while different groups run
// concurrently, and decides whether the batch earns an ACK.
//
// The "goroutine per group, joined with a single deadline context"
// shape replaces a callback-fan-out-plus-ambient-timers pattern with
// something a context.Context can bound directly.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/internal/logging"
)

// Handler processes one event. Implementations must be idempotent: the
// at-least-once contract means the same event may be redelivered after
// a timeout or a missed ACK.
type Handler func(ctx context.Context, evt envelope.WireEvent) error

// errBatchProcessingTimeout is internal: it never crosses the
// Dispatcher -> Client boundary as a returned error. It only
// drives the log line emitted when a batch's deadline elapses.
var errBatchProcessingTimeout = errors.New("batch processing deadline exceeded")

// Multiplicity selects how many handlers may be registered per event
// type, fixed per transport.
type Multiplicity int

const (
	// SingleHandler is used by persistent-bidi backends: at most one
	// handler per eventType; a second Subscribe call fails.
	SingleHandler Multiplicity = iota
	// MultiHandler is used by the request/response HTTP backend:
	// multiple handlers per eventType are invoked sequentially in
	// registration order, preserving per-type ordering across events.
	MultiHandler
)

// Dispatcher owns the eventType -> handler(s) registry and the batch
// fan-out algorithm.
type Dispatcher struct {
	mu             sync.Mutex
	handlers       map[string][]Handler
	multiplicity   Multiplicity
	processTimeout time.Duration
	logger         *slog.Logger
}

// DefaultProcessTimeout is the batch deadline used when Options does
// not override it.
const DefaultProcessTimeout = 3 * time.Second

// New constructs a Dispatcher. A zero processTimeout uses
// DefaultProcessTimeout.
func New(multiplicity Multiplicity, processTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if processTimeout <= 0 {
		processTimeout = DefaultProcessTimeout
	}
	return &Dispatcher{
		handlers:       make(map[string][]Handler),
		multiplicity:   multiplicity,
		processTimeout: processTimeout,
		logger:         logging.Default(logger),
	}
}

// Subscribe registers h for eventType. On a SingleHandler dispatcher, a
// second call for the same eventType fails with
// DuplicateSubscriptionError.
func (d *Dispatcher) Subscribe(eventType string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing := d.handlers[eventType]
	if d.multiplicity == SingleHandler && len(existing) > 0 {
		return &DuplicateSubscriptionError{EventType: eventType}
	}
	d.handlers[eventType] = append(existing, h)
	return nil
}

// Unsubscribe removes every handler registered for eventType, so the
// subscription count returns to its value before a matching Subscribe
// only when eventType had no handlers before that Subscribe; on a
// MultiHandler dispatcher, handlers added by earlier Subscribe calls
// for the same eventType are removed too. Go func values are not
// comparable, so Unsubscribe clears the whole group rather than
// matching a specific handler identity; h is not consulted.
func (d *Dispatcher) Unsubscribe(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, eventType)
}

// DispatchResult is the outcome of Dispatch.
type DispatchResult struct {
	OK        bool
	OKIndices []int
}

// Dispatch partitions batch.Events by EventType (preserving arrival
// order within each group), skips groups with no subscriber (treated
// as no-ops), and runs the remaining groups
// concurrently with handlers invoked strictly sequentially within a
// group. The whole batch is bounded by a single deadline derived from
// d.processTimeout. On full success every index is acked, including
// indices belonging to unsubscribed event types. On any handler
// error or deadline expiry, OK is false and no index is acked — the
// caller MUST NOT emit an ACK in that case.
func (d *Dispatcher) Dispatch(ctx context.Context, batch envelope.BatchPayload) DispatchResult {
	if len(batch.Events) == 0 {
		return DispatchResult{OK: true, OKIndices: envelope.SequentialOKIndices(0)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.processTimeout)
	defer cancel()

	groups := groupByType(batch.Events)

	d.mu.Lock()
	snapshot := make(map[string][]Handler, len(d.handlers))
	for k, v := range d.handlers {
		snapshot[k] = append([]Handler(nil), v...)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(groups))

	for eventType, indices := range groups {
		handlers := snapshot[eventType]
		if len(handlers) == 0 {
			continue // no-op: unsubscribed events never block the ACK
		}

		wg.Add(1)
		go func(eventType string, indices []int, handlers []Handler) {
			defer wg.Done()
			for _, idx := range indices {
				evt := batch.Events[idx]
				for _, h := range handlers {
					if err := ctx.Err(); err != nil {
						errCh <- err
						return
					}
					if err := h(ctx, evt); err != nil {
						errCh <- err
						return
					}
				}
			}
		}(eventType, indices, handlers)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("batch processing timed out, suppressing ack",
			"processTimeout", d.processTimeout, "error", errBatchProcessingTimeout)
		return DispatchResult{OK: false}
	}

	select {
	case err := <-errCh:
		d.logger.Warn("batch handler failed, suppressing ack", "error", err)
		return DispatchResult{OK: false}
	default:
	}

	return DispatchResult{OK: true, OKIndices: envelope.SequentialOKIndices(len(batch.Events))}
}

// groupByType partitions event indices by EventType, preserving
// arrival order within each group.
func groupByType(events []envelope.WireEvent) map[string][]int {
	groups := make(map[string][]int)
	for i, evt := range events {
		groups[evt.EventType] = append(groups[evt.EventType], i)
	}
	return groups
}

// DuplicateSubscriptionError is returned by Subscribe when a
// SingleHandler dispatcher already has a handler for eventType.
type DuplicateSubscriptionError struct {
	EventType string
}

func (e *DuplicateSubscriptionError) Error() string {
	return "dispatch: duplicate subscription for event type " + e.EventType
}
