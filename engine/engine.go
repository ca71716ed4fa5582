/*
engine.go - Engine construction and the transaction runner

PURPOSE:
  Engine is the single entry point for lifecycle operations. It owns the
  injected collaborators (store, clock, authorizer, publisher, logger,
  tracer) and runs every state change through runTx.

RUNTX:
  1. Starts a span named after the operation
  2. Opens a store transaction and hands the callback a scope
     (transaction view, frozen "now", actor, buffered events)
  3. Retries the whole attempt on ErrTransient/ErrConcurrentModification,
     bounded by MaxAttempts; business errors are never retried
  4. After commit, publishes buffered events and returns any error the
     callback deferred past the commit (HoldExpired after a lazy revert)

  Nothing inside the callback performs outside I/O. Events, logs and
  notifications happen after the commit.

USAGE:
  eng := engine.New(store,
      engine.WithLogger(log),
      engine.WithHoldTTL(30*time.Minute),
  )
  inv, err := eng.PlaceHold(ctx, unitID, actor, 0)

SEE ALSO:
  - store.go: Store/Tx contract
  - hold.go, booking.go, payment.go, transfer.go, cancel.go: operations
*/
package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultHoldTTL     = 30 * time.Minute
	DefaultMaxAttempts = 3
	DefaultFeeDueDays  = 30
	DefaultMaxProjects = 10

	tracerName = "github.com/warp/booking-engine/engine"
)

// Engine runs the unit lifecycle against a Store.
type Engine struct {
	store       Store
	clock       Clock
	log         zerolog.Logger
	auth        Authorizer
	pub         Publisher
	tracer      trace.Tracer
	holdTTL     time.Duration
	maxAttempts uint
	retryDelay  time.Duration
	feeDueDays  int
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithAuthorizer(a Authorizer) Option { return func(e *Engine) { e.auth = a } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithHoldTTL sets the TTL used when PlaceHold is called without one.
func WithHoldTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.holdTTL = d
		}
	}
}

// WithMaxAttempts bounds transaction attempts for transient store failures.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = uint(n)
		}
	}
}

// WithRetryDelay sets the initial backoff between attempts.
func WithRetryDelay(d time.Duration) Option { return func(e *Engine) { e.retryDelay = d } }

// WithFeeDueDays sets how long after approval a transfer fee falls due.
func WithFeeDueDays(days int) Option {
	return func(e *Engine) {
		if days >= 0 {
			e.feeDueDays = days
		}
	}
}

// New creates an engine over store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		clock:       SystemClock(),
		log:         zerolog.Nop(),
		auth:        DefaultRoles(),
		tracer:      otel.Tracer(tracerName),
		holdTTL:     DefaultHoldTTL,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  25 * time.Millisecond,
		feeDueDays:  DefaultFeeDueDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pub == nil {
		e.pub = LogPublisher{Log: e.log}
	}
	return e
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// =============================================================================
// TRANSACTION RUNNER
// =============================================================================

// scope is the per-attempt state handed to a transaction callback.
type scope struct {
	tx       Tx
	now      time.Time
	actor    Actor
	traceID  string
	events   []Event
	deferred error
}

// emit buffers an event for publication after commit.
func (s *scope) emit(ev Event) {
	ev.At = s.now
	ev.ActorID = s.actor.ID
	s.events = append(s.events, ev)
}

// failAfterCommit commits the work done so far and still reports err.
func (s *scope) failAfterCommit(err error) {
	s.deferred = err
}

func (s *scope) audit(ctx context.Context, action AuditAction, subjectType, subjectID string, inv InventoryID, payload map[string]any) error {
	return s.tx.AppendAudit(ctx, AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   s.now,
		ActorID:     s.actor.ID,
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		InventoryID: inv,
		TraceID:     s.traceID,
		Payload:     payload,
	})
}

func (e *Engine) runTx(ctx context.Context, op string, actor Actor, attrs []attribute.KeyValue, fn func(context.Context, *scope) error) error {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var traceID string
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryDelay
	bo.MaxInterval = 20 * e.retryDelay

	var s *scope
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		s = &scope{now: e.clock.Now(), actor: actor, traceID: traceID}
		err := e.store.WithTx(ctx, func(tx Tx) error {
			s.tx = tx
			return fn(ctx, s)
		})
		if err == nil || IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warn().Err(err).Str("op", op).Dur("retry_in", next).Msg("retrying transaction")
		}),
	)
	span.SetAttributes(attribute.Int("tx.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !IsClientError(err) && !IsNotFound(err) {
			e.log.Error().Err(err).Str("op", op).Str("actor", string(actor.ID)).Msg("transaction failed")
		}
		return err
	}

	for _, ev := range s.events {
		if perr := e.pub.Publish(ctx, ev); perr != nil {
			e.log.Warn().Err(perr).Str("event", string(ev.Type)).Msg("publish failed")
		}
	}
	if s.deferred != nil {
		span.SetStatus(codes.Error, s.deferred.Error())
		return s.deferred
	}
	return nil
}

// read runs a read-only callback with lazy expiry applied.
func (e *Engine) read(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context, *scope) error) error {
	return e.runTx(ctx, op, SystemActor, attrs, fn)
}

func (e *Engine) authorize(actor Actor, perm Permission) error {
	return e.auth.Authorize(actor, perm)
}

// =============================================================================
// SHARED TRANSACTION STEPS
// =============================================================================

// lockUnit locks the unit and reverts an elapsed hold in place. The
// returned HoldExpiredError is non-nil when a revert happened; the revert
// is written through the transaction either way.
func (e *Engine) lockUnit(ctx context.Context, s *scope, id InventoryID) (Inventory, *HoldExpiredError, error) {
	inv, err := s.tx.LockInventory(ctx, id)
	if err != nil {
		return Inventory{}, nil, err
	}
	if !inv.HoldElapsed(s.now) {
		return inv, nil, nil
	}

	expired := &HoldExpiredError{InventoryID: inv.ID, HoldID: inv.HoldID, ExpiredAt: *inv.HoldExpiresAt}
	holder := inv.HeldBy
	inv.clearHold()
	inv.UpdatedAt = s.now
	if err := saveUnit(ctx, s, &inv); err != nil {
		return Inventory{}, nil, err
	}
	if err := s.audit(ctx, AuditHoldExpired, "inventory", string(inv.ID), inv.ID, map[string]any{
		"hold_id":    string(expired.HoldID),
		"held_by":    string(holder),
		"expired_at": expired.ExpiredAt,
	}); err != nil {
		return Inventory{}, nil, err
	}
	s.emit(Event{Type: EventHoldExpired, InventoryID: inv.ID, Data: map[string]string{"hold_id": string(expired.HoldID)}})
	return inv, expired, nil
}

func saveUnit(ctx context.Context, s *scope, inv *Inventory) error {
	if err := s.tx.UpdateInventory(ctx, *inv); err != nil {
		return err
	}
	inv.Version++
	return nil
}

func saveBooking(ctx context.Context, s *scope, b *Booking) error {
	if err := s.tx.UpdateBooking(ctx, *b); err != nil {
		return err
	}
	b.Version++
	return nil
}

func unitTransition(inv Inventory, event, reason string) error {
	return &TransitionError{Entity: "inventory", ID: string(inv.ID), From: string(inv.Status), Event: event, Reason: reason}
}

func bookingTransition(b Booking, event, reason string) error {
	return &TransitionError{Entity: "booking", ID: string(b.ID), From: string(b.Status), Event: event, Reason: reason}
}
