/*
engine.go - Transaction boundary for every ledger mutation

PURPOSE:
  Engine runs each operation as one read-modify-write:

    lock client → compute new aggregate → write aggregate + rows + audit → commit

  inside TxStore.WithTx. Either everything is written or nothing is.

CONCURRENCY:
  Two concurrent punches against the same client must not both read
  balance N and both write N-1. The store serializes writers on the client
  row and UpdateClient checks the client's version. When a conflict still
  slips through (ErrConflict), the whole operation is retried from fresh
  state with a short exponential backoff, up to MaxConflictRetries times.

ERRORS:
  Store failures that are not already Validation/NotFound/Conflict are
  wrapped in *PersistenceError. Nothing is caught and continued.

SEE ALSO:
  - punch.go, payment.go, rate.go, client.go: Operations
  - store.go: Tx contract
*/
package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// POLICIES
// =============================================================================

// RefundPolicy decides how much credit a removed credit-funded punch returns.
type RefundPolicy string

const (
	// RefundAtCurrentRate refunds the client's rate at removal time. If the
	// rate changed since the punch, the refund differs from the charge.
	RefundAtCurrentRate RefundPolicy = "current_rate"

	// RefundAtChargedRate refunds exactly what the punch charged.
	RefundAtChargedRate RefundPolicy = "charged_rate"
)

// Valid reports whether p is a known policy.
func (p RefundPolicy) Valid() bool {
	return p == RefundAtCurrentRate || p == RefundAtChargedRate
}

const (
	DefaultPunchWindowMonths  = 3
	DefaultMaxConflictRetries = 3
)

// Observer is notified of every operation outcome. Used for metrics.
type Observer interface {
	ObserveOperation(action Action, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(Action, string) {}

// Outcome labels reported to Observer.
const (
	OutcomeOK          = "ok"
	OutcomeValidation  = "validation"
	OutcomeNotFound    = "not_found"
	OutcomeConflict    = "conflict"
	OutcomePersistence = "persistence"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine executes ledger operations against a TxStore.
type Engine struct {
	store    TxStore
	clock    Clock
	loc      *time.Location
	window   int
	refund   RefundPolicy
	retries  int
	log      *zap.Logger
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the source of "today".
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLocation sets the trainer-local zone used to turn instants into dates.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

// WithPunchWindow sets how many months back a punch may be dated.
func WithPunchWindow(months int) Option { return func(e *Engine) { e.window = months } }

// WithRefundPolicy sets the credit refund policy for removed punches.
func WithRefundPolicy(p RefundPolicy) Option { return func(e *Engine) { e.refund = p } }

// WithMaxConflictRetries bounds retries of ErrConflict. Zero disables retries.
func WithMaxConflictRetries(n int) Option { return func(e *Engine) { e.retries = n } }

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithObserver sets the operation observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// NewEngine creates an engine over store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		clock:    RealClock{},
		loc:      time.UTC,
		window:   DefaultPunchWindowMonths,
		refund:   RefundAtCurrentRate,
		retries:  DefaultMaxConflictRetries,
		log:      zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if !e.refund.Valid() {
		e.refund = RefundAtCurrentRate
	}
	return e
}

// Store returns the underlying store for read-only callers.
func (e *Engine) Store() TxStore { return e.store }

// RefundPolicy returns the configured refund policy.
func (e *Engine) RefundPolicy() RefundPolicy { return e.refund }

// Location returns the trainer-local zone.
func (e *Engine) Location() *time.Location { return e.loc }

// Today returns the current business date in trainer-local time.
func (e *Engine) Today() Date {
	return DateOf(e.clock.Now(), e.loc)
}

// =============================================================================
// TRANSACTION HELPERS
// =============================================================================

// mutate runs fn in a transaction, retrying conflicts from fresh state.
func (e *Engine) mutate(ctx context.Context, action Action, fn func(Tx) error) error {
	operation := func() error {
		err := e.store.WithTx(ctx, fn)
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	var attempts int
	notify := func(err error, wait time.Duration) {
		attempts++
		e.log.Warn("ledger conflict, retrying",
			zap.String("action", string(action)),
			zap.Int("attempt", attempts),
			zap.Duration("next_retry_in", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.retries, 0))), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && !isDomainError(err) {
		err = &PersistenceError{Op: string(action), Err: err}
	}
	e.observer.ObserveOperation(action, outcomeOf(err))
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case IsValidation(err):
		return OutcomeValidation
	case IsNotFound(err):
		return OutcomeNotFound
	case IsRetryable(err):
		return OutcomeConflict
	default:
		return OutcomePersistence
	}
}

// fail reports an operation rejected before it reached the store.
func (e *Engine) fail(action Action, err error) error {
	e.observer.ObserveOperation(action, outcomeOf(err))
	return err
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) newAuditEntry(c *Client, d Details) *AuditEntry {
	now := e.now()
	return &AuditEntry{
		ID:        AuditID(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()),
		TrainerID: c.TrainerID,
		ClientID:  c.ID,
		Action:    d.Action(),
		Details:   d,
		CreatedAt: now,
	}
}

// withTransition records the before/after balance and credit on a balance-moving entry.
func withTransition(entry *AuditEntry, before, after Client) *AuditEntry {
	prevBal, newBal := before.Balance, after.Balance
	prevCredit, newCredit := before.CreditBalance, after.CreditBalance
	entry.PreviousBalance = &prevBal
	entry.NewBalance = &newBal
	entry.PreviousCredit = &prevCredit
	entry.NewCredit = &newCredit
	return entry
}

func (e *Engine) logCommitted(ctx context.Context, entry *AuditEntry, after *Client) {
	fields := []zap.Field{
		zap.String("trainer_id", string(entry.TrainerID)),
		zap.String("client_id", string(entry.ClientID)),
		zap.String("action", string(entry.Action)),
		zap.String("audit_id", string(entry.ID)),
	}
	if entry.PreviousBalance != nil && entry.NewBalance != nil {
		fields = append(fields,
			zap.Int64("previous_balance", int64(*entry.PreviousBalance)),
			zap.Int64("new_balance", int64(*entry.NewBalance)),
			zap.Int64("previous_credit", int64(*entry.PreviousCredit)),
			zap.Int64("new_credit", int64(*entry.NewCredit)),
		)
	}
	if after != nil {
		fields = append(fields, zap.Int64("current_rate", int64(after.CurrentRate)))
	}
	e.log.Info("ledger mutation committed", fields...)
}

func newID() string { return uuid.NewString() }

// checkPunchDate enforces the allowed business-date window: not in the
// future and not older than the configured number of months.
func (e *Engine) checkPunchDate(field string, d Date) error {
	if d.IsZero() {
		return invalid(field, "date is required")
	}
	today := e.Today()
	if d.After(today) {
		return invalid(field, "date cannot be in the future")
	}
	if e.window > 0 && d.Before(today.AddMonths(-e.window)) {
		return invalid(field, "date is outside the allowed window")
	}
	return nil
}

func checkRate(field string, rate money.Paise) error {
	if !rate.IsPositive() {
		return invalid(field, "rate must be positive")
	}
	return nil
}
