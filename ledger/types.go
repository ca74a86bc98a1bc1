/*
Package ledger provides the class and credit accounting engine for trainers.

PURPOSE:
  A trainer sells classes to clients. This package owns the rules for how a
  client's class balance and credit balance move when a class is punched,
  a payment is recorded or the per-class rate changes, and it writes an
  append-only audit row for every one of those moves in the same transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Client:     The per-client aggregate (balance, credit, current rate)
  - Punch:      One attended class
  - Payment:    One money-received event, with its rate snapshot
  - RateChange: One entry of a client's rate history
  - AuditEntry: One immutable history row (see details.go for payloads)

DESIGN PRINCIPLES:
  1. Integers only: money.Paise and money.Classes, never floats
  2. The Client row is the source of truth for current balances
  3. The audit log is the source of truth for history and must replay to
     the Client row (see replay.go)
  4. Every operation is scoped to an explicit TrainerID

SEE ALSO:
  - engine.go:  Transaction boundary, retries
  - punch.go, payment.go, rate.go, client.go: Operations
  - store.go:   Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TrainerID string
type ClientID string
type PunchID string
type PaymentID string
type RateChangeID string
type AuditID string

// =============================================================================
// CLIENT - Per-client aggregate
// =============================================================================

// Client is a trainee owned by exactly one trainer.
//
// Balance and CreditBalance are only ever changed by the punch, payment and
// rate operations, together with the audit row describing the change.
type Client struct {
	ID            ClientID
	TrainerID     TrainerID
	Name          string
	Phone         string // bare 10-digit local form, or empty
	CurrentRate   money.Paise
	Balance       money.Classes
	CreditBalance money.Paise
	IsDeleted     bool
	Version       int64 // optimistic concurrency token, bumped on every write
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AmountOwed is what the client owes for classes taken beyond their balance.
func (c Client) AmountOwed() money.Paise {
	return c.Balance.Owed(c.CurrentRate)
}

// =============================================================================
// PUNCH - One attended class
// =============================================================================

// Punch records a client attending one class on a business date.
//
// PaidWithCredit and CreditCharged are written when the punch is created so
// that reads never have to go back to the audit log to find them.
type Punch struct {
	ID             PunchID
	TrainerID      TrainerID
	ClientID       ClientID
	PunchDate      Date
	PaidWithCredit bool
	CreditCharged  money.Paise
	IsDeleted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// PAYMENT - Money received
// =============================================================================

// Payment is an immutable record of money received. RateAtPayment is the
// rate used to turn the money into classes and is never reinterpreted.
type Payment struct {
	ID            PaymentID
	TrainerID     TrainerID
	ClientID      ClientID
	Amount        money.Paise
	ClassesAdded  money.Classes
	RateAtPayment money.Paise
	CreditUsed    money.Paise
	CreditAdded   money.Paise
	PaymentDate   Date
	CreatedAt     time.Time
}

// =============================================================================
// RATE HISTORY
// =============================================================================

// RateChange is one append-only entry in a client's rate history.
type RateChange struct {
	ID            RateChangeID
	TrainerID     TrainerID
	ClientID      ClientID
	Rate          money.Paise
	EffectiveDate Date
	CreatedAt     time.Time
}

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditEntry is an append-only history row. It is never updated or deleted.
//
// The balance and credit pairs are set only for actions that can move them
// (PUNCH_ADD, PUNCH_REMOVE, PAYMENT_ADD).
type AuditEntry struct {
	ID              AuditID
	TrainerID       TrainerID
	ClientID        ClientID // empty for trainer-level events
	Action          Action
	Details         Details
	PreviousBalance *money.Classes
	NewBalance      *money.Classes
	PreviousCredit  *money.Paise
	NewCredit       *money.Paise
	CreatedAt       time.Time
}

// =============================================================================
// QUERIES
// =============================================================================

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a window of a list.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// PunchFilter selects punches for a client.
type PunchFilter struct {
	Page           Page
	IncludeRemoved bool
}

// Summary aggregates a trainer's non-deleted clients.
type Summary struct {
	TrainerID      TrainerID
	Clients        int
	PrepaidClasses money.Classes // sum of positive balances
	OwedClasses    money.Classes // sum of |negative balances|
	AmountOwed     money.Paise   // owed classes at each client's current rate
	TotalCredit    money.Paise
}
