/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the accounting rules and the database.
  Reads go through Store. Writes only happen inside TxStore.WithTx, on a Tx,
  so that a client aggregate and its audit row commit or roll back together.

KEY INTERFACES:
  Store:   Trainer-scoped reads
  Tx:      Store + writes, valid only inside WithTx
  TxStore: Store + WithTx + system-wide client scan (reconciliation)

CONCURRENCY CONTRACT:
  - LockClient reads the client row for update. Implementations take a row
    lock (PostgreSQL FOR UPDATE), a write transaction (SQLite BEGIN
    IMMEDIATE) or a process lock (memory).
  - UpdateClient writes only if the stored version equals c.Version, then
    bumps c.Version. A mismatch returns ErrConflict.

APPEND-ONLY CONTRACT:
  - AppendAudit is the only write to the audit log. There is no update or
    delete for audit rows, payments or rate history.
  - Punches are soft-deleted through UpdatePunch (IsDeleted = true).
    UpdatePunch only matches a live punch; a removed one is NotFound.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres/postgres.go: PostgreSQL

NOT FOUND:
  Every getter returns a *NotFoundError (ErrNotFound) when the record does
  not exist or belongs to a different trainer. Deleted clients are only
  visible when includeDeleted is set.
*/
package ledger

import "context"

// Store provides trainer-scoped reads.
type Store interface {
	GetClient(ctx context.Context, trainerID TrainerID, id ClientID, includeDeleted bool) (*Client, error)
	ListClients(ctx context.Context, trainerID TrainerID, includeDeleted bool) ([]Client, error)

	GetPunch(ctx context.Context, trainerID TrainerID, id PunchID) (*Punch, error)

	// ListPunches returns punches newest punch date first, plus the total count.
	ListPunches(ctx context.Context, trainerID TrainerID, clientID ClientID, filter PunchFilter) ([]Punch, int, error)

	// ListPayments returns payments newest payment date first, plus the total count.
	ListPayments(ctx context.Context, trainerID TrainerID, clientID ClientID, page Page) ([]Payment, int, error)

	// ListRateHistory returns rate changes oldest first.
	ListRateHistory(ctx context.Context, trainerID TrainerID, clientID ClientID) ([]RateChange, error)

	// ListAudit returns every audit row for a client, newest first.
	ListAudit(ctx context.Context, trainerID TrainerID, clientID ClientID) ([]AuditEntry, error)
}

// Tx is a Store bound to an open transaction, with write access.
type Tx interface {
	Store

	// LockClient reads a client for update.
	LockClient(ctx context.Context, trainerID TrainerID, id ClientID, includeDeleted bool) (*Client, error)

	InsertClient(ctx context.Context, c *Client) error
	UpdateClient(ctx context.Context, c *Client) error

	InsertPunch(ctx context.Context, p *Punch) error
	UpdatePunch(ctx context.Context, p *Punch) error

	InsertPayment(ctx context.Context, p *Payment) error
	InsertRateChange(ctx context.Context, r *RateChange) error
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// TxStore is a Store that can run transactions.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// AllClients returns every non-deleted client across all trainers.
	// Used by reconciliation only.
	AllClients(ctx context.Context) ([]Client, error)
}
