/*
replay.go - Rebuild balances from the audit log

PURPOSE:
  The client row holds current balances; the audit log holds history. The
  two must never disagree. Replay walks a client's history oldest first,
  starting from zero (every client is created with zero balance and credit),
  and applies each row's effect from its details:

    PUNCH_ADD     balance -1, or credit -credit_charged if paid_with_credit
    PUNCH_REMOVE  balance +1, or credit +credit_refunded if paid_with_credit
    PAYMENT_ADD   balance +classes_added, credit -credit_used +credit_added

  Along the way it checks that each row's previous_* values match the
  running totals and that its new_* values match the result.

  Reconcile compares the replayed totals with the client row, and the credit
  columns stored on each punch and payment with the audit row that created
  it. Everything is read under the client lock, so a write committing in
  between cannot make a consistent client look drifted.
*/
package ledger

import (
	"context"
	"sort"

	"github.com/warp/trainer-ledger/money"
)

// ChainBreak is a row whose recorded transition disagrees with the replay.
type ChainBreak struct {
	AuditID  AuditID
	Field    string // previous_balance, new_balance, previous_credit, new_credit
	Expected int64
	Recorded int64
}

// ReplayResult is the outcome of replaying a client's history.
type ReplayResult struct {
	Balance money.Classes
	Credit  money.Paise
	Rows    int
	Breaks  []ChainBreak
}

// Replay recomputes balance and credit from audit rows in any order.
func Replay(entries []AuditEntry) ReplayResult {
	ordered := make([]AuditEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var r ReplayResult
	for _, entry := range ordered {
		r.Rows++
		balance, credit := r.Balance, r.Credit

		switch d := entry.Details.(type) {
		case PunchAddDetails:
			if d.PaidWithCredit {
				credit = credit.Sub(d.CreditCharged)
			} else {
				balance = balance.Sub(1)
			}
		case PunchRemoveDetails:
			if d.PaidWithCredit {
				credit = credit.Add(d.CreditRefunded)
			} else {
				balance = balance.Add(1)
			}
		case PaymentAddDetails:
			balance = balance.Add(d.ClassesAdded)
			credit = credit.Sub(d.CreditUsed).Add(d.CreditAdded)
		}

		r.Breaks = append(r.Breaks, checkTransition(entry, r.Balance, balance, r.Credit, credit)...)
		r.Balance, r.Credit = balance, credit
	}
	return r
}

func checkTransition(entry AuditEntry, prevBal, newBal money.Classes, prevCredit, newCredit money.Paise) []ChainBreak {
	var breaks []ChainBreak
	check := func(field string, recorded *int64, expected int64) {
		if recorded != nil && *recorded != expected {
			breaks = append(breaks, ChainBreak{AuditID: entry.ID, Field: field, Expected: expected, Recorded: *recorded})
		}
	}
	check("previous_balance", classesPtr(entry.PreviousBalance), int64(prevBal))
	check("new_balance", classesPtr(entry.NewBalance), int64(newBal))
	check("previous_credit", paisePtr(entry.PreviousCredit), int64(prevCredit))
	check("new_credit", paisePtr(entry.NewCredit), int64(newCredit))
	return breaks
}

func classesPtr(c *money.Classes) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func paisePtr(p *money.Paise) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}

// Drift describes any disagreement between a client row and its history.
type Drift struct {
	ClientID      ClientID
	TrainerID     TrainerID
	Balance       money.Classes // on the client row
	ReplayBalance money.Classes
	Credit        money.Paise // on the client row
	ReplayCredit  money.Paise
	Breaks        []ChainBreak
	Columns       []ColumnMismatch
}

// OK reports whether the client row and its history agree.
func (d Drift) OK() bool {
	return d.Balance == d.ReplayBalance && d.Credit == d.ReplayCredit &&
		len(d.Breaks) == 0 && len(d.Columns) == 0
}

// ColumnMismatch is a punch or payment whose stored credit columns disagree
// with the audit row that created it. Audit is nil when no such row exists.
type ColumnMismatch struct {
	Kind   string // punch, payment
	ID     string
	Stored CreditFlags
	Audit  *CreditFlags
}

// CheckCreditColumns compares the denormalized credit columns of punches and
// payments with the flags recorded in their creating audit rows.
func CheckCreditColumns(punches []Punch, payments []Payment, entries []AuditEntry) []ColumnMismatch {
	recorded := CreditFlagsFromAudit(entries, nil)

	var out []ColumnMismatch
	check := func(kind, id string, stored CreditFlags) {
		audit, ok := recorded[id]
		switch {
		case !ok:
			out = append(out, ColumnMismatch{Kind: kind, ID: id, Stored: stored})
		case audit != stored:
			out = append(out, ColumnMismatch{Kind: kind, ID: id, Stored: stored, Audit: &audit})
		}
	}
	for _, p := range punches {
		check("punch", string(p.ID), CreditFlags{PaidWithCredit: p.PaidWithCredit, CreditCharged: p.CreditCharged})
	}
	for _, p := range payments {
		check("payment", string(p.ID), CreditFlags{CreditUsed: p.CreditUsed, CreditAdded: p.CreditAdded})
	}
	return out
}

// ReconcileClient compares a client row with a replay of its history.
func ReconcileClient(c Client, entries []AuditEntry) Drift {
	r := Replay(entries)
	return Drift{
		ClientID:      c.ID,
		TrainerID:     c.TrainerID,
		Balance:       c.Balance,
		ReplayBalance: r.Balance,
		Credit:        c.CreditBalance,
		ReplayCredit:  r.Credit,
		Breaks:        r.Breaks,
	}
}

// Reconcile loads a client, its history, punches and payments under the
// client lock and compares them.
func (e *Engine) Reconcile(ctx context.Context, trainerID TrainerID, clientID ClientID) (*Drift, error) {
	var drift Drift
	err := e.store.WithTx(ctx, func(tx Tx) error {
		client, err := tx.LockClient(ctx, trainerID, clientID, true)
		if err != nil {
			return err
		}
		entries, err := tx.ListAudit(ctx, trainerID, clientID)
		if err != nil {
			return err
		}
		punches, err := allPunches(ctx, tx, trainerID, clientID)
		if err != nil {
			return err
		}
		payments, err := allPayments(ctx, tx, trainerID, clientID)
		if err != nil {
			return err
		}

		drift = ReconcileClient(*client, entries)
		drift.Columns = CheckCreditColumns(punches, payments, entries)
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			err = &PersistenceError{Op: "reconcile", Err: err}
		}
		return nil, err
	}
	return &drift, nil
}

const reconcilePageSize = 100

func allPunches(ctx context.Context, s Store, trainerID TrainerID, clientID ClientID) ([]Punch, error) {
	var out []Punch
	for offset := 0; ; offset += reconcilePageSize {
		page, total, err := s.ListPunches(ctx, trainerID, clientID, PunchFilter{
			IncludeRemoved: true,
			Page:           Page{Limit: reconcilePageSize, Offset: offset},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || len(out) >= total {
			return out, nil
		}
	}
}

func allPayments(ctx context.Context, s Store, trainerID TrainerID, clientID ClientID) ([]Payment, error) {
	var out []Payment
	for offset := 0; ; offset += reconcilePageSize {
		page, total, err := s.ListPayments(ctx, trainerID, clientID, Page{Limit: reconcilePageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || len(out) >= total {
			return out, nil
		}
	}
}

// AllClients lists live clients across every trainer, for background
// reconciliation.
func (e *Engine) AllClients(ctx context.Context) ([]Client, error) {
	return e.store.AllClients(ctx)
}
