/*
punch.go - Class attendance ("punch") operations

FUNDING RULE (AddPunch):
  A punch consumes exactly one class, funded from exactly one source:

    balance > 0                      → balance - 1
    balance <= 0, credit >= rate     → credit - rate   (paid_with_credit)
    balance <= 0, credit <  rate     → balance - 1     (client now owes)

REVERSAL (RemovePunch):
  The exact inverse, chosen from the punch's own paid_with_credit flag:
  credit-funded punches refund credit (amount per RefundPolicy), others
  give the class back. The punch is soft-deleted, never removed.

EDIT (EditPunch):
  Moves punch_date only. No balance or credit effect.

STATE MACHINE:
  active → (edited)* → removed (terminal)
*/
package ledger

import (
	"context"

	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// PURE COMPUTATION
// =============================================================================

// PunchEffect is the change a punch (or its reversal) makes to a client.
type PunchEffect struct {
	PaidWithCredit bool
	BalanceDelta   money.Classes
	CreditDelta    money.Paise
}

// Apply returns c with the effect applied.
func (fx PunchEffect) Apply(c Client) Client {
	c.Balance = c.Balance.Add(fx.BalanceDelta)
	c.CreditBalance = c.CreditBalance.Add(fx.CreditDelta)
	return c
}

// ComputePunch decides how one class is funded for c.
func ComputePunch(c Client) PunchEffect {
	if c.Balance > 0 {
		return PunchEffect{BalanceDelta: -1}
	}
	if c.CurrentRate > 0 && c.CreditBalance >= c.CurrentRate {
		return PunchEffect{PaidWithCredit: true, CreditDelta: -c.CurrentRate}
	}
	return PunchEffect{BalanceDelta: -1}
}

// ComputeRefund returns the inverse of p's original effect on c.
func ComputeRefund(c Client, p Punch, policy RefundPolicy) PunchEffect {
	if !p.PaidWithCredit {
		return PunchEffect{BalanceDelta: 1}
	}
	refund := c.CurrentRate
	if policy == RefundAtChargedRate && p.CreditCharged > 0 {
		refund = p.CreditCharged
	}
	return PunchEffect{PaidWithCredit: true, CreditDelta: refund}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// PunchResult is returned by AddPunch and RemovePunch.
type PunchResult struct {
	Punch  Punch
	Client Client
	Audit  AuditEntry
}

// AddPunch records one attended class for a client. A nil date means today.
func (e *Engine) AddPunch(ctx context.Context, trainerID TrainerID, clientID ClientID, date *Date) (*PunchResult, error) {
	punchDate := e.Today()
	if date != nil {
		punchDate = *date
	}
	if err := e.checkPunchDate("punch_date", punchDate); err != nil {
		return nil, e.fail(ActionPunchAdd, err)
	}

	var result PunchResult
	err := e.mutate(ctx, ActionPunchAdd, func(tx Tx) error {
		before, err := tx.LockClient(ctx, trainerID, clientID, false)
		if err != nil {
			return err
		}

		fx := ComputePunch(*before)
		after := fx.Apply(*before)
		now := e.now()

		punch := Punch{
			ID:             PunchID(newID()),
			TrainerID:      trainerID,
			ClientID:       clientID,
			PunchDate:      punchDate,
			PaidWithCredit: fx.PaidWithCredit,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if fx.PaidWithCredit {
			punch.CreditCharged = -fx.CreditDelta
		}

		after.UpdatedAt = now
		if err := tx.UpdateClient(ctx, &after); err != nil {
			return err
		}
		if err := tx.InsertPunch(ctx, &punch); err != nil {
			return err
		}

		entry := withTransition(e.newAuditEntry(&after, PunchAddDetails{
			PunchID:        punch.ID,
			PunchDate:      punch.PunchDate,
			PaidWithCredit: punch.PaidWithCredit,
			CreditCharged:  punch.CreditCharged,
		}), *before, after)
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result = PunchResult{Punch: punch, Client: after, Audit: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logCommitted(ctx, &result.Audit, &result.Client)
	return &result, nil
}

// RemovePunch reverses a punch and soft-deletes it.
func (e *Engine) RemovePunch(ctx context.Context, trainerID TrainerID, punchID PunchID) (*PunchResult, error) {
	var result PunchResult
	err := e.mutate(ctx, ActionPunchRemove, func(tx Tx) error {
		punch, before, err := lockPunch(ctx, tx, trainerID, punchID)
		if err != nil {
			return err
		}

		fx := ComputeRefund(*before, *punch, e.refund)
		after := fx.Apply(*before)
		now := e.now()

		after.UpdatedAt = now
		if err := tx.UpdateClient(ctx, &after); err != nil {
			return err
		}

		removed := *punch
		removed.IsDeleted = true
		removed.UpdatedAt = now
		if err := tx.UpdatePunch(ctx, &removed); err != nil {
			return err
		}

		details := PunchRemoveDetails{
			PunchID:        removed.ID,
			PunchDate:      removed.PunchDate,
			PaidWithCredit: removed.PaidWithCredit,
		}
		if removed.PaidWithCredit {
			details.CreditRefunded = fx.CreditDelta
			details.RefundPolicy = string(e.refund)
		}
		entry := withTransition(e.newAuditEntry(&after, details), *before, after)
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result = PunchResult{Punch: removed, Client: after, Audit: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logCommitted(ctx, &result.Audit, &result.Client)
	return &result, nil
}

// EditPunch moves a punch to a new date within the allowed window.
// Editing to the same date is a no-op and writes nothing.
func (e *Engine) EditPunch(ctx context.Context, trainerID TrainerID, punchID PunchID, newDate Date) (*Punch, error) {
	if err := e.checkPunchDate("new_date", newDate); err != nil {
		return nil, e.fail(ActionPunchEdit, err)
	}

	var (
		edited Punch
		entry  *AuditEntry
	)
	err := e.mutate(ctx, ActionPunchEdit, func(tx Tx) error {
		entry = nil
		// The client lock serializes edits with other writes to it and
		// rejects edits for deleted clients.
		punch, client, err := lockPunch(ctx, tx, trainerID, punchID)
		if err != nil {
			return err
		}

		edited = *punch
		if punch.PunchDate.Equal(newDate) {
			return nil
		}

		edited.PunchDate = newDate
		edited.UpdatedAt = e.now()
		if err := tx.UpdatePunch(ctx, &edited); err != nil {
			return err
		}

		entry = e.newAuditEntry(client, PunchEditDetails{
			PunchID: punch.ID,
			OldDate: punch.PunchDate,
			NewDate: newDate,
		})
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		e.logCommitted(ctx, entry, nil)
	}
	return &edited, nil
}

// lockPunch locks the punch's client and returns the live punch as seen
// under that lock. The first read only finds the client; the second sees any
// removal committed by a writer that held the lock before us.
func lockPunch(ctx context.Context, tx Tx, trainerID TrainerID, punchID PunchID) (*Punch, *Client, error) {
	punch, err := tx.GetPunch(ctx, trainerID, punchID)
	if err != nil {
		return nil, nil, err
	}
	if punch.IsDeleted {
		return nil, nil, notFound("punch", string(punchID))
	}

	client, err := tx.LockClient(ctx, trainerID, punch.ClientID, false)
	if err != nil {
		return nil, nil, err
	}

	punch, err = tx.GetPunch(ctx, trainerID, punchID)
	if err != nil {
		return nil, nil, err
	}
	if punch.IsDeleted {
		return nil, nil, notFound("punch", string(punchID))
	}
	return punch, client, nil
}

// ListPunches returns a page of a client's punches.
func (e *Engine) ListPunches(ctx context.Context, trainerID TrainerID, clientID ClientID, filter PunchFilter) ([]Punch, int, error) {
	if _, err := e.store.GetClient(ctx, trainerID, clientID, false); err != nil {
		return nil, 0, err
	}
	filter.Page = filter.Page.Normalize()
	return e.store.ListPunches(ctx, trainerID, clientID, filter)
}
