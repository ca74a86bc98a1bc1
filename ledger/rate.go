package ledger

import (
	"context"

	"github.com/warp/trainer-ledger/money"
)

// RateResult is returned by ChangeRate.
type RateResult struct {
	Client     Client
	RateChange RateChange
	Audit      AuditEntry
}

// ChangeRate sets a client's per-class rate from effectiveDate onwards.
//
// Balance and credit are untouched and past payments keep their
// rate_at_payment. Business range limits belong to the caller; this only
// rejects non-positive rates.
func (e *Engine) ChangeRate(ctx context.Context, trainerID TrainerID, clientID ClientID, newRate money.Paise, effectiveDate *Date) (*RateResult, error) {
	if err := checkRate("new_rate", newRate); err != nil {
		return nil, e.fail(ActionRateChange, err)
	}
	effective := e.Today()
	if effectiveDate != nil {
		effective = *effectiveDate
	}
	if effective.IsZero() {
		return nil, e.fail(ActionRateChange, invalid("effective_date", "date is required"))
	}

	var result RateResult
	err := e.mutate(ctx, ActionRateChange, func(tx Tx) error {
		before, err := tx.LockClient(ctx, trainerID, clientID, false)
		if err != nil {
			return err
		}

		now := e.now()
		after := *before
		after.CurrentRate = newRate
		after.UpdatedAt = now

		change := RateChange{
			ID:            RateChangeID(newID()),
			TrainerID:     trainerID,
			ClientID:      clientID,
			Rate:          newRate,
			EffectiveDate: effective,
			CreatedAt:     now,
		}

		if err := tx.UpdateClient(ctx, &after); err != nil {
			return err
		}
		if err := tx.InsertRateChange(ctx, &change); err != nil {
			return err
		}

		entry := e.newAuditEntry(&after, RateChangeDetails{
			OldRate:       before.CurrentRate,
			NewRate:       newRate,
			EffectiveDate: effective,
		})
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result = RateResult{Client: after, RateChange: change, Audit: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logCommitted(ctx, &result.Audit, &result.Client)
	return &result, nil
}

// RateHistory returns a client's rate changes, oldest first.
func (e *Engine) RateHistory(ctx context.Context, trainerID TrainerID, clientID ClientID) ([]RateChange, error) {
	if _, err := e.store.GetClient(ctx, trainerID, clientID, false); err != nil {
		return nil, err
	}
	return e.store.ListRateHistory(ctx, trainerID, clientID)
}
