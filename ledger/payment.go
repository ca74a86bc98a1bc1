/*
payment.go - Payment recording

PAYMENT MATH (always recomputed here from stored state):

  total_cost   = classes_added * current_rate
  credit_used  = clamp(total_cost - amount, 0, credit_balance)   (0 unless use_credit)
  total_funds  = amount + credit_used
  credit_added = max(0, total_funds - total_cost)

  credit_balance' = credit_balance - credit_used + credit_added
  balance'        = balance + classes_added

  Credit only ever covers a shortfall, never more than what is stored.
  A caller-supplied credit figure is a display hint and is ignored.

IMMUTABILITY:
  Payments have no edit or delete. Corrections are new payments.
*/
package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// PURE COMPUTATION
// =============================================================================

// PaymentCalc is the outcome of the payment math.
type PaymentCalc struct {
	ClassesAdded money.Classes
	TotalCost    money.Paise
	CreditUsed   money.Paise
	TotalFunds   money.Paise
	CreditAdded  money.Paise
}

// ComputePayment applies the payment math for a client holding credit at rate.
func ComputePayment(amount money.Paise, classes money.Classes, rate, credit money.Paise, useCredit bool) PaymentCalc {
	calc := PaymentCalc{ClassesAdded: classes}
	calc.TotalCost = rate.Times(classes)
	if useCredit {
		calc.CreditUsed = calc.TotalCost.Sub(amount).Clamp(0, credit.Max(0))
	}
	calc.TotalFunds = amount.Add(calc.CreditUsed)
	calc.CreditAdded = calc.TotalFunds.Sub(calc.TotalCost).Max(0)
	return calc
}

// SuggestClasses returns how many whole classes amount (plus credit, if
// used) buys at rate.
func SuggestClasses(amount money.Paise, rate, credit money.Paise, useCredit bool) money.Classes {
	funds := amount
	if useCredit {
		funds = funds.Add(credit.Max(0))
	}
	return funds.WholeClasses(rate)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// PaymentInput describes a payment to record.
type PaymentInput struct {
	Amount       money.Paise
	ClassesAdded *money.Classes // nil: suggest from amount and credit
	PaymentDate  *Date          // nil: today
	UseCredit    bool

	// CreditUsedHint is what the caller displayed. It never affects the result.
	CreditUsedHint *money.Paise
}

// PaymentResult is returned by AddPayment.
type PaymentResult struct {
	Payment Payment
	Client  Client
	Audit   AuditEntry
}

// AddPayment records money received from a client.
func (e *Engine) AddPayment(ctx context.Context, trainerID TrainerID, clientID ClientID, in PaymentInput) (*PaymentResult, error) {
	if !in.Amount.IsPositive() {
		return nil, e.fail(ActionPaymentAdd, invalid("amount", "amount must be positive"))
	}
	if in.ClassesAdded != nil && in.ClassesAdded.IsNegative() {
		return nil, e.fail(ActionPaymentAdd, invalid("classes_added", "classes cannot be negative"))
	}
	paymentDate := e.Today()
	if in.PaymentDate != nil {
		paymentDate = *in.PaymentDate
	}
	if paymentDate.IsZero() {
		return nil, e.fail(ActionPaymentAdd, invalid("payment_date", "date is required"))
	}
	if paymentDate.After(e.Today()) {
		return nil, e.fail(ActionPaymentAdd, invalid("payment_date", "date cannot be in the future"))
	}

	var result PaymentResult
	err := e.mutate(ctx, ActionPaymentAdd, func(tx Tx) error {
		before, err := tx.LockClient(ctx, trainerID, clientID, false)
		if err != nil {
			return err
		}
		if err := checkRate("current_rate", before.CurrentRate); err != nil {
			return err
		}

		if _, ok := in.Amount.AddChecked(before.CreditBalance.Max(0)); !ok {
			return invalid("amount", "amount is too large")
		}
		classes := SuggestClasses(in.Amount, before.CurrentRate, before.CreditBalance, in.UseCredit)
		if in.ClassesAdded != nil {
			classes = *in.ClassesAdded
		}
		if err := checkPaymentFits(*before, classes); err != nil {
			return err
		}
		calc := ComputePayment(in.Amount, classes, before.CurrentRate, before.CreditBalance, in.UseCredit)

		now := e.now()
		after := *before
		after.Balance = after.Balance.Add(calc.ClassesAdded)
		after.CreditBalance = after.CreditBalance.Sub(calc.CreditUsed).Add(calc.CreditAdded)
		after.UpdatedAt = now

		payment := Payment{
			ID:            PaymentID(newID()),
			TrainerID:     trainerID,
			ClientID:      clientID,
			Amount:        in.Amount,
			ClassesAdded:  calc.ClassesAdded,
			RateAtPayment: before.CurrentRate,
			CreditUsed:    calc.CreditUsed,
			CreditAdded:   calc.CreditAdded,
			PaymentDate:   paymentDate,
			CreatedAt:     now,
		}

		if err := tx.UpdateClient(ctx, &after); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, &payment); err != nil {
			return err
		}

		entry := withTransition(e.newAuditEntry(&after, PaymentAddDetails{
			PaymentID:     payment.ID,
			Amount:        payment.Amount,
			ClassesAdded:  payment.ClassesAdded,
			RateAtPayment: payment.RateAtPayment,
			CreditUsed:    payment.CreditUsed,
			CreditAdded:   payment.CreditAdded,
			PaymentDate:   payment.PaymentDate,
		}), *before, after)
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result = PaymentResult{Payment: payment, Client: after, Audit: *entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if in.CreditUsedHint != nil && *in.CreditUsedHint != result.Payment.CreditUsed {
		e.log.Debug("caller credit hint differs from computed credit",
			zap.String("payment_id", string(result.Payment.ID)),
			zap.Int64("hint", int64(*in.CreditUsedHint)),
			zap.Int64("computed", int64(result.Payment.CreditUsed)),
		)
	}
	e.logCommitted(ctx, &result.Audit, &result.Client)
	return &result, nil
}

// checkPaymentFits rejects a class count whose cost at the client's rate, or
// whose sum with the current balance, does not fit in int64.
func checkPaymentFits(c Client, classes money.Classes) error {
	if _, ok := c.CurrentRate.TimesChecked(classes); !ok {
		return invalid("classes_added", "too many classes for the current rate")
	}
	if _, ok := c.Balance.AddChecked(classes); !ok {
		return invalid("classes_added", "too many classes for the current balance")
	}
	return nil
}

// ListPayments returns a page of a client's payments.
func (e *Engine) ListPayments(ctx context.Context, trainerID TrainerID, clientID ClientID, page Page) ([]Payment, int, error) {
	if _, err := e.store.GetClient(ctx, trainerID, clientID, false); err != nil {
		return nil, 0, err
	}
	return e.store.ListPayments(ctx, trainerID, clientID, page.Normalize())
}
