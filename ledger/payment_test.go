package ledger_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// PAYMENT MATH
// =============================================================================

func TestComputePayment(t *testing.T) {
	tests := []struct {
		name      string
		amount    money.Paise
		classes   money.Classes
		rate      money.Paise
		credit    money.Paise
		useCredit bool
		want      ledger.PaymentCalc
	}{
		{
			name:   "exact payment",
			amount: 5000, classes: 5, rate: 1000, credit: 0, useCredit: true,
			want: ledger.PaymentCalc{ClassesAdded: 5, TotalCost: 5000, TotalFunds: 5000},
		},
		{
			name:   "shortfall covered by credit",
			amount: 4000, classes: 5, rate: 1000, credit: 2000, useCredit: true,
			want: ledger.PaymentCalc{ClassesAdded: 5, TotalCost: 5000, CreditUsed: 1000, TotalFunds: 5000},
		},
		{
			name:   "overpayment becomes credit",
			amount: 6000, classes: 5, rate: 1000, credit: 0, useCredit: true,
			want: ledger.PaymentCalc{ClassesAdded: 5, TotalCost: 5000, TotalFunds: 6000, CreditAdded: 1000},
		},
		{
			name:   "shortfall larger than credit",
			amount: 2000, classes: 5, rate: 1000, credit: 1500, useCredit: true,
			want: ledger.PaymentCalc{ClassesAdded: 5, TotalCost: 5000, CreditUsed: 1500, TotalFunds: 3500},
		},
		{
			name:   "credit not requested",
			amount: 4000, classes: 5, rate: 1000, credit: 2000, useCredit: false,
			want: ledger.PaymentCalc{ClassesAdded: 5, TotalCost: 5000, TotalFunds: 4000},
		},
		{
			name:   "credit only top-up",
			amount: 700, classes: 0, rate: 1000, credit: 300, useCredit: true,
			want: ledger.PaymentCalc{TotalFunds: 700, CreditAdded: 700},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ledger.ComputePayment(tt.amount, tt.classes, tt.rate, tt.credit, tt.useCredit)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuggestClasses(t *testing.T) {
	assert.Equal(t, money.Classes(4), ledger.SuggestClasses(4500, 1000, 0, false))
	assert.Equal(t, money.Classes(5), ledger.SuggestClasses(4500, 1000, 500, true))
	assert.Equal(t, money.Classes(4), ledger.SuggestClasses(4500, 1000, 500, false))
	assert.Equal(t, money.Classes(0), ledger.SuggestClasses(4500, 0, 0, false))
}

// =============================================================================
// ADD PAYMENT
// =============================================================================

func TestAddPayment_ShortfallFundedFromCredit(t *testing.T) {
	// GIVEN: rate=1000, credit=2000
	// WHEN: 4000 is paid for 5 classes using credit
	// THEN: credit_used=1000, credit_added=0, credit=1000, balance=5

	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	c = fund(t, e, c.ID, 2000, 0, false)
	require.Equal(t, money.Paise(2000), c.CreditBalance)

	classes := money.Classes(5)
	res, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{
		Amount:       4000,
		ClassesAdded: &classes,
		UseCredit:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, money.Paise(1000), res.Payment.CreditUsed)
	assert.Equal(t, money.Paise(0), res.Payment.CreditAdded)
	assert.Equal(t, money.Paise(1000), res.Client.CreditBalance)
	assert.Equal(t, money.Classes(5), res.Client.Balance)
	assert.Equal(t, money.Paise(1000), res.Payment.RateAtPayment)
	assert.Equal(t, today(), res.Payment.PaymentDate)
}

func TestAddPayment_Overpayment_AddsCredit(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)

	c = fund(t, e, c.ID, 6000, 5, true)
	assert.Equal(t, money.Classes(5), c.Balance)
	assert.Equal(t, money.Paise(1000), c.CreditBalance)
}

func TestAddPayment_CreditUsedHint_Ignored(t *testing.T) {
	// GIVEN: A caller that claims 9999 of credit was used
	// WHEN: The payment is recorded
	// THEN: The stored figure is recomputed from the client's real credit

	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 500, 0, false)

	classes := money.Classes(1)
	hint := money.Paise(9999)
	res, err := e.AddPayment(context.Background(), trainer, c.ID, ledger.PaymentInput{
		Amount:         200,
		ClassesAdded:   &classes,
		UseCredit:      true,
		CreditUsedHint: &hint,
	})
	require.NoError(t, err)
	assert.Equal(t, money.Paise(500), res.Payment.CreditUsed)
	assert.Equal(t, money.Paise(0), res.Client.CreditBalance)
}

func TestAddPayment_NoClasses_SuggestsFromAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)

	res, err := e.AddPayment(context.Background(), trainer, c.ID, ledger.PaymentInput{Amount: 3500})
	require.NoError(t, err)
	assert.Equal(t, money.Classes(3), res.Payment.ClassesAdded)
	assert.Equal(t, money.Paise(500), res.Payment.CreditAdded)
}

func TestAddPayment_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	negative := money.Classes(-1)

	tests := []struct {
		name  string
		in    ledger.PaymentInput
		field string
	}{
		{"zero amount", ledger.PaymentInput{Amount: 0}, "amount"},
		{"negative amount", ledger.PaymentInput{Amount: -100}, "amount"},
		{"negative classes", ledger.PaymentInput{Amount: 1000, ClassesAdded: &negative}, "classes_added"},
		{"future date", ledger.PaymentInput{Amount: 1000, PaymentDate: date(2026, time.October, 16)}, "payment_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddPayment(context.Background(), trainer, c.ID, tt.in)
			require.Error(t, err)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	trail, err := e.AuditTrail(context.Background(), trainer, c.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1, "rejected payments write nothing")
}

func TestAddPayment_Overflow_Rejected(t *testing.T) {
	// GIVEN: A client at ₹1,000 per class holding ₹500 credit
	// WHEN: A payment asks for more classes than int64 paise can price,
	//       or an amount that overflows when added to the credit
	// THEN: Both are validation errors and nothing changes

	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 100000)
	c = fund(t, e, c.ID, 150000, 1, false)
	require.Equal(t, money.Paise(50000), c.CreditBalance)

	huge := money.Classes(math.MaxInt64/100000 + 1)
	_, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{Amount: 100, ClassesAdded: &huge})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "classes_added", verr.Field)

	one := money.Classes(1)
	_, err = e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{Amount: math.MaxInt64, ClassesAdded: &one, UseCredit: true})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	after, err := e.GetClient(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Classes(1), after.Balance)
	assert.Equal(t, money.Paise(50000), after.CreditBalance)
}

func TestAddPayment_KeepsRateSnapshot(t *testing.T) {
	// GIVEN: A payment at rate 1000
	// WHEN: The rate changes to 1500
	// THEN: The stored payment still says 1000

	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 2000, 2, false)

	_, err := e.ChangeRate(ctx, trainer, c.ID, 1500, nil)
	require.NoError(t, err)

	payments, total, err := e.ListPayments(ctx, trainer, c.ID, ledger.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, money.Paise(1000), payments[0].RateAtPayment)
}

func TestListPayments_Paginates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	for i := 1; i <= 5; i++ {
		_, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{
			Amount:      1000,
			PaymentDate: date(2026, time.October, i),
		})
		require.NoError(t, err)
	}

	page, total, err := e.ListPayments(ctx, trainer, c.ID, ledger.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, *date(2026, time.October, 4), page[0].PaymentDate)
	assert.Equal(t, *date(2026, time.October, 3), page[1].PaymentDate)
}

// =============================================================================
// RATE CHANGES
// =============================================================================

func TestChangeRate_BalanceNeutral(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	before := fund(t, e, c.ID, 3500, 3, false)

	res, err := e.ChangeRate(ctx, trainer, c.ID, 1200, date(2026, time.November, 1))
	require.NoError(t, err)

	assert.Equal(t, before.Balance, res.Client.Balance)
	assert.Equal(t, before.CreditBalance, res.Client.CreditBalance)
	assert.Equal(t, money.Paise(1200), res.Client.CurrentRate)
	assert.Nil(t, res.Audit.NewBalance)

	history, err := e.RateHistory(ctx, trainer, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, money.Paise(1000), history[0].Rate)
	assert.Equal(t, money.Paise(1200), history[1].Rate)
	assert.Equal(t, *date(2026, time.November, 1), history[1].EffectiveDate)
}

func TestChangeRate_NonPositive_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)

	_, err := e.ChangeRate(context.Background(), trainer, c.ID, 0, nil)
	assert.True(t, ledger.IsValidation(err))
}
