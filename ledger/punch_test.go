package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/ledger/store"
	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// FUNDING RULE
// =============================================================================

func TestComputePunch_FundingRule(t *testing.T) {
	tests := []struct {
		name       string
		balance    money.Classes
		credit     money.Paise
		rate       money.Paise
		wantCredit bool
		wantDelta  money.Classes
		wantCharge money.Paise
	}{
		{"prepaid class used first", 3, 5000, 1000, false, -1, 0},
		{"credit covers rate", 0, 1000, 1000, true, 0, -1000},
		{"credit short of rate", 0, 999, 1000, false, -1, 0},
		{"already owing, credit covers", -2, 2500, 1000, true, 0, -1000},
		{"nothing at all", 0, 0, 1000, false, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := ledger.ComputePunch(ledger.Client{Balance: tt.balance, CreditBalance: tt.credit, CurrentRate: tt.rate})
			assert.Equal(t, tt.wantCredit, fx.PaidWithCredit)
			assert.Equal(t, tt.wantDelta, fx.BalanceDelta)
			assert.Equal(t, tt.wantCharge, fx.CreditDelta)
		})
	}
}

func TestAddPunch_PrepaidBalance_ConsumesOneClass(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 3000, 3, false)

	res, err := e.AddPunch(context.Background(), trainer, c.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, money.Classes(2), res.Client.Balance)
	assert.False(t, res.Punch.PaidWithCredit)
	assert.Equal(t, today(), res.Punch.PunchDate, "nil date means today")
	assert.Equal(t, ledger.ActionPunchAdd, res.Audit.Action)
}

func TestAddPunch_ZeroBalance_FundedByCredit(t *testing.T) {
	// GIVEN: balance=0, credit=1000, rate=1000
	// WHEN: A punch is added
	// THEN: balance stays 0, credit drops to 0, the punch is paid_with_credit

	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	c = fund(t, e, c.ID, 1000, 0, false)
	require.Equal(t, money.Paise(1000), c.CreditBalance)

	res, err := e.AddPunch(context.Background(), trainer, c.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, money.Classes(0), res.Client.Balance)
	assert.Equal(t, money.Paise(0), res.Client.CreditBalance)
	assert.True(t, res.Punch.PaidWithCredit)
	assert.Equal(t, money.Paise(1000), res.Punch.CreditCharged)
}

func TestAddPunch_NothingToFund_GoesNegative(t *testing.T) {
	// GIVEN: balance=0, credit=0
	// WHEN: A punch is added
	// THEN: balance=-1, paid_with_credit=false, and the client owes one class

	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)

	res, err := e.AddPunch(context.Background(), trainer, c.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, money.Classes(-1), res.Client.Balance)
	assert.False(t, res.Punch.PaidWithCredit)
	assert.Equal(t, money.Paise(1000), res.Client.AmountOwed())
}

func TestAddPunch_PartialCredit_NotUsed(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 400, 0, false)

	res, err := e.AddPunch(context.Background(), trainer, c.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, money.Classes(-1), res.Client.Balance)
	assert.Equal(t, money.Paise(400), res.Client.CreditBalance, "partial credit is never consumed by a punch")
}

func TestAddPunch_DateWindow(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	ctx := context.Background()

	tests := []struct {
		name    string
		date    *ledger.Date
		wantErr bool
	}{
		{"today", date(2026, time.October, 15), false},
		{"oldest allowed day", date(2026, time.July, 15), false},
		{"one day too old", date(2026, time.July, 14), true},
		{"tomorrow", date(2026, time.October, 16), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddPunch(ctx, trainer, c.ID, tt.date)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, ledger.IsValidation(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAddPunch_DeletedClient_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	c := newClient(t, e, 1000)
	_, err := e.DeleteClient(context.Background(), trainer, c.ID)
	require.NoError(t, err)

	_, err = e.AddPunch(context.Background(), trainer, c.ID, nil)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// REMOVAL
// =============================================================================

func TestRemovePunch_IsInverseOfAdd(t *testing.T) {
	// GIVEN: Clients in each funding situation
	// WHEN: A punch is added and then removed with no rate change in between
	// THEN: balance and credit return to their values before the add

	cases := []struct {
		name    string
		amount  money.Paise
		classes money.Classes
	}{
		{"prepaid", 2000, 2},
		{"credit funded", 1500, 0},
		{"goes negative", 300, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			ctx := context.Background()
			c := newClient(t, e, 1000)
			before := fund(t, e, c.ID, tc.amount, tc.classes, false)

			added, err := e.AddPunch(ctx, trainer, c.ID, nil)
			require.NoError(t, err)
			removed, err := e.RemovePunch(ctx, trainer, added.Punch.ID)
			require.NoError(t, err)

			assert.Equal(t, before.Balance, removed.Client.Balance)
			assert.Equal(t, before.CreditBalance, removed.Client.CreditBalance)
			assert.True(t, removed.Punch.IsDeleted)
		})
	}
}

func TestRemovePunch_CreditRefund_FollowsPolicy(t *testing.T) {
	// GIVEN: A punch paid from credit at rate 1000, then the rate rises to 1200
	// WHEN: The punch is removed
	// THEN: current_rate refunds 1200; charged_rate refunds 1000

	for _, tc := range []struct {
		policy     ledger.RefundPolicy
		wantRefund money.Paise
	}{
		{ledger.RefundAtCurrentRate, 1200},
		{ledger.RefundAtChargedRate, 1000},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			e, _ := newTestEngine(t, ledger.WithRefundPolicy(tc.policy))
			ctx := context.Background()
			c := newClient(t, e, 1000)
			fund(t, e, c.ID, 1000, 0, false)

			added, err := e.AddPunch(ctx, trainer, c.ID, nil)
			require.NoError(t, err)
			require.True(t, added.Punch.PaidWithCredit)

			_, err = e.ChangeRate(ctx, trainer, c.ID, 1200, nil)
			require.NoError(t, err)

			removed, err := e.RemovePunch(ctx, trainer, added.Punch.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantRefund, removed.Client.CreditBalance)

			details, ok := removed.Audit.Details.(ledger.PunchRemoveDetails)
			require.True(t, ok)
			assert.Equal(t, tc.wantRefund, details.CreditRefunded)
			assert.Equal(t, string(tc.policy), details.RefundPolicy)
		})
	}
}

func TestRemovePunch_Twice_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)

	added, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)
	_, err = e.RemovePunch(ctx, trainer, added.Punch.ID)
	require.NoError(t, err)

	_, err = e.RemovePunch(ctx, trainer, added.Punch.ID)
	assert.True(t, ledger.IsNotFound(err))

	got, err := e.GetClient(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Classes(0), got.Balance, "second removal must not refund again")
}

// staleFirstReadStore serves the first punch read of each transaction as it
// was before removal, the way a read ahead of the client lock can see a row
// another writer is about to commit.
type staleFirstReadStore struct {
	*store.Memory
}

func (s staleFirstReadStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&staleFirstReadTx{Tx: tx})
	})
}

type staleFirstReadTx struct {
	ledger.Tx
	served bool
}

func (tx *staleFirstReadTx) GetPunch(ctx context.Context, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	p, err := tx.Tx.GetPunch(ctx, trainerID, id)
	if err == nil && !tx.served {
		tx.served = true
		stale := *p
		stale.IsDeleted = false
		return &stale, nil
	}
	return p, err
}

func TestRemovePunch_StaleReadBeforeLock_NotFound(t *testing.T) {
	// GIVEN: A punch already removed, and a transaction whose first punch
	//        read still sees it live
	// WHEN: The punch is removed or edited again
	// THEN: The read under the client lock wins: NotFound, no second refund

	mem := store.NewMemory()
	seed := ledger.NewEngine(mem, ledger.WithClock(ledger.FixedClock{At: now}))
	ctx := context.Background()
	c := newClient(t, seed, 1000)
	added, err := seed.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)
	_, err = seed.RemovePunch(ctx, trainer, added.Punch.ID)
	require.NoError(t, err)

	e := ledger.NewEngine(staleFirstReadStore{Memory: mem}, ledger.WithClock(ledger.FixedClock{At: now}))

	_, err = e.RemovePunch(ctx, trainer, added.Punch.ID)
	assert.True(t, ledger.IsNotFound(err), "got %v", err)
	_, err = e.EditPunch(ctx, trainer, added.Punch.ID, today().AddDays(-1))
	assert.True(t, ledger.IsNotFound(err), "got %v", err)

	got, err := e.GetClient(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Classes(0), got.Balance)
	trail, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 3, "client add, punch add, one removal")
}

func TestRemovePunch_HiddenFromDefaultListing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)

	first, err := e.AddPunch(ctx, trainer, c.ID, date(2026, time.October, 1))
	require.NoError(t, err)
	_, err = e.AddPunch(ctx, trainer, c.ID, date(2026, time.October, 10))
	require.NoError(t, err)
	_, err = e.RemovePunch(ctx, trainer, first.Punch.ID)
	require.NoError(t, err)

	live, total, err := e.ListPunches(ctx, trainer, c.ID, ledger.PunchFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, *date(2026, time.October, 10), live[0].PunchDate)

	all, total, err := e.ListPunches(ctx, trainer, c.ID, ledger.PunchFilter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, *date(2026, time.October, 10), all[0].PunchDate, "newest first")
}

// =============================================================================
// EDIT
// =============================================================================

func TestEditPunch_MovesDateOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	added, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)

	edited, err := e.EditPunch(ctx, trainer, added.Punch.ID, *date(2026, time.October, 1))
	require.NoError(t, err)
	assert.Equal(t, *date(2026, time.October, 1), edited.PunchDate)

	got, err := e.GetClient(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Classes(-1), got.Balance)

	trail, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.ActionPunchEdit, trail[0].Action)
	assert.Nil(t, trail[0].PreviousBalance, "edits carry no balance transition")
	details := trail[0].Details.(ledger.PunchEditDetails)
	assert.Equal(t, today(), details.OldDate)
}

func TestEditPunch_SameDate_WritesNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	added, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)

	_, err = e.EditPunch(ctx, trainer, added.Punch.ID, today())
	require.NoError(t, err)

	trail, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2, "CLIENT_ADD and PUNCH_ADD only")
}

func TestEditPunch_OutsideWindow_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	added, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)

	_, err = e.EditPunch(ctx, trainer, added.Punch.ID, *date(2026, time.June, 30))
	assert.True(t, ledger.IsValidation(err))

	_, err = e.EditPunch(ctx, trainer, added.Punch.ID, *date(2026, time.November, 1))
	assert.True(t, ledger.IsValidation(err))
}

func TestEditPunch_RemovedPunch_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	added, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)
	_, err = e.RemovePunch(ctx, trainer, added.Punch.ID)
	require.NoError(t, err)

	_, err = e.EditPunch(ctx, trainer, added.Punch.ID, *date(2026, time.October, 1))
	assert.True(t, ledger.IsNotFound(err))
}
