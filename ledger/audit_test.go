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
// AUDIT COMPLETENESS
// =============================================================================

func TestAudit_EveryBalanceMoveHasOneRowWithTransition(t *testing.T) {
	// GIVEN: A mixed sequence of payments, punches, removals and a rate change
	// WHEN: Each operation runs
	// THEN: Each balance-moving call adds exactly one row whose previous/new
	//       values match the client before and after the call

	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)

	countRows := func() int {
		trail, err := e.AuditTrail(ctx, trainer, c.ID)
		require.NoError(t, err)
		return len(trail)
	}

	check := func(before ledger.Client, after ledger.Client, entry ledger.AuditEntry) {
		t.Helper()
		require.NotNil(t, entry.PreviousBalance)
		assert.Equal(t, before.Balance, *entry.PreviousBalance)
		assert.Equal(t, after.Balance, *entry.NewBalance)
		assert.Equal(t, before.CreditBalance, *entry.PreviousCredit)
		assert.Equal(t, after.CreditBalance, *entry.NewCredit)
	}

	classes := money.Classes(2)
	steps := []func(before ledger.Client) (ledger.Client, ledger.AuditEntry){
		func(ledger.Client) (ledger.Client, ledger.AuditEntry) {
			res, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{Amount: 2500, ClassesAdded: &classes})
			require.NoError(t, err)
			return res.Client, res.Audit
		},
		func(ledger.Client) (ledger.Client, ledger.AuditEntry) {
			res, err := e.AddPunch(ctx, trainer, c.ID, nil)
			require.NoError(t, err)
			return res.Client, res.Audit
		},
		func(ledger.Client) (ledger.Client, ledger.AuditEntry) {
			res, err := e.AddPunch(ctx, trainer, c.ID, nil)
			require.NoError(t, err)
			return res.Client, res.Audit
		},
		func(ledger.Client) (ledger.Client, ledger.AuditEntry) {
			res, err := e.AddPunch(ctx, trainer, c.ID, nil)
			require.NoError(t, err)
			return res.Client, res.Audit
		},
	}

	before := c
	for _, step := range steps {
		rows := countRows()
		after, entry := step(before)
		assert.Equal(t, rows+1, countRows())
		check(before, after, entry)
		before = after
	}

	assert.Equal(t, money.Classes(-1), before.Balance)
	assert.Equal(t, money.Paise(500), before.CreditBalance)

	drift, err := e.Reconcile(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.True(t, drift.OK())
}

func TestAuditTrail_RepeatableAndNewestFirst(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 1000, 1, false)
	_, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)

	first, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)
	second, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, ledger.ActionPunchAdd, first[0].Action)
	assert.Equal(t, ledger.ActionClientAdd, first[2].Action)
}

// =============================================================================
// REPLAY
// =============================================================================

func TestReplay_DetectsDrift(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 3000, 3, false)

	trail, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)

	got, err := e.GetClient(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.True(t, ledger.ReconcileClient(*got, trail).OK())

	tampered := *got
	tampered.Balance = 7
	drift := ledger.ReconcileClient(tampered, trail)
	assert.False(t, drift.OK())
	assert.Equal(t, money.Classes(3), drift.ReplayBalance)
}

func TestReplay_ReportsChainBreaks(t *testing.T) {
	prev, next := money.Classes(0), money.Classes(5)
	wrong := money.Classes(4)
	zero := money.Paise(0)
	entries := []ledger.AuditEntry{
		{
			ID: "01", Action: ledger.ActionPaymentAdd, CreatedAt: now,
			Details:         ledger.PaymentAddDetails{ClassesAdded: 5},
			PreviousBalance: &prev, NewBalance: &next, PreviousCredit: &zero, NewCredit: &zero,
		},
		{
			ID: "02", Action: ledger.ActionPunchAdd, CreatedAt: now.Add(time.Minute),
			Details:         ledger.PunchAddDetails{},
			PreviousBalance: &wrong, NewBalance: &wrong, PreviousCredit: &zero, NewCredit: &zero,
		},
	}

	r := ledger.Replay(entries)
	assert.Equal(t, money.Classes(4), r.Balance)
	assert.Equal(t, 2, r.Rows)
	require.Len(t, r.Breaks, 1)
	assert.Equal(t, ledger.ChainBreak{AuditID: "02", Field: "previous_balance", Expected: 5, Recorded: 4}, r.Breaks[0])
}

// =============================================================================
// DETAILS ENCODING
// =============================================================================

func TestDetails_EncodeDecode(t *testing.T) {
	in := ledger.PunchRemoveDetails{
		PunchID:        "p-1",
		PunchDate:      ledger.NewDate(2026, time.October, 3),
		PaidWithCredit: true,
		CreditRefunded: 1200,
		RefundPolicy:   string(ledger.RefundAtCurrentRate),
	}
	raw, err := ledger.EncodeDetails(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"punch_date":"2026-10-03"`)

	out, err := ledger.DecodeDetails(ledger.ActionPunchRemove, raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDetails_UnknownAction_Rejected(t *testing.T) {
	_, err := ledger.DecodeDetails("PUNCH_TELEPORT", []byte(`{}`))
	assert.ErrorIs(t, err, ledger.ErrUnknownAction)
	assert.False(t, ledger.Action("PUNCH_TELEPORT").Valid())
}

// =============================================================================
// TIMELINE AND CREDIT FLAGS
// =============================================================================

func TestBuildTimeline_GroupsByLocalMonth(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	entries := []ledger.AuditEntry{
		// 1 Nov 00:30 IST
		{ID: "3", Action: ledger.ActionClientDelete, Details: ledger.ClientDeleteDetails{Name: "Asha"},
			CreatedAt: time.Date(2026, time.October, 31, 19, 0, 0, 0, time.UTC)},
		{ID: "2", Action: ledger.ActionPunchAdd, Details: ledger.PunchAddDetails{PunchDate: ledger.NewDate(2026, time.October, 2)},
			CreatedAt: time.Date(2026, time.October, 2, 6, 0, 0, 0, time.UTC)},
		{ID: "1", Action: ledger.ActionClientAdd, Details: ledger.ClientAddDetails{Name: "Asha", Rate: 50000},
			CreatedAt: time.Date(2026, time.September, 30, 6, 0, 0, 0, time.UTC)},
	}

	months := ledger.BuildTimeline(entries, ist)
	require.Len(t, months, 3)
	assert.Equal(t, "2026-11", months[0].Month)
	assert.Equal(t, "October 2026", months[1].Label)
	assert.Equal(t, "Class on 2 Oct 2026", months[1].Entries[0].Description)
	assert.Equal(t, "Added Asha at ₹500 per class", months[2].Entries[0].Description)
}

func TestCreditFlagsFromAudit_MatchesStoredColumns(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := newClient(t, e, 1000)
	fund(t, e, c.ID, 1500, 0, false)

	withCredit, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)
	withoutCredit, err := e.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)

	trail, err := e.AuditTrail(ctx, trainer, c.ID)
	require.NoError(t, err)

	flags := ledger.CreditFlagsFromAudit(trail, []string{string(withCredit.Punch.ID), string(withoutCredit.Punch.ID)})
	require.Len(t, flags, 2)
	assert.True(t, flags[string(withCredit.Punch.ID)].PaidWithCredit)
	assert.Equal(t, money.Paise(1000), flags[string(withCredit.Punch.ID)].CreditCharged)
	assert.False(t, flags[string(withoutCredit.Punch.ID)].PaidWithCredit)

	all := ledger.CreditFlagsFromAudit(trail, nil)
	assert.Len(t, all, 3, "two punches and one payment")
}

// flippedColumnStore serves one punch with its paid_with_credit column
// inverted, as a row written without the column would read back.
type flippedColumnStore struct {
	*store.Memory
	punch ledger.PunchID
}

func (s flippedColumnStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(flippedColumnTx{Tx: tx, punch: s.punch})
	})
}

type flippedColumnTx struct {
	ledger.Tx
	punch ledger.PunchID
}

func (tx flippedColumnTx) ListPunches(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	punches, total, err := tx.Tx.ListPunches(ctx, trainerID, clientID, filter)
	for i := range punches {
		if punches[i].ID == tx.punch {
			punches[i].PaidWithCredit = !punches[i].PaidWithCredit
		}
	}
	return punches, total, err
}

func TestReconcile_CreditColumnMismatch_Reported(t *testing.T) {
	// GIVEN: A punch paid from credit whose stored column says otherwise
	// WHEN: The client is reconciled
	// THEN: Balances agree but the column mismatch makes the drift not OK

	mem := store.NewMemory()
	seed := ledger.NewEngine(mem, ledger.WithClock(ledger.FixedClock{At: now}))
	ctx := context.Background()
	c := newClient(t, seed, 1000)
	fund(t, seed, c.ID, 1500, 0, false)
	punch, err := seed.AddPunch(ctx, trainer, c.ID, nil)
	require.NoError(t, err)
	require.True(t, punch.Punch.PaidWithCredit)

	clean, err := seed.Reconcile(ctx, trainer, c.ID)
	require.NoError(t, err)
	assert.True(t, clean.OK(), "%+v", clean)
	assert.Empty(t, clean.Columns)

	e := ledger.NewEngine(flippedColumnStore{Memory: mem, punch: punch.Punch.ID})
	drift, err := e.Reconcile(ctx, trainer, c.ID)
	require.NoError(t, err)

	assert.False(t, drift.OK())
	assert.Equal(t, drift.Balance, drift.ReplayBalance)
	assert.Equal(t, drift.Credit, drift.ReplayCredit)
	require.Len(t, drift.Columns, 1)
	assert.Equal(t, "punch", drift.Columns[0].Kind)
	assert.Equal(t, string(punch.Punch.ID), drift.Columns[0].ID)
	assert.False(t, drift.Columns[0].Stored.PaidWithCredit)
	require.NotNil(t, drift.Columns[0].Audit)
	assert.True(t, drift.Columns[0].Audit.PaidWithCredit)
}

func TestCheckCreditColumns_RowWithoutAudit(t *testing.T) {
	payments := []ledger.Payment{{ID: "pay-1", CreditUsed: 200}}

	got := ledger.CheckCreditColumns(nil, payments, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "payment", got[0].Kind)
	assert.Nil(t, got[0].Audit)
	assert.Equal(t, money.Paise(200), got[0].Stored.CreditUsed)
}
