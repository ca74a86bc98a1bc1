// Package ledgertest holds a behavioural suite that every ledger.TxStore
// implementation must pass. Store packages call RunStoreSuite from their
// own tests with a constructor for a fresh, empty store.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/money"
)

const trainer = ledger.TrainerID("trainer-suite")

// Now is the fixed instant the suite runs at.
var Now = time.Date(2026, time.October, 15, 9, 30, 0, 0, time.UTC)

// RunStoreSuite exercises a TxStore through the engine.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) ledger.TxStore) {
	engine := func(t *testing.T) (*ledger.Engine, ledger.TxStore) {
		s := newStore(t)
		return ledger.NewEngine(s, ledger.WithClock(ledger.FixedClock{At: Now})), s
	}

	t.Run("ClientRoundTrip", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()

		res, err := e.AddClient(ctx, trainer, ledger.NewClientInput{Name: "Kiran", Phone: "9876543210", Rate: 75000})
		require.NoError(t, err)

		got, err := s.GetClient(ctx, trainer, res.Client.ID, false)
		require.NoError(t, err)
		assert.Equal(t, "Kiran", got.Name)
		assert.Equal(t, "9876543210", got.Phone)
		assert.Equal(t, money.Paise(75000), got.CurrentRate)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.CreatedAt.Equal(Now))

		_, err = s.GetClient(ctx, "someone-else", res.Client.ID, false)
		assert.True(t, ledger.IsNotFound(err))
	})

	t.Run("LedgerFlowReplays", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)

		classes := money.Classes(2)
		_, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{Amount: 2500, ClassesAdded: &classes})
		require.NoError(t, err)

		var punchIDs []ledger.PunchID
		for range 3 {
			res, err := e.AddPunch(ctx, trainer, c.ID, nil)
			require.NoError(t, err)
			punchIDs = append(punchIDs, res.Punch.ID)
		}
		_, err = e.RemovePunch(ctx, trainer, punchIDs[0])
		require.NoError(t, err)
		_, err = e.ChangeRate(ctx, trainer, c.ID, 1200, nil)
		require.NoError(t, err)

		got, err := s.GetClient(ctx, trainer, c.ID, false)
		require.NoError(t, err)
		assert.Equal(t, money.Classes(0), got.Balance)
		assert.Equal(t, money.Paise(500), got.CreditBalance)
		assert.Equal(t, money.Paise(1200), got.CurrentRate)

		trail, err := s.ListAudit(ctx, trainer, c.ID)
		require.NoError(t, err)
		require.Len(t, trail, 7)
		assert.Equal(t, ledger.ActionRateChange, trail[0].Action, "newest first")
		assert.Equal(t, ledger.ActionClientAdd, trail[6].Action)

		removal, ok := trail[1].Details.(ledger.PunchRemoveDetails)
		require.True(t, ok, "details decode to their typed payload")
		assert.Equal(t, punchIDs[0], removal.PunchID)

		drift := ledger.ReconcileClient(*got, trail)
		assert.True(t, drift.OK(), "%+v", drift)

		history, err := s.ListRateHistory(ctx, trainer, c.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, money.Paise(1000), history[0].Rate)
	})

	t.Run("PunchListing", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)

		for day := 1; day <= 5; day++ {
			d := ledger.NewDate(2026, time.October, day)
			_, err := e.AddPunch(ctx, trainer, c.ID, &d)
			require.NoError(t, err)
		}
		all, _, err := s.ListPunches(ctx, trainer, c.ID, ledger.PunchFilter{Page: ledger.Page{Limit: 10}})
		require.NoError(t, err)
		_, err = e.RemovePunch(ctx, trainer, all[0].ID)
		require.NoError(t, err)

		page, total, err := s.ListPunches(ctx, trainer, c.ID, ledger.PunchFilter{Page: ledger.Page{Limit: 2, Offset: 1}})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, page, 2)
		assert.Equal(t, ledger.NewDate(2026, time.October, 3), page[0].PunchDate)

		_, total, err = s.ListPunches(ctx, trainer, c.ID, ledger.PunchFilter{IncludeRemoved: true, Page: ledger.Page{Limit: 10}})
		require.NoError(t, err)
		assert.Equal(t, 5, total)

		p, err := s.GetPunch(ctx, trainer, all[0].ID)
		require.NoError(t, err)
		assert.True(t, p.IsDeleted)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)

		err := s.WithTx(ctx, func(tx ledger.Tx) error {
			stale := c
			stale.Version = 99
			return tx.UpdateClient(ctx, &stale)
		})
		assert.ErrorIs(t, err, ledger.ErrConflict)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)

		err := s.WithTx(ctx, func(tx ledger.Tx) error {
			locked, err := tx.LockClient(ctx, trainer, c.ID, false)
			if err != nil {
				return err
			}
			locked.Balance = 42
			if err := tx.UpdateClient(ctx, locked); err != nil {
				return err
			}
			return &ledger.ValidationError{Field: "test", Reason: "abort"}
		})
		require.True(t, ledger.IsValidation(err))

		got, err := s.GetClient(ctx, trainer, c.ID, false)
		require.NoError(t, err)
		assert.Equal(t, money.Classes(0), got.Balance)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("ConcurrentPunches", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.AddPunch(ctx, trainer, c.ID, nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetClient(ctx, trainer, c.ID, false)
		require.NoError(t, err)
		assert.Equal(t, money.Classes(-20), got.Balance)

		trail, err := s.ListAudit(ctx, trainer, c.ID)
		require.NoError(t, err)
		assert.True(t, ledger.ReconcileClient(*got, trail).OK())
	})

	t.Run("ConcurrentRemovesReverseOnce", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)
		classes := money.Classes(1)
		_, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{Amount: 1000, ClassesAdded: &classes})
		require.NoError(t, err)
		punch, err := e.AddPunch(ctx, trainer, c.ID, nil)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.RemovePunch(ctx, trainer, punch.Punch.ID)
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.True(t, ledger.IsNotFound(err) || ledger.IsRetryable(err), "unexpected error: %v", err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)

		got, err := s.GetClient(ctx, trainer, c.ID, false)
		require.NoError(t, err)
		assert.Equal(t, money.Classes(1), got.Balance, "one class back, not more")

		trail, err := s.ListAudit(ctx, trainer, c.ID)
		require.NoError(t, err)
		removals := 0
		for _, entry := range trail {
			if entry.Action == ledger.ActionPunchRemove {
				removals++
			}
		}
		assert.Equal(t, 1, removals)
		assert.True(t, ledger.ReconcileClient(*got, trail).OK())
	})

	t.Run("ReconcileDuringWrites", func(t *testing.T) {
		e, _ := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)
		classes := money.Classes(5)
		_, err := e.AddPayment(ctx, trainer, c.ID, ledger.PaymentInput{Amount: 7500, ClassesAdded: &classes})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range 20 {
				_, err := e.AddPunch(ctx, trainer, c.ID, nil)
				assert.NoError(t, err)
			}
		}()

		for running := true; running; {
			select {
			case <-done:
				running = false
			default:
			}
			drift, err := e.Reconcile(ctx, trainer, c.ID)
			require.NoError(t, err)
			assert.True(t, drift.OK(), "consistent ledger reported as drifted: %+v", drift)
		}
	})

	t.Run("UpdateRemovedPunchIsNotFound", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		c := addClient(t, e, 1000)
		res, err := e.AddPunch(ctx, trainer, c.ID, nil)
		require.NoError(t, err)
		removed, err := e.RemovePunch(ctx, trainer, res.Punch.ID)
		require.NoError(t, err)

		err = s.WithTx(ctx, func(tx ledger.Tx) error {
			again := removed.Punch
			return tx.UpdatePunch(ctx, &again)
		})
		assert.True(t, ledger.IsNotFound(err))
	})

	t.Run("AllClientsSkipsDeleted", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		keep := addClient(t, e, 1000)
		gone := addClient(t, e, 1000)
		_, err := e.DeleteClient(ctx, trainer, gone.ID)
		require.NoError(t, err)

		all, err := s.AllClients(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, keep.ID, all[0].ID)
	})
}

func addClient(t *testing.T, e *ledger.Engine, rate money.Paise) ledger.Client {
	t.Helper()
	res, err := e.AddClient(context.Background(), trainer, ledger.NewClientInput{Name: "Suite", Rate: rate})
	require.NoError(t, err)
	return res.Client
}
