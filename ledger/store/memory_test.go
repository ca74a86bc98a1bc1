package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/ledger/ledgertest"
	"github.com/warp/trainer-ledger/ledger/store"
)

func TestMemory_StoreSuite(t *testing.T) {
	ledgertest.RunStoreSuite(t, func(*testing.T) ledger.TxStore {
		return store.NewMemory()
	})
}

func TestMemory_WithTx_CancelledContext(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_AppendAudit_RequiresDetails(t *testing.T) {
	m := store.NewMemory()
	err := m.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.AppendAudit(context.Background(), &ledger.AuditEntry{ID: "a", TrainerID: "t"})
	})
	require.Error(t, err)
	assert.True(t, ledger.IsValidation(err))
}
