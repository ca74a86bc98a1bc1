package api

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/ledger/store"
	"github.com/warp/trainer-ledger/money"
)

// tamperedStore returns a client row whose balance no longer matches its
// audit history.
type tamperedStore struct {
	*store.Memory
	id ledger.ClientID
}

func (s tamperedStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(tamperedTx{Tx: tx, id: s.id})
	})
}

type tamperedTx struct {
	ledger.Tx
	id ledger.ClientID
}

func (tx tamperedTx) LockClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	c, err := tx.Tx.LockClient(ctx, trainerID, id, includeDeleted)
	if err == nil && id == tx.id {
		c.Balance = c.Balance.Add(money.Classes(5))
	}
	return c, err
}

func TestScheduler_ReportsDrift(t *testing.T) {
	// GIVEN: Two clients, one of which has a balance that disagrees with history
	// WHEN: A reconciliation run happens
	// THEN: Only that client is reported and the drift gauge is set

	mem := store.NewMemory()
	seed := ledger.NewEngine(mem, ledger.WithClock(ledger.FixedClock{At: now}))
	ctx := context.Background()

	good, err := seed.AddClient(ctx, trainer, ledger.NewClientInput{Name: "Asha", Rate: 50000})
	require.NoError(t, err)
	bad, err := seed.AddClient(ctx, "trainer-2", ledger.NewClientInput{Name: "Rohan", Rate: 50000})
	require.NoError(t, err)
	_, err = seed.AddPunch(ctx, trainer, good.Client.ID, nil)
	require.NoError(t, err)

	metrics := NewMetrics()
	engine := ledger.NewEngine(tamperedStore{Memory: mem, id: bad.Client.ID})
	rs := NewReconciliationScheduler(engine, metrics)
	rs.Workers = 2

	report := rs.RunNow(ctx)

	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, bad.Client.ID, report.Drifted[0].ClientID)
	assert.Equal(t, money.Classes(5), report.Drifted[0].Balance)
	assert.Equal(t, money.Classes(0), report.Drifted[0].ReplayBalance)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.driftClients))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("drift")))
}

func TestScheduler_StartStop(t *testing.T) {
	metrics := NewMetrics()
	engine := ledger.NewEngine(store.NewMemory())
	rs := NewReconciliationScheduler(engine, metrics)
	rs.CheckInterval = time.Hour

	rs.Start()
	// The first run happens immediately on start.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("ok")) == 1
	}, time.Second, 10*time.Millisecond)
	rs.Stop()
	rs.Stop()
}

func TestScheduler_Disabled(t *testing.T) {
	metrics := NewMetrics()
	rs := NewReconciliationScheduler(ledger.NewEngine(store.NewMemory()), metrics)
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("ok")))
}
