/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically replays every live client's audit trail and compares it
  with the stored balance and credit. A disagreement means a write path
  moved a balance without the matching audit row (or the reverse), which
  must never happen, so it is logged at error level and exported as a gauge.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run fans out over clients with a bounded pond worker pool
  - Reconciliation is read-only; it never repairs a balance

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Workers:       Concurrent client replays (default: 4)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, metrics)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/replay.go: Replay, ReconcileClient
  - handlers.go: GET /api/clients/{id}/reconcile (single client)
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/logger"
)

var errDrift = errors.New("client balance disagrees with audit history")

// ReconciliationScheduler replays audit trails in the background.
type ReconciliationScheduler struct {
	Engine        *ledger.Engine
	Metrics       *Metrics
	CheckInterval time.Duration
	Workers       int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// ReconcileReport summarizes one run.
type ReconcileReport struct {
	Checked int
	Drifted []ledger.Drift
	Errors  int
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *ledger.Engine, metrics *Metrics) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Engine:        engine,
		Metrics:       metrics,
		CheckInterval: 1 * time.Hour,
		Workers:       4,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		logger.Info("Reconciliation scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	logger.Info("Reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		logger.Info("Reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow reconciles every live client once.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	clients, err := rs.Engine.AllClients(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("list clients for reconciliation: %w", err))
		if rs.Metrics != nil {
			rs.Metrics.recordReconcile(0, true)
		}
		report.Errors++
		return report
	}

	workers := rs.Workers
	if workers <= 0 {
		workers = 1
	}
	pool := pond.NewPool(workers, pond.WithContext(ctx))

	var (
		mu      sync.Mutex
		drifted []ledger.Drift
		failed  atomic.Int32
	)
	for _, c := range clients {
		pool.Submit(func() {
			drift, err := rs.Engine.Reconcile(ctx, c.TrainerID, c.ID)
			if err != nil {
				failed.Add(1)
				logger.ErrorCtx(ctx, err,
					zap.String("trainer_id", string(c.TrainerID)),
					zap.String("client_id", string(c.ID)),
				)
				return
			}
			if drift.OK() {
				return
			}
			logger.ErrorCtx(ctx, errDrift,
				zap.String("trainer_id", string(drift.TrainerID)),
				zap.String("client_id", string(drift.ClientID)),
				zap.Int64("balance", int64(drift.Balance)),
				zap.Int64("replay_balance", int64(drift.ReplayBalance)),
				zap.Int64("credit", int64(drift.Credit)),
				zap.Int64("replay_credit", int64(drift.ReplayCredit)),
				zap.Int("chain_breaks", len(drift.Breaks)),
				zap.Int("column_mismatches", len(drift.Columns)),
			)
			mu.Lock()
			drifted = append(drifted, *drift)
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	report.Checked = len(clients)
	report.Drifted = drifted
	report.Errors = int(failed.Load())

	if rs.Metrics != nil {
		rs.Metrics.recordReconcile(len(drifted), report.Errors > 0)
	}
	logger.InfoCtx(ctx, "Reconciliation completed",
		zap.Int("checked", report.Checked),
		zap.Int("drifted", len(report.Drifted)),
		zap.Int("errors", report.Errors),
	)
	return report
}
