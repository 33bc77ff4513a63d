/*
scheduler.go - Periodic balance reconciliation

PURPOSE:
  Replays every user's transaction log on a fixed interval and compares the
  result with the stored balance. Each pass is recorded as a
  ReconciliationRun so drift is visible through the API and as a metric.

DESIGN:
  - One background goroutine, ticking every Interval
  - A pass runs immediately on Start
  - Reconciliation only reports; it never rewrites a balance

USAGE:
  s := NewReconciliationScheduler(eng.Ledger, store, m, logger)
  s.Interval = cfg.Reconcile.Interval
  s.Start()
  defer s.Stop()

SEE ALSO:
  - ledger/ledger.go: VerifyAll
  - handlers.go: ListReconciliationRuns, RunReconciliation
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/metrics"
)

// Verifier replays balances. *ledger.DefaultLedger implements it.
type Verifier interface {
	VerifyAll(ctx context.Context) (int, []ledger.Discrepancy, error)
}

type ReconciliationScheduler struct {
	Verifier Verifier
	Runs     ledger.RunStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Interval time.Duration
	Enabled  bool
	Clock    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
}

func NewReconciliationScheduler(v Verifier, runs ledger.RunStore, m *metrics.Metrics, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Verifier: v,
		Runs:     runs,
		Metrics:  m,
		Logger:   logger.With("component", "reconciler"),
		Interval: time.Hour,
		Enabled:  true,
		Clock:    time.Now,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.loop()

	rs.Logger.Info("started", "interval", rs.Interval)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("stopped")
}

func (rs *ReconciliationScheduler) loop() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	rs.RunNow(ctx)
	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass and returns its record. The run is
// saved as "running" first and rewritten when it completes or fails.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (ledger.ReconciliationRun, error) {
	run := ledger.ReconciliationRun{
		ID:        uuid.NewString(),
		Status:    "running",
		StartedAt: rs.Clock().UTC(),
	}
	if err := rs.Runs.SaveReconciliationRun(ctx, run); err != nil {
		return run, fmt.Errorf("save run record: %w", err)
	}

	checked, found, err := rs.Verifier.VerifyAll(ctx)
	done := rs.Clock().UTC()
	run.CompletedAt = &done
	run.UsersChecked = checked
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		rs.Logger.Error("reconciliation failed", "run_id", run.ID, "error", err)
	} else {
		run.Status = "completed"
		run.Discrepancies = found
		for _, d := range found {
			rs.Logger.Warn("balance drift", "run_id", run.ID,
				"user_id", d.UserID, "balance", d.Balance, "replayed", d.Replayed)
		}
		rs.Logger.Info("reconciliation completed", "run_id", run.ID,
			"users_checked", checked, "mismatches", len(found))
	}
	rs.Metrics.Reconciled(run.Status, len(run.Discrepancies))

	rs.lastMu.Lock()
	rs.lastRun = done
	rs.lastMu.Unlock()

	if saveErr := rs.Runs.SaveReconciliationRun(ctx, run); saveErr != nil {
		return run, fmt.Errorf("update run record: %w", saveErr)
	}
	return run, err
}

// NextRunTime returns when the next scheduled pass is due, or nil when the
// scheduler is not running.
func (rs *ReconciliationScheduler) NextRunTime() *time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker == nil {
		return nil
	}
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	next := rs.lastRun.Add(rs.Interval)
	return &next
}
