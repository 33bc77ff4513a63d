package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/engine"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
	"github.com/warp/loyalty-engine/metrics"
)

var errCommit = errors.New("commit failed")

// commitFailingStore runs each unit normally, then, while fail is set,
// reports a commit failure so every write of the unit is rolled back.
type commitFailingStore struct {
	*store.Memory
	fail atomic.Bool
}

func (s *commitFailingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if !s.fail.Load() {
		return s.Memory.WithTx(ctx, fn)
	}
	return s.Memory.WithTx(ctx, func(tx ledger.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommit
	})
}

func TestEngine_ReportsOnlyCommittedUnits(t *testing.T) {
	// GIVEN: One committed purchase, then a store whose commits fail
	// WHEN: Another purchase and a quarantine toggle run
	// THEN: Both fail, neither is counted or applied, and the failure is
	//       recorded as an internal rejection

	s := &commitFailingStore{Memory: store.NewMemory()}
	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(s, engine.Config{
		Metrics: m,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   func() time.Time { return now },
	})
	ctx := context.Background()
	for _, id := range []ledger.UserID{cashier, 1} {
		_, err := eng.Ledger.OpenAccount(ctx, ledger.User{ID: id, Verified: true})
		require.NoError(t, err)
	}
	purchase := engine.PurchaseRequest{SpenderID: 1, CashierID: cashier, Spent: decimal.RequireFromString("5.00")}

	first, err := eng.CreatePurchase(ctx, purchase)
	require.NoError(t, err)
	purchases := m.Transactions.WithLabelValues(string(ledger.TxPurchase))
	assert.Equal(t, 1.0, testutil.ToFloat64(purchases))

	s.fail.Store(true)
	_, err = eng.CreatePurchase(ctx, purchase)
	require.ErrorIs(t, err, errCommit)
	_, err = eng.SetSuspicious(ctx, first.ID, true)
	require.ErrorIs(t, err, errCommit)

	assert.Equal(t, 1.0, testutil.ToFloat64(purchases))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QuarantineToggles.WithLabelValues("quarantine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("purchase", "internal")))

	b, err := eng.Ledger.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(20), b)
}
