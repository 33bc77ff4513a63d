package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T, users ...ledger.User) (*ledger.DefaultLedger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.NewLedger(mem)
	l.Clock = func() time.Time { return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC) }
	for _, u := range users {
		_, err := l.OpenAccount(context.Background(), u)
		require.NoError(t, err)
	}
	return l, mem
}

func user(id ledger.UserID, points ledger.Points) ledger.User {
	return ledger.User{ID: id, Name: "user", Points: points, Verified: true}
}

// =============================================================================
// APPLY DELTA
// =============================================================================

func TestLedger_ApplyDelta_GuardedDebitRejected(t *testing.T) {
	// GIVEN: User with 40 points
	// WHEN: A guarded debit of 50 is applied
	// THEN: InsufficientBalanceError, balance unchanged

	l, _ := newTestLedger(t, user(1, 40))
	ctx := context.Background()

	_, err := l.ApplyDelta(ctx, 1, -50, ledger.RequireNonNegative)
	require.Error(t, err)

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, ledger.Points(40), ib.Available)
	assert.Equal(t, ledger.Points(50), ib.Requested)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := l.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(40), balance)
}

func TestLedger_ApplyDelta_UnguardedMayGoNegative(t *testing.T) {
	l, _ := newTestLedger(t, user(1, 10))

	balance, err := l.ApplyDelta(context.Background(), 1, -25, ledger.AllowNegative)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(-15), balance)
}

func TestLedger_ApplyDelta_UnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.ApplyDelta(context.Background(), 99, 5, ledger.AllowNegative)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func TestLedger_Atomic_RollbackOnError(t *testing.T) {
	// GIVEN: A unit that credits, appends, then fails
	// WHEN: The unit returns an error
	// THEN: Neither the credit nor the record survive

	l, mem := newTestLedger(t, user(1, 100))
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.Atomic(ctx, []ledger.UserID{1}, func(tx *ledger.Tx) error {
		if _, err := tx.ApplyDelta(ctx, 1, 30, ledger.AllowNegative); err != nil {
			return err
		}
		if err := tx.Append(ctx, &ledger.Transaction{UserID: 1, Type: ledger.TxAdjustment, Amount: 30}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := mem.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(100), u.Points)

	txs, err := mem.ListTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1, "only the opening balance")
	assert.Equal(t, ledger.TxOpening, txs[0].Type)
}

func TestLedger_Atomic_RejectsUnlockedUser(t *testing.T) {
	l, _ := newTestLedger(t, user(1, 100), user(2, 0))
	ctx := context.Background()

	err := l.Atomic(ctx, []ledger.UserID{1}, func(tx *ledger.Tx) error {
		_, err := tx.ApplyDelta(ctx, 2, 10, ledger.AllowNegative)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotLocked)
}

func TestLedger_AppendLinked_ReferencesEachOther(t *testing.T) {
	l, mem := newTestLedger(t, user(1, 150), user(2, 0))
	ctx := context.Background()

	debit := &ledger.Transaction{UserID: 1, Type: ledger.TxTransfer, Amount: -100}
	credit := &ledger.Transaction{UserID: 2, Type: ledger.TxTransfer, Amount: 100}
	err := l.Atomic(ctx, []ledger.UserID{2, 1}, func(tx *ledger.Tx) error {
		return tx.AppendLinked(ctx, debit, credit)
	})
	require.NoError(t, err)

	require.NotNil(t, debit.RelatedID)
	require.NotNil(t, credit.RelatedID)
	assert.Equal(t, credit.ID, *debit.RelatedID)
	assert.Equal(t, debit.ID, *credit.RelatedID)

	stored, err := mem.GetTransaction(ctx, credit.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RelatedID)
	assert.Equal(t, debit.ID, *stored.RelatedID)
}

func TestLedger_Append_UnknownType(t *testing.T) {
	l, _ := newTestLedger(t, user(1, 0))

	err := l.Append(context.Background(), &ledger.Transaction{UserID: 1, Type: "gift", Amount: 5})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestLedger_ReservedRedemptions_OnlyPending(t *testing.T) {
	l, mem := newTestLedger(t, user(1, 100))
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, &ledger.Transaction{UserID: 1, Type: ledger.TxRedemption, Amount: -30}))
	settled := &ledger.Transaction{UserID: 1, Type: ledger.TxRedemption, Amount: -20}
	require.NoError(t, l.Append(ctx, settled))
	require.NoError(t, mem.SetRedemptionState(ctx, settled.ID, true, false))

	reserved, err := l.ReservedRedemptions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(30), reserved)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentGuardedDebits_NoOverdraft(t *testing.T) {
	// GIVEN: User with 100 points
	// WHEN: 10 goroutines each try to debit 30
	// THEN: Exactly 3 succeed and the balance ends at 10

	l, _ := newTestLedger(t, user(1, 100))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ApplyDelta(ctx, 1, -30, ledger.RequireNonNegative); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	balance, err := l.CurrentBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(10), balance)
}

func TestLedger_OppositeTransfers_NoDeadlock(t *testing.T) {
	l, _ := newTestLedger(t, user(1, 1000), user(2, 1000))
	ctx := context.Background()

	move := func(from, to ledger.UserID) error {
		return l.Atomic(ctx, []ledger.UserID{from, to}, func(tx *ledger.Tx) error {
			if _, err := tx.ApplyDelta(ctx, from, -1, ledger.RequireNonNegative); err != nil {
				return err
			}
			_, err := tx.ApplyDelta(ctx, to, 1, ledger.AllowNegative)
			return err
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); assert.NoError(t, move(1, 2)) }()
		go func() { defer wg.Done(); assert.NoError(t, move(2, 1)) }()
	}
	wg.Wait()

	a, _ := l.CurrentBalance(ctx, 1)
	b, _ := l.CurrentBalance(ctx, 2)
	assert.Equal(t, ledger.Points(2000), a+b)
	assert.Equal(t, 0, l.Locks.Len(), "lock table drained")
}

// =============================================================================
// OPENING ACCOUNTS
// =============================================================================

func TestLedger_OpenAccount_RecordsOpeningBalance(t *testing.T) {
	// GIVEN: A new account opened with 150 points
	// WHEN: 100 of them are moved to another account and the log is replayed
	// THEN: The opening record backs the balance and no drift is reported

	l, mem := newTestLedger(t, user(1, 150), user(2, 0))
	ctx := context.Background()

	txs, err := mem.ListTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxOpening, txs[0].Type)
	assert.Equal(t, ledger.Points(150), txs[0].Amount)

	empty, err := mem.ListTransactions(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, empty, "zero opening balance writes no record")

	err = l.Atomic(ctx, []ledger.UserID{1, 2}, func(tx *ledger.Tx) error {
		if _, err := tx.ApplyDelta(ctx, 1, -100, ledger.RequireNonNegative); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, 2, 100, ledger.AllowNegative); err != nil {
			return err
		}
		return tx.AppendLinked(ctx,
			&ledger.Transaction{UserID: 1, Type: ledger.TxTransfer, Amount: -100},
			&ledger.Transaction{UserID: 2, Type: ledger.TxTransfer, Amount: 100})
	})
	require.NoError(t, err)

	_, found, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestLedger_OpenAccount_ExistingIDRejected(t *testing.T) {
	l, mem := newTestLedger(t, user(1, 40))
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, user(1, 500))
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	u, err := mem.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(40), u.Points)
	txs, err := mem.ListTransactions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestLedger_VerifyAll_ReportsDrift(t *testing.T) {
	// GIVEN: One consistent user and one whose balance was overwritten
	// WHEN: VerifyAll runs
	// THEN: Only the drifted user is reported

	l, mem := newTestLedger(t, user(1, 0), user(2, 0))
	ctx := context.Background()

	for _, id := range []ledger.UserID{1, 2} {
		err := l.Atomic(ctx, []ledger.UserID{id}, func(tx *ledger.Tx) error {
			if err := tx.Append(ctx, &ledger.Transaction{UserID: id, Type: ledger.TxAdjustment, Amount: 25}); err != nil {
				return err
			}
			_, err := tx.ApplyDelta(ctx, id, 25, ledger.AllowNegative)
			return err
		})
		require.NoError(t, err)
	}
	require.NoError(t, mem.SetPoints(ctx, 2, 99))

	checked, found, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	require.Len(t, found, 1)
	assert.Equal(t, ledger.Discrepancy{UserID: 2, Balance: 99, Replayed: 25}, found[0])
}

func TestAppliedSum(t *testing.T) {
	txs := []ledger.Transaction{
		{Type: ledger.TxPurchase, Amount: 40},
		{Type: ledger.TxPurchase, Amount: 10, Quarantined: true},
		{Type: ledger.TxRedemption, Amount: -5, Settled: true},
		{Type: ledger.TxRedemption, Amount: -7},
		{Type: ledger.TxTransfer, Amount: -3},
		{Type: ledger.TxAdjustment, Amount: -2},
		{Type: ledger.TxEventReward, Amount: 6},
		{Type: ledger.TxOpening, Amount: 100},
	}
	assert.Equal(t, ledger.Points(136), ledger.AppliedSum(txs))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "invalid_input", ledger.Code(ledger.Invalid("amount", "must be positive")))
	assert.Equal(t, "invalid_promotion", ledger.Code(&ledger.PromotionError{PromotionID: 1, Reason: ledger.RejectInactive}))
	assert.Equal(t, "insufficient_balance", ledger.Code(&ledger.InsufficientBalanceError{}))
	assert.Equal(t, "invalid_state", ledger.Code(ledger.ErrBudgetExhausted))
	assert.Equal(t, "not_found", ledger.Code(ledger.UserNotFound(3)))
	assert.Equal(t, "internal", ledger.Code(errors.New("disk full")))
}
