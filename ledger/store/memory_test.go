package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
)

func TestMemory_WithTx_RollsBackEveryWrite(t *testing.T) {
	// GIVEN: A user, a promotion and an event budget
	// WHEN: A unit writes to all of them and then fails
	// THEN: Every table is back to its previous state

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveUser(ctx, ledger.User{ID: 1, Points: 10}))
	promo := &ledger.Promotion{Name: "spring", Type: ledger.PromotionOneTime}
	require.NoError(t, m.SavePromotion(ctx, promo))
	require.NoError(t, m.SaveEvent(ctx, ledger.Event{ID: 4, PointsRemain: 100}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s ledger.Store) error {
		tx := &ledger.Transaction{UserID: 1, Type: ledger.TxPurchase, Amount: 5, PromotionIDs: []ledger.PromotionID{promo.ID}}
		require.NoError(t, s.AppendTransaction(ctx, tx))
		require.NoError(t, s.RecordPromotionUse(ctx, 1, []ledger.PromotionID{promo.ID}))
		require.NoError(t, s.SetPoints(ctx, 1, 15))
		_, err := s.ConsumeEventBudget(ctx, 4, 60)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := m.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(10), u.Points)

	txs, err := m.ListTransactions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, txs)

	used, err := m.HasUsedPromotion(ctx, 1, promo.ID)
	require.NoError(t, err)
	assert.False(t, used)

	referenced, err := m.PromotionReferenced(ctx, promo.ID)
	require.NoError(t, err)
	assert.False(t, referenced)

	e, err := m.GetEvent(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(100), e.PointsRemain)
	assert.Equal(t, ledger.Points(0), e.PointsAwarded)
}

func TestMemory_ConsumeEventBudget_Exhausted(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveEvent(ctx, ledger.Event{ID: 1, PointsRemain: 10}))

	_, err := m.ConsumeEventBudget(ctx, 1, 11)
	assert.ErrorIs(t, err, ledger.ErrBudgetExhausted)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	e, err := m.ConsumeEventBudget(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(0), e.PointsRemain)
	assert.Equal(t, ledger.Points(10), e.PointsAwarded)
}

func TestMemory_PendingRedemptionTotal(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveUser(ctx, ledger.User{ID: 1}))

	for _, amt := range []ledger.Points{-30, -20} {
		require.NoError(t, m.AppendTransaction(ctx, &ledger.Transaction{UserID: 1, Type: ledger.TxRedemption, Amount: amt}))
	}
	require.NoError(t, m.SetRedemptionState(ctx, 2, true, false))

	total, err := m.PendingRedemptionTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(30), total)
}

func TestMemory_ReconciliationRuns_NewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.SaveReconciliationRun(ctx, ledger.ReconciliationRun{ID: id, Status: "running"}))
	}
	require.NoError(t, m.SaveReconciliationRun(ctx, ledger.ReconciliationRun{ID: "b", Status: "completed"}))

	runs, err := m.ListReconciliationRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "completed", runs[1].Status)
}

func TestMemory_GetTransaction_NotFound(t *testing.T) {
	_, err := store.NewMemory().GetTransaction(context.Background(), 42)
	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "transaction", nf.Resource)
}

func TestMemory_SaveUser_KeepsExistingBalance(t *testing.T) {
	// GIVEN: An account holding 25 points
	// WHEN: Its profile is saved again with a different Points value
	// THEN: Profile fields change, the balance does not

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveUser(ctx, ledger.User{ID: 1, Name: "ana"}))
	require.NoError(t, m.SetPoints(ctx, 1, 25))

	require.NoError(t, m.SaveUser(ctx, ledger.User{ID: 1, Name: "ana b", Verified: true, Points: 900}))

	u, err := m.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ana b", u.Name)
	assert.True(t, u.Verified)
	assert.Equal(t, ledger.Points(25), u.Points)
}

func TestMemory_EventBudget_UncommittedConsumptionHidden(t *testing.T) {
	// GIVEN: An event with 10 points of budget
	// WHEN: One unit consumes the whole budget but has not finished, and a
	//       second unit asks for the same budget
	// THEN: The second unit waits, and succeeds once the first rolls back

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveEvent(ctx, ledger.Event{ID: 7, PointsRemain: 10}))

	consumed := make(chan struct{})
	finish := make(chan struct{})
	errAbort := errors.New("abort")
	first := make(chan error, 1)
	go func() {
		first <- m.WithTx(ctx, func(s ledger.Store) error {
			if _, err := s.ConsumeEventBudget(ctx, 7, 10); err != nil {
				return err
			}
			close(consumed)
			<-finish
			return errAbort
		})
	}()
	<-consumed

	second := make(chan error, 1)
	go func() {
		second <- m.WithTx(ctx, func(s ledger.Store) error {
			_, err := s.ConsumeEventBudget(ctx, 7, 10)
			return err
		})
	}()

	select {
	case err := <-second:
		t.Fatalf("second unit finished while the first was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	assert.ErrorIs(t, <-first, errAbort)
	require.NoError(t, <-second)

	e, err := m.GetEvent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(0), e.PointsRemain)
	assert.Equal(t, ledger.Points(10), e.PointsAwarded)
}
