package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_TransactionRoundTrip(t *testing.T) {
	// GIVEN: A purchase with spend, promotions and a note
	// WHEN: Appended and read back
	// THEN: Every field survives, including decimal spend and promotion order

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 1, Name: "ana", Verified: true}))

	created := time.Date(2025, time.March, 10, 9, 30, 0, 123, time.UTC)
	tx := &ledger.Transaction{
		UserID:       1,
		Type:         ledger.TxPurchase,
		Amount:       65,
		Spent:        decimal.NewNullDecimal(decimal.RequireFromString("10.25")),
		PromotionIDs: []ledger.PromotionID{7, 3},
		Quarantined:  true,
		Note:         "counter 4",
		CreatedBy:    2,
		CreatedAt:    created,
	}
	require.NoError(t, s.AppendTransaction(ctx, tx))
	assert.Equal(t, ledger.TransactionID(1), tx.ID)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(65), got.Amount)
	assert.True(t, got.Spent.Valid)
	assert.Equal(t, "10.25", got.Spent.Decimal.String())
	assert.Equal(t, []ledger.PromotionID{7, 3}, got.PromotionIDs)
	assert.True(t, got.Quarantined)
	assert.Equal(t, "counter 4", got.Note)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.RelatedID)

	list, err := s.ListTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []ledger.PromotionID{7, 3}, list[0].PromotionIDs)
}

func TestStore_AppendForUnknownUser(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendTransaction(context.Background(), &ledger.Transaction{
		UserID: 42, Type: ledger.TxAdjustment, Amount: 1, CreatedAt: time.Now(),
	})
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_PromotionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bonus := ledger.Points(5)
	p := &ledger.Promotion{
		Name:      "spring",
		Type:      ledger.PromotionOneTime,
		Start:     time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
		MinSpend:  decimal.NewNullDecimal(decimal.NewFromInt(20)),
		FlatBonus: &bonus,
		RateBonus: decimal.NewNullDecimal(decimal.RequireFromString("0.02")),
	}
	require.NoError(t, s.SavePromotion(ctx, p))
	require.NotZero(t, p.ID)

	got, err := s.GetPromotion(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, p.Start.Equal(got.Start))
	assert.True(t, got.RateBonus.Decimal.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, got.MinSpend.Decimal.Equal(decimal.NewFromInt(20)))
	require.NotNil(t, got.FlatBonus)
	assert.Equal(t, bonus, *got.FlatBonus)

	p.Name = "spring sale"
	require.NoError(t, s.SavePromotion(ctx, p))
	got, err = s.GetPromotion(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "spring sale", got.Name)

	require.NoError(t, s.DeletePromotion(ctx, p.ID))
	_, err = s.GetPromotion(ctx, p.ID)
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_PromotionUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordPromotionUse(ctx, 1, []ledger.PromotionID{4}))
	require.NoError(t, s.RecordPromotionUse(ctx, 1, []ledger.PromotionID{4}), "recording twice is harmless")

	used, err := s.HasUsedPromotion(ctx, 1, 4)
	require.NoError(t, err)
	assert.True(t, used)

	used, err = s.HasUsedPromotion(ctx, 2, 4)
	require.NoError(t, err)
	assert.False(t, used)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestStore_WithTx_Rollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 1, Points: 10}))
	require.NoError(t, s.SaveEvent(ctx, ledger.Event{ID: 3, PointsRemain: 50}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.SetPoints(ctx, 1, 99))
		require.NoError(t, tx.RecordPromotionUse(ctx, 1, []ledger.PromotionID{8}))
		_, err := tx.ConsumeEventBudget(ctx, 3, 50)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(10), u.Points)

	used, err := s.HasUsedPromotion(ctx, 1, 8)
	require.NoError(t, err)
	assert.False(t, used)

	e, err := s.GetEvent(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(50), e.PointsRemain)
}

func TestStore_ConsumeEventBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveEvent(ctx, ledger.Event{ID: 1, Name: "meetup", PointsRemain: 30}))

	e, err := s.ConsumeEventBudget(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(10), e.PointsRemain)
	assert.Equal(t, ledger.Points(20), e.PointsAwarded)

	_, err = s.ConsumeEventBudget(ctx, 1, 11)
	assert.ErrorIs(t, err, ledger.ErrBudgetExhausted)

	_, err = s.ConsumeEventBudget(ctx, 9, 1)
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_PendingRedemptionTotal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 1}))

	for _, amt := range []ledger.Points{-30, -20} {
		require.NoError(t, s.AppendTransaction(ctx, &ledger.Transaction{
			UserID: 1, Type: ledger.TxRedemption, Amount: amt, CreatedAt: time.Now(),
		}))
	}
	require.NoError(t, s.SetRedemptionState(ctx, 2, true, false))

	total, err := s.PendingRedemptionTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(30), total)
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func TestStore_ReconciliationRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	started := time.Date(2025, time.March, 1, 2, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveReconciliationRun(ctx, ledger.ReconciliationRun{ID: "a", Status: "running", StartedAt: started}))
	require.NoError(t, s.SaveReconciliationRun(ctx, ledger.ReconciliationRun{ID: "b", Status: "running", StartedAt: started}))

	done := started.Add(time.Second)
	require.NoError(t, s.SaveReconciliationRun(ctx, ledger.ReconciliationRun{
		ID: "a", Status: "completed", UsersChecked: 3, StartedAt: started, CompletedAt: &done,
		Discrepancies: []ledger.Discrepancy{{UserID: 2, Balance: 10, Replayed: 7}},
	}))

	runs, err := s.ListReconciliationRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "completed", runs[1].Status)
	assert.Equal(t, []ledger.Discrepancy{{UserID: 2, Balance: 10, Replayed: 7}}, runs[1].Discrepancies)
	require.NotNil(t, runs[1].CompletedAt)
	assert.True(t, done.Equal(*runs[1].CompletedAt))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loyalty.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 5, Points: 12}))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	u, err := s.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(12), u.Points)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 1}))

	require.NoError(t, s.Reset(ctx))

	ids, err := s.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_SaveUser_KeepsExistingBalance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 1, Name: "ana"}))
	require.NoError(t, s.SetPoints(ctx, 1, 25))

	require.NoError(t, s.SaveUser(ctx, ledger.User{ID: 1, Name: "ana b", Flagged: true, Points: 900}))

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ana b", u.Name)
	assert.True(t, u.Flagged)
	assert.Equal(t, ledger.Points(25), u.Points)
}
