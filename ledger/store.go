/*
store.go - Persistence interfaces for balances, transactions and promotions

PURPOSE:
  Defines the boundary between the ledger and the database. The ledger never
  talks SQL; it asks a Store for reads and narrowly scoped writes, and relies
  on TxStore.WithTx to make a group of writes all-or-nothing.

KEY INTERFACES:
  UserStore:        balances (SetPoints is the only write to an existing balance)
  TransactionStore: the log, append-only except for the two state flags
  PromotionStore:   promotions, one-time usage, transaction references
  EventStore:       event reward budgets
  TxStore:          Store + WithTx for atomic multi-table writes
  RunStore:         reconciliation run history

WRITE RULES:
  - Transactions are never deleted and never edited, except:
      SetQuarantined        (purchases)
      SetRedemptionState    (redemptions)
      LinkTransactions      (pairing the two legs of a transfer inside the
                             unit that created them)
  - RecordPromotionUse is append-only.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via sqlx
  - ledger/store/memory.go: in-memory for tests and development

SEE ALSO:
  - ledger.go: Atomic units built on TxStore
*/
package ledger

import "context"

// =============================================================================
// STORE - Interfaces used inside and outside atomic units
// =============================================================================

type UserStore interface {
	// GetUser returns NotFoundError when the user does not exist.
	GetUser(ctx context.Context, id UserID) (User, error)

	// SaveUser creates the account record or updates its profile fields.
	// An existing row keeps its balance: u.Points is only stored on insert.
	// Accounts that start with points are opened through
	// DefaultLedger.OpenAccount so the balance has a record behind it.
	SaveUser(ctx context.Context, u User) error

	// SetPoints overwrites the balance.
	SetPoints(ctx context.Context, id UserID, points Points) error

	// ListUserIDs returns every user id in ascending order.
	ListUserIDs(ctx context.Context) ([]UserID, error)
}

type TransactionStore interface {
	// AppendTransaction persists tx and assigns tx.ID.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	// LinkTransactions makes a and b reference each other.
	LinkTransactions(ctx context.Context, a, b TransactionID) error

	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// ListTransactions returns a user's transactions in id order.
	ListTransactions(ctx context.Context, userID UserID) ([]Transaction, error)

	SetQuarantined(ctx context.Context, id TransactionID, quarantined bool) error
	SetRedemptionState(ctx context.Context, id TransactionID, settled, reopened bool) error

	// PendingRedemptionTotal is the sum of |amount| over the user's
	// redemptions that are not settled.
	PendingRedemptionTotal(ctx context.Context, userID UserID) (Points, error)
}

type PromotionStore interface {
	GetPromotion(ctx context.Context, id PromotionID) (Promotion, error)

	// ListPromotions returns every promotion in id order.
	ListPromotions(ctx context.Context) ([]Promotion, error)

	// SavePromotion inserts p when p.ID is zero (assigning it) and
	// replaces the stored promotion otherwise.
	SavePromotion(ctx context.Context, p *Promotion) error

	DeletePromotion(ctx context.Context, id PromotionID) error

	// HasUsedPromotion reports whether user consumed the one-time promotion.
	HasUsedPromotion(ctx context.Context, userID UserID, id PromotionID) (bool, error)

	// RecordPromotionUse appends (id, user) pairs to the usage relation.
	RecordPromotionUse(ctx context.Context, userID UserID, ids []PromotionID) error

	// PromotionReferenced reports whether any transaction references id.
	PromotionReferenced(ctx context.Context, id PromotionID) (bool, error)
}

type EventStore interface {
	GetEvent(ctx context.Context, id EventID) (Event, error)
	SaveEvent(ctx context.Context, e Event) error

	// ConsumeEventBudget moves amount from remaining to awarded. It fails
	// with ErrBudgetExhausted when fewer than amount points remain.
	ConsumeEventBudget(ctx context.Context, id EventID, amount Points) (Event, error)
}

// Store is everything the ledger reads and writes.
type Store interface {
	UserStore
	TransactionStore
	PromotionStore
	EventStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RUN STORE - Reconciliation history
// =============================================================================

type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error

	// ListReconciliationRuns returns the most recent runs first.
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
