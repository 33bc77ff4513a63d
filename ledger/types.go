/*
Package ledger provides the points ledger core.

PURPOSE:
  This package owns the authoritative per-user point balances and the
  transaction log that explains them. Every purchase, redemption, transfer,
  adjustment, and event reward ends up here as a signed point amount applied
  to one user's balance together with an immutable record.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: signed integer point quantity
  - User: the subset of an account the ledger reads and mutates
  - Transaction: a log record, immutable except for one state flag per type
  - Promotion: a time-bounded bonus rule applied to purchases
  - Event: the reward budget of an event, owned by the event collaborator

BALANCE INVARIANT:
  For every user, the balance equals the sum of the amounts of that user's
  applied transactions:
    - purchases that are not quarantined
    - redemptions that are settled
    - every adjustment, transfer leg, event reward and opening balance

  Applied() on Transaction is the single definition of "applied".

SEE ALSO:
  - ledger.go: atomic units over a Store
  - store.go: persistence interfaces
  - errors.go: error kinds
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type Points int64
type UserID int64
type TransactionID int64
type PromotionID int64
type EventID int64

// =============================================================================
// USER
// =============================================================================

// User is the part of an account relevant to the ledger. Account management
// owns everything else; the ledger only ever writes Points.
type User struct {
	ID   UserID
	Name string

	Points Points

	// Flagged forces every purchase created by this user (as cashier)
	// into quarantine.
	Flagged bool

	// Verified gates redemptions and transfers.
	Verified bool
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"
	TxRedemption  TransactionType = "redemption"
	TxTransfer    TransactionType = "transfer"
	TxAdjustment  TransactionType = "adjustment"
	TxEventReward TransactionType = "event"

	// TxOpening carries the balance an account starts with.
	TxOpening TransactionType = "opening"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxRedemption, TxTransfer, TxAdjustment, TxEventReward, TxOpening:
		return true
	}
	return false
}

type Transaction struct {
	ID     TransactionID
	UserID UserID
	Type   TransactionType

	// Amount is the signed effect on the owner's balance. Redemptions and
	// outgoing transfer legs are negative.
	Amount Points

	// Spent is set on purchases only.
	Spent decimal.NullDecimal

	// RelatedID points at the corrected transaction for adjustments and at
	// the opposite leg for transfers.
	RelatedID *TransactionID

	EventID      *EventID
	PromotionIDs []PromotionID

	// Quarantined is the mutable flag of purchases.
	Quarantined bool

	// Settled is the mutable flag of redemptions. Reopened records that the
	// one allowed settled -> pending transition has been used.
	Settled  bool
	Reopened bool

	Note      string
	CreatedBy UserID
	CreatedAt time.Time
}

// Applied reports whether the amount of t is currently reflected in the
// owner's balance.
func (t Transaction) Applied() bool {
	switch t.Type {
	case TxPurchase:
		return !t.Quarantined
	case TxRedemption:
		return t.Settled
	default:
		return true
	}
}

// Pending reports whether t is a redemption still holding a reservation.
func (t Transaction) Pending() bool {
	return t.Type == TxRedemption && !t.Settled
}

// AppliedSum replays txs and returns the balance they account for.
func AppliedSum(txs []Transaction) Points {
	var sum Points
	for _, tx := range txs {
		if tx.Applied() {
			sum += tx.Amount
		}
	}
	return sum
}

// =============================================================================
// PROMOTION
// =============================================================================

type PromotionType string

const (
	// PromotionRecurring may be used by any eligible spender any number of times.
	PromotionRecurring PromotionType = "recurring"
	// PromotionOneTime may be triggered at most once per user.
	PromotionOneTime PromotionType = "one-time"
)

func (t PromotionType) Valid() bool {
	return t == PromotionRecurring || t == PromotionOneTime
}

type Promotion struct {
	ID          PromotionID
	Name        string
	Description string
	Type        PromotionType

	// Validity window [Start, End).
	Start time.Time
	End   time.Time

	MinSpend  decimal.NullDecimal
	FlatBonus *Points
	RateBonus decimal.NullDecimal
}

// ActiveAt reports whether at falls inside [Start, End).
func (p Promotion) ActiveAt(at time.Time) bool {
	return !at.Before(p.Start) && at.Before(p.End)
}

// Started reports whether the window has opened at or before now.
func (p Promotion) Started(now time.Time) bool {
	return !now.Before(p.Start)
}

// =============================================================================
// EVENT BUDGET
// =============================================================================

// Event is the reward pool of an event. The event collaborator owns it; the
// ledger decrements it in the same unit that credits the participant.
type Event struct {
	ID            EventID
	Name          string
	PointsRemain  Points
	PointsAwarded Points
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Discrepancy describes a user whose stored balance disagrees with the
// replayed transaction log.
type Discrepancy struct {
	UserID   UserID `json:"user_id"`
	Balance  Points `json:"balance"`
	Replayed Points `json:"replayed"`
}

// ReconciliationRun records one pass of the balance verifier.
type ReconciliationRun struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"` // "running", "completed", "failed"
	UsersChecked  int           `json:"users_checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
