/*
ledger.go - Atomic balance mutation and the transaction log

PURPOSE:
  The Ledger is the only component allowed to change a balance. It pairs
  every balance change with the record that explains it, inside one atomic
  unit, so the log and the balance never diverge.

CRITICAL INVARIANTS:
  1. PER-USER SERIALIZABLE: every read-then-write of a balance runs while the
     user's lock is held. Units over several users lock them in ascending id
     order.
  2. ALL-OR-NOTHING: the writes of one unit commit together or not at all
     (TxStore.WithTx).
  3. GUARDED DEBITS: a RequireNonNegative delta that would leave the balance
     below zero fails with InsufficientBalanceError and writes nothing.
     Adjustments use AllowNegative; they may legitimately drive a balance
     negative to correct an earlier mistake.

UNITS:
  Atomic(ctx, users, fn) locks users, opens a store transaction and hands fn
  a *Tx. Tx only lets fn touch balances of the users it locked:

    err := l.Atomic(ctx, []UserID{sender, recipient}, func(tx *Tx) error {
        if _, err := tx.ApplyDelta(ctx, sender, -100, RequireNonNegative); err != nil {
            return err
        }
        _, err := tx.ApplyDelta(ctx, recipient, +100, AllowNegative)
        return err
    })

SEE ALSO:
  - store.go: TxStore
  - locks.go: per-user lock table
  - engine/: the transaction state machine built on Atomic
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER - Interface consumed by the state machine and account management
// =============================================================================

type Ledger interface {
	// ApplyDelta atomically adds delta to the user's balance and returns the
	// new balance.
	ApplyDelta(ctx context.Context, userID UserID, delta Points, guard Guard) (Points, error)

	// Append persists an immutable record and assigns its ID.
	Append(ctx context.Context, tx *Transaction) error

	// ReservedRedemptions is the sum of the user's unsettled redemptions.
	ReservedRedemptions(ctx context.Context, userID UserID) (Points, error)

	// CurrentBalance reads the user's balance.
	CurrentBalance(ctx context.Context, userID UserID) (Points, error)
}

// Guard selects whether a delta may drive the balance below zero.
type Guard int

const (
	AllowNegative Guard = iota
	RequireNonNegative
)

// =============================================================================
// DEFAULT LEDGER - Implementation using TxStore
// =============================================================================

type DefaultLedger struct {
	Store TxStore
	Locks *Locks

	// Clock stamps CreatedAt on appended records.
	Clock func() time.Time
}

func NewLedger(store TxStore) *DefaultLedger {
	return &DefaultLedger{Store: store, Locks: NewLocks(), Clock: time.Now}
}

// Atomic runs fn with users locked, inside one store transaction.
func (l *DefaultLedger) Atomic(ctx context.Context, users []UserID, fn func(tx *Tx) error) error {
	release := l.Locks.Acquire(users...)
	defer release()

	locked := make(map[UserID]bool, len(users))
	for _, id := range users {
		locked[id] = true
	}
	return l.Store.WithTx(ctx, func(s Store) error {
		return fn(&Tx{store: s, locked: locked, now: l.now})
	})
}

func (l *DefaultLedger) ApplyDelta(ctx context.Context, userID UserID, delta Points, guard Guard) (Points, error) {
	var balance Points
	err := l.Atomic(ctx, []UserID{userID}, func(tx *Tx) error {
		var err error
		balance, err = tx.ApplyDelta(ctx, userID, delta, guard)
		return err
	})
	return balance, err
}

func (l *DefaultLedger) Append(ctx context.Context, record *Transaction) error {
	return l.Atomic(ctx, []UserID{record.UserID}, func(tx *Tx) error {
		return tx.Append(ctx, record)
	})
}

func (l *DefaultLedger) ReservedRedemptions(ctx context.Context, userID UserID) (Points, error) {
	if _, err := l.Store.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	return l.Store.PendingRedemptionTotal(ctx, userID)
}

func (l *DefaultLedger) CurrentBalance(ctx context.Context, userID UserID) (Points, error) {
	u, err := l.Store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Points, nil
}

// OpenAccount creates u. A non-zero u.Points is credited through a TxOpening
// record in the same unit, so a new account satisfies the balance invariant
// from its first moment. Opening an existing id fails with ErrAccountExists.
func (l *DefaultLedger) OpenAccount(ctx context.Context, u User) (User, error) {
	opening := u.Points
	u.Points = 0
	err := l.Atomic(ctx, []UserID{u.ID}, func(tx *Tx) error {
		_, err := tx.store.GetUser(ctx, u.ID)
		if err == nil {
			return fmt.Errorf("user %d: %w", u.ID, ErrAccountExists)
		}
		if !IsNotFound(err) {
			return err
		}
		if err := tx.store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("save user %d: %w", u.ID, err)
		}
		if opening == 0 {
			return nil
		}
		if u.Points, err = tx.ApplyDelta(ctx, u.ID, opening, AllowNegative); err != nil {
			return err
		}
		return tx.Append(ctx, &Transaction{
			UserID:    u.ID,
			Type:      TxOpening,
			Amount:    opening,
			Note:      "opening balance",
			CreatedBy: u.ID,
		})
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// Verify replays the user's log under the user's lock and reports a
// Discrepancy when the stored balance disagrees. It returns nil when they
// match.
func (l *DefaultLedger) Verify(ctx context.Context, userID UserID) (*Discrepancy, error) {
	release := l.Locks.Acquire(userID)
	defer release()

	u, err := l.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := l.Store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	replayed := AppliedSum(txs)
	if replayed == u.Points {
		return nil, nil
	}
	return &Discrepancy{UserID: userID, Balance: u.Points, Replayed: replayed}, nil
}

// VerifyAll runs Verify for every user. It returns the number of users
// checked and the discrepancies found.
func (l *DefaultLedger) VerifyAll(ctx context.Context) (int, []Discrepancy, error) {
	ids, err := l.Store.ListUserIDs(ctx)
	if err != nil {
		return 0, nil, err
	}
	var found []Discrepancy
	for _, id := range ids {
		d, err := l.Verify(ctx, id)
		if err != nil {
			return 0, nil, fmt.Errorf("verify user %d: %w", id, err)
		}
		if d != nil {
			found = append(found, *d)
		}
	}
	return len(ids), found, nil
}

func (l *DefaultLedger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock().UTC()
}

// =============================================================================
// TX - One atomic unit
// =============================================================================

// Tx is the view of the ledger inside Atomic. It must not escape fn.
type Tx struct {
	store  Store
	locked map[UserID]bool
	now    func() time.Time
}

// Store returns the transactional store for reads and non-balance writes.
func (t *Tx) Store() Store { return t.store }

// Now is the timestamp used for records appended in this unit.
func (t *Tx) Now() time.Time { return t.now() }

func (t *Tx) ApplyDelta(ctx context.Context, userID UserID, delta Points, guard Guard) (Points, error) {
	if !t.locked[userID] {
		return 0, fmt.Errorf("apply delta to user %d: %w", userID, ErrNotLocked)
	}
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	next := u.Points + delta
	if guard == RequireNonNegative && next < 0 {
		return u.Points, &InsufficientBalanceError{UserID: userID, Available: u.Points, Requested: -delta}
	}
	if err := t.store.SetPoints(ctx, userID, next); err != nil {
		return 0, fmt.Errorf("set points for user %d: %w", userID, err)
	}
	return next, nil
}

func (t *Tx) Append(ctx context.Context, record *Transaction) error {
	if !record.Type.Valid() {
		return Invalid("type", "unknown transaction type %q", record.Type)
	}
	if !t.locked[record.UserID] {
		return fmt.Errorf("append for user %d: %w", record.UserID, ErrNotLocked)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = t.now()
	}
	if err := t.store.AppendTransaction(ctx, record); err != nil {
		return fmt.Errorf("append %s transaction: %w", record.Type, err)
	}
	return nil
}

// AppendLinked appends a and b and makes each reference the other.
func (t *Tx) AppendLinked(ctx context.Context, a, b *Transaction) error {
	if err := t.Append(ctx, a); err != nil {
		return err
	}
	if err := t.Append(ctx, b); err != nil {
		return err
	}
	if err := t.store.LinkTransactions(ctx, a.ID, b.ID); err != nil {
		return fmt.Errorf("link transactions %d and %d: %w", a.ID, b.ID, err)
	}
	aID, bID := a.ID, b.ID
	a.RelatedID = &bID
	b.RelatedID = &aID
	return nil
}

func (t *Tx) CurrentBalance(ctx context.Context, userID UserID) (Points, error) {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Points, nil
}

func (t *Tx) ReservedRedemptions(ctx context.Context, userID UserID) (Points, error) {
	return t.store.PendingRedemptionTotal(ctx, userID)
}

// Available is the balance not earmarked by pending redemptions.
func (t *Tx) Available(ctx context.Context, userID UserID) (Points, error) {
	balance, err := t.CurrentBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	reserved, err := t.ReservedRedemptions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balance - reserved, nil
}
