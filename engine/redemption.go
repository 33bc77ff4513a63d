package engine

import (
	"context"

	"github.com/warp/loyalty-engine/ledger"
)

// CreateRedemption reserves amount points for later settlement. Nothing is
// debited yet, but the reservation counts against what the user may issue
// in further redemptions and transfers.
func (e *Engine) CreateRedemption(ctx context.Context, req RedemptionRequest) (TransactionView, error) {
	var view TransactionView
	err := e.run(ctx, "redemption", func(o *op) error {
		if err := req.Validate(e.NoteMaxLength); err != nil {
			return err
		}

		return e.Ledger.Atomic(ctx, []ledger.UserID{req.UserID}, func(tx *ledger.Tx) error {
			u, err := tx.Store().GetUser(ctx, req.UserID)
			if err != nil {
				return err
			}
			if !u.Verified {
				return ledger.ErrNotVerified
			}
			available, err := tx.Available(ctx, req.UserID)
			if err != nil {
				return err
			}
			if available < req.Amount {
				return &ledger.InsufficientBalanceError{UserID: req.UserID, Available: available, Requested: req.Amount}
			}

			record := &ledger.Transaction{
				UserID:    req.UserID,
				Type:      ledger.TxRedemption,
				Amount:    -req.Amount,
				Note:      req.Note,
				CreatedBy: req.UserID,
			}
			if err := tx.Append(ctx, record); err != nil {
				return err
			}

			o.committed(*record)
			view = NewTransactionView(*record)
			return nil
		})
	})
	return view, err
}

// SetRedemptionSettled moves a redemption between pending and settled.
//
//	pending -> settled   debits the reserved amount; fails with
//	                     InsufficientBalance if the live balance no longer
//	                     covers it
//	settled -> pending   credits it back; allowed once per redemption
//
// Requesting the current state is InvalidState.
func (e *Engine) SetRedemptionSettled(ctx context.Context, id ledger.TransactionID, settled bool) (TransactionView, error) {
	var view TransactionView
	err := e.run(ctx, "settle", func(o *op) error {
		owner, err := e.ownerOf(ctx, id, ledger.TxRedemption)
		if err != nil {
			return err
		}

		return e.Ledger.Atomic(ctx, []ledger.UserID{owner}, func(tx *ledger.Tx) error {
			s := tx.Store()
			cur, err := s.GetTransaction(ctx, id)
			if err != nil {
				return err
			}

			reopened := cur.Reopened
			switch {
			case settled && cur.Settled:
				return &ledger.StateError{TransactionID: id, Reason: "redemption already settled"}
			case !settled && !cur.Settled:
				return &ledger.StateError{TransactionID: id, Reason: "redemption is not settled"}
			case !settled && cur.Reopened:
				return &ledger.StateError{TransactionID: id, Reason: "redemption was already reopened once"}
			case settled:
				if _, err := tx.ApplyDelta(ctx, owner, cur.Amount, ledger.RequireNonNegative); err != nil {
					return err
				}
			default:
				if _, err := tx.ApplyDelta(ctx, owner, -cur.Amount, ledger.AllowNegative); err != nil {
					return err
				}
				reopened = true
			}

			if err := s.SetRedemptionState(ctx, id, settled, reopened); err != nil {
				return err
			}
			cur.Settled, cur.Reopened = settled, reopened

			o.onCommit(func() {
				o.log.DebugContext(ctx, "redemption state changed", "tx_id", id, "user_id", owner, "settled", settled)
			})
			view = NewTransactionView(cur)
			return nil
		})
	})
	return view, err
}

// ownerOf returns the owner of transaction id after checking its type. The
// owner never changes, so it is safe to read before taking the owner's lock.
func (e *Engine) ownerOf(ctx context.Context, id ledger.TransactionID, want ledger.TransactionType) (ledger.UserID, error) {
	if id <= 0 {
		return 0, ledger.Invalid("id", "must be a positive id, got %d", id)
	}
	tx, err := e.Store.GetTransaction(ctx, id)
	if err != nil {
		return 0, err
	}
	if tx.Type != want {
		return 0, &ledger.StateError{TransactionID: id, Reason: "transaction is a " + string(tx.Type) + ", not a " + string(want)}
	}
	return tx.UserID, nil
}
