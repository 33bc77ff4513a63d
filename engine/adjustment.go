package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/loyalty-engine/ledger"
)

// CreateAdjustment applies a signed correction to a user's balance. It must
// reference an existing transaction, which may belong to any user. The
// balance is allowed to go negative.
func (e *Engine) CreateAdjustment(ctx context.Context, req AdjustmentRequest) (TransactionView, error) {
	var view TransactionView
	err := e.run(ctx, "adjustment", func(o *op) error {
		if err := req.Validate(e.NoteMaxLength); err != nil {
			return err
		}

		return e.Ledger.Atomic(ctx, []ledger.UserID{req.UserID}, func(tx *ledger.Tx) error {
			s := tx.Store()
			if _, err := s.GetUser(ctx, req.UserID); err != nil {
				return err
			}
			if _, err := s.GetTransaction(ctx, req.RelatedID); err != nil {
				if errors.Is(err, ledger.ErrNotFound) {
					return &ledger.StateError{Reason: fmt.Sprintf("related transaction %d does not exist", req.RelatedID)}
				}
				return err
			}

			related := req.RelatedID
			record := &ledger.Transaction{
				UserID:    req.UserID,
				Type:      ledger.TxAdjustment,
				Amount:    req.Amount,
				RelatedID: &related,
				Note:      req.Note,
				CreatedBy: req.CreatedBy,
			}
			if err := tx.Append(ctx, record); err != nil {
				return err
			}
			if _, err := tx.ApplyDelta(ctx, req.UserID, req.Amount, ledger.AllowNegative); err != nil {
				return err
			}

			o.committed(*record)
			view = NewTransactionView(*record)
			return nil
		})
	})
	return view, err
}
