package engine

import (
	"context"

	"github.com/warp/loyalty-engine/ledger"
)

// CreateTransfer moves amount points from sender to recipient as two linked
// records in one unit. Both users are locked in ascending id order.
//
// Transfers are terminal. To undo one, create an adjustment that references
// the transfer leg being corrected.
func (e *Engine) CreateTransfer(ctx context.Context, req TransferRequest) (TransferView, error) {
	var view TransferView
	err := e.run(ctx, "transfer", func(o *op) error {
		if err := req.Validate(e.NoteMaxLength); err != nil {
			return err
		}

		users := []ledger.UserID{req.SenderID, req.RecipientID}
		return e.Ledger.Atomic(ctx, users, func(tx *ledger.Tx) error {
			s := tx.Store()
			for _, id := range users {
				u, err := s.GetUser(ctx, id)
				if err != nil {
					return err
				}
				if !u.Verified {
					return ledger.ErrNotVerified
				}
			}

			available, err := tx.Available(ctx, req.SenderID)
			if err != nil {
				return err
			}
			if available < req.Amount {
				return &ledger.InsufficientBalanceError{UserID: req.SenderID, Available: available, Requested: req.Amount}
			}

			sent := &ledger.Transaction{
				UserID:    req.SenderID,
				Type:      ledger.TxTransfer,
				Amount:    -req.Amount,
				Note:      req.Note,
				CreatedBy: req.SenderID,
			}
			received := &ledger.Transaction{
				UserID:    req.RecipientID,
				Type:      ledger.TxTransfer,
				Amount:    req.Amount,
				Note:      req.Note,
				CreatedBy: req.SenderID,
			}
			if err := tx.AppendLinked(ctx, sent, received); err != nil {
				return err
			}

			senderBalance, err := tx.ApplyDelta(ctx, req.SenderID, -req.Amount, ledger.RequireNonNegative)
			if err != nil {
				return err
			}
			recipientBalance, err := tx.ApplyDelta(ctx, req.RecipientID, req.Amount, ledger.AllowNegative)
			if err != nil {
				return err
			}

			o.committed(*sent)
			o.committed(*received)
			view = TransferView{
				Sent:             NewTransactionView(*sent),
				Received:         NewTransactionView(*received),
				SenderBalance:    senderBalance,
				RecipientBalance: recipientBalance,
			}
			return nil
		})
	})
	return view, err
}
