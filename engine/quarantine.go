package engine

import (
	"context"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// SUSPICIOUS QUARANTINE CONTROLLER
// =============================================================================

// SetSuspicious marks a purchase suspicious (withholding its points) or
// trusted (granting them). The delta is always the stored amount, never a
// recomputation, so any number of round trips leaves the balance where it
// started. Requesting the current state changes nothing.
//
// A purchase's one-time promotions stay consumed while it is quarantined.
func (e *Engine) SetSuspicious(ctx context.Context, id ledger.TransactionID, suspicious bool) (TransactionView, error) {
	var view TransactionView
	err := e.run(ctx, "suspicious", func(o *op) error {
		owner, err := e.ownerOf(ctx, id, ledger.TxPurchase)
		if err != nil {
			return err
		}

		return e.Ledger.Atomic(ctx, []ledger.UserID{owner}, func(tx *ledger.Tx) error {
			s := tx.Store()
			cur, err := s.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			if cur.Quarantined == suspicious {
				view = NewTransactionView(cur)
				return nil
			}

			delta := cur.Amount
			if suspicious {
				delta = -delta
			}
			balance, err := tx.ApplyDelta(ctx, owner, delta, ledger.AllowNegative)
			if err != nil {
				return err
			}
			if err := s.SetQuarantined(ctx, id, suspicious); err != nil {
				return err
			}
			cur.Quarantined = suspicious

			o.onCommit(func() {
				e.Metrics.Toggled(suspicious)
				o.log.DebugContext(ctx, "purchase quarantine changed",
					"tx_id", id, "user_id", owner, "suspicious", suspicious, "balance", balance)
			})
			view = NewTransactionView(cur)
			return nil
		})
	})
	return view, err
}
