package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/promotion"
)

// CreatePurchase records a purchase and credits the points it earns.
//
// The cashier's flag is read once, at creation. A flagged cashier's purchase
// is written quarantined and credits nothing until released. Promotion
// validation, one-time usage, the record and the credit share one unit, so
// a promotion is never marked used without the purchase that used it.
func (e *Engine) CreatePurchase(ctx context.Context, req PurchaseRequest) (TransactionView, error) {
	var view TransactionView
	err := e.run(ctx, "purchase", func(o *op) error {
		if err := req.Validate(e.NoteMaxLength); err != nil {
			return err
		}
		cashier, err := e.Store.GetUser(ctx, req.CashierID)
		if err != nil {
			return err
		}

		return e.Ledger.Atomic(ctx, []ledger.UserID{req.SpenderID}, func(tx *ledger.Tx) error {
			s := tx.Store()
			if _, err := s.GetUser(ctx, req.SpenderID); err != nil {
				return err
			}

			promos, err := e.Evaluator.Validate(ctx, s, req.SpenderID, req.PromotionIDs, req.Spent, tx.Now())
			if err != nil {
				return err
			}
			earned, err := e.Calculator.Compute(req.Spent, promos)
			if err != nil {
				return err
			}

			record := &ledger.Transaction{
				UserID:       req.SpenderID,
				Type:         ledger.TxPurchase,
				Amount:       earned,
				Spent:        decimal.NewNullDecimal(req.Spent),
				PromotionIDs: req.PromotionIDs,
				Quarantined:  cashier.Flagged,
				Note:         req.Note,
				CreatedBy:    cashier.ID,
			}
			if err := tx.Append(ctx, record); err != nil {
				return err
			}
			if ids := promotion.OneTimeIDs(promos); len(ids) > 0 {
				if err := s.RecordPromotionUse(ctx, req.SpenderID, ids); err != nil {
					return fmt.Errorf("record promotion use: %w", err)
				}
			}
			if !record.Quarantined {
				if _, err := tx.ApplyDelta(ctx, req.SpenderID, earned, ledger.AllowNegative); err != nil {
					return err
				}
			}

			o.committed(*record)
			view = NewTransactionView(*record)
			return nil
		})
	})
	return view, err
}
