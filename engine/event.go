package engine

import (
	"context"

	"github.com/warp/loyalty-engine/ledger"
)

// GrantEventReward credits a participant from an event's reward pool. The
// budget decrement and the credit commit together; an exhausted budget is
// InvalidState.
func (e *Engine) GrantEventReward(ctx context.Context, req EventRewardRequest) (TransactionView, error) {
	views, err := e.GrantEventRewards(ctx, req.EventID, []ledger.UserID{req.RecipientID}, req.Amount, req.OrganizerID, req.Note)
	if err != nil {
		return TransactionView{}, err
	}
	return views[0], nil
}

// GrantEventRewards credits amount to each recipient in one unit. The budget
// must cover amount times the number of recipients, otherwise nobody is
// credited.
func (e *Engine) GrantEventRewards(
	ctx context.Context,
	eventID ledger.EventID,
	recipients []ledger.UserID,
	amount ledger.Points,
	organizerID ledger.UserID,
	note string,
) ([]TransactionView, error) {
	var views []TransactionView
	err := e.run(ctx, "event_reward", func(o *op) error {
		if len(recipients) == 0 {
			return ledger.Invalid("recipient_id", "at least one recipient is required")
		}
		seen := make(map[ledger.UserID]bool, len(recipients))
		for _, id := range recipients {
			req := EventRewardRequest{EventID: eventID, RecipientID: id, Amount: amount, OrganizerID: organizerID, Note: note}
			if err := req.Validate(e.NoteMaxLength); err != nil {
				return err
			}
			if seen[id] {
				return ledger.Invalid("recipient_id", "user %d listed twice", id)
			}
			seen[id] = true
		}

		return e.Ledger.Atomic(ctx, recipients, func(tx *ledger.Tx) error {
			s := tx.Store()
			for _, id := range recipients {
				if _, err := s.GetUser(ctx, id); err != nil {
					return err
				}
			}
			if _, err := s.ConsumeEventBudget(ctx, eventID, amount*ledger.Points(len(recipients))); err != nil {
				return err
			}

			views = make([]TransactionView, 0, len(recipients))
			for _, id := range recipients {
				event := eventID
				record := &ledger.Transaction{
					UserID:    id,
					Type:      ledger.TxEventReward,
					Amount:    amount,
					EventID:   &event,
					Note:      note,
					CreatedBy: organizerID,
				}
				if err := tx.Append(ctx, record); err != nil {
					return err
				}
				if _, err := tx.ApplyDelta(ctx, id, amount, ledger.AllowNegative); err != nil {
					return err
				}
				o.committed(*record)
				views = append(views, NewTransactionView(*record))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}
