package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// TransactionView is what callers see of a transaction. Amounts are shown
// the way the account holder thinks of them: a redemption reports the
// positive number of points redeemed, a purchase reports Earned as zero
// while it is quarantined.
type TransactionView struct {
	ID           ledger.TransactionID   `json:"id"`
	UserID       ledger.UserID          `json:"user_id"`
	Type         ledger.TransactionType `json:"type"`
	Amount       ledger.Points          `json:"amount"`
	Spent        *decimal.Decimal       `json:"spent,omitempty"`
	Earned       *ledger.Points         `json:"earned,omitempty"`
	RelatedID    *ledger.TransactionID  `json:"related_id,omitempty"`
	EventID      *ledger.EventID        `json:"event_id,omitempty"`
	PromotionIDs []ledger.PromotionID   `json:"promotion_ids"`
	Suspicious   bool                   `json:"suspicious"`
	Processed    *bool                  `json:"processed,omitempty"`
	Remark       string                 `json:"remark"`
	CreatedBy    ledger.UserID          `json:"created_by"`
	CreatedAt    time.Time              `json:"created_at"`
}

func NewTransactionView(tx ledger.Transaction) TransactionView {
	v := TransactionView{
		ID:           tx.ID,
		UserID:       tx.UserID,
		Type:         tx.Type,
		Amount:       tx.Amount,
		RelatedID:    tx.RelatedID,
		EventID:      tx.EventID,
		PromotionIDs: tx.PromotionIDs,
		Suspicious:   tx.Quarantined,
		Remark:       tx.Note,
		CreatedBy:    tx.CreatedBy,
		CreatedAt:    tx.CreatedAt,
	}
	if v.PromotionIDs == nil {
		v.PromotionIDs = []ledger.PromotionID{}
	}
	switch tx.Type {
	case ledger.TxPurchase:
		if tx.Spent.Valid {
			spent := tx.Spent.Decimal
			v.Spent = &spent
		}
		var earned ledger.Points
		if tx.Applied() {
			earned = tx.Amount
		}
		v.Earned = &earned
	case ledger.TxRedemption:
		v.Amount = -tx.Amount
		processed := tx.Settled
		v.Processed = &processed
	}
	return v
}

// TransferView holds both legs of a transfer and the balances they left.
type TransferView struct {
	Sent             TransactionView `json:"sent"`
	Received         TransactionView `json:"received"`
	SenderBalance    ledger.Points   `json:"sender_balance"`
	RecipientBalance ledger.Points   `json:"recipient_balance"`
}

type BalanceView struct {
	UserID    ledger.UserID `json:"user_id"`
	Points    ledger.Points `json:"points"`
	Reserved  ledger.Points `json:"reserved"`
	Available ledger.Points `json:"available"`
}
