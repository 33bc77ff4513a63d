package engine

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// REQUEST VARIANTS
// =============================================================================

// Request is one of PurchaseRequest, AdjustmentRequest, TransferRequest,
// RedemptionRequest or EventRewardRequest. Each variant carries only the
// fields its operation needs and validates them before the core runs.
type Request interface {
	Kind() ledger.TransactionType
	Validate(noteMax int) error
}

type PurchaseRequest struct {
	SpenderID    ledger.UserID
	CashierID    ledger.UserID
	Spent        decimal.Decimal
	PromotionIDs []ledger.PromotionID
	Note         string
}

type AdjustmentRequest struct {
	UserID    ledger.UserID
	Amount    ledger.Points
	RelatedID ledger.TransactionID
	CreatedBy ledger.UserID
	Note      string
}

type TransferRequest struct {
	SenderID    ledger.UserID
	RecipientID ledger.UserID
	Amount      ledger.Points
	Note        string
}

type RedemptionRequest struct {
	UserID ledger.UserID
	Amount ledger.Points
	Note   string
}

type EventRewardRequest struct {
	EventID     ledger.EventID
	RecipientID ledger.UserID
	Amount      ledger.Points
	OrganizerID ledger.UserID
	Note        string
}

func (PurchaseRequest) Kind() ledger.TransactionType    { return ledger.TxPurchase }
func (AdjustmentRequest) Kind() ledger.TransactionType  { return ledger.TxAdjustment }
func (TransferRequest) Kind() ledger.TransactionType    { return ledger.TxTransfer }
func (RedemptionRequest) Kind() ledger.TransactionType  { return ledger.TxRedemption }
func (EventRewardRequest) Kind() ledger.TransactionType { return ledger.TxEventReward }

// =============================================================================
// VALIDATION
// =============================================================================

func (r PurchaseRequest) Validate(noteMax int) error {
	if err := validID("spender_id", int64(r.SpenderID)); err != nil {
		return err
	}
	if err := validID("cashier_id", int64(r.CashierID)); err != nil {
		return err
	}
	if !r.Spent.IsPositive() {
		return ledger.Invalid("spent", "must be positive, got %s", r.Spent)
	}
	return validNote(r.Note, noteMax)
}

func (r AdjustmentRequest) Validate(noteMax int) error {
	if err := validID("user_id", int64(r.UserID)); err != nil {
		return err
	}
	if r.Amount == 0 {
		return ledger.Invalid("amount", "must not be zero")
	}
	if err := validID("related_id", int64(r.RelatedID)); err != nil {
		return err
	}
	return validNote(r.Note, noteMax)
}

func (r TransferRequest) Validate(noteMax int) error {
	if err := validID("sender_id", int64(r.SenderID)); err != nil {
		return err
	}
	if err := validID("recipient_id", int64(r.RecipientID)); err != nil {
		return err
	}
	if r.SenderID == r.RecipientID {
		return ledger.Invalid("recipient_id", "cannot transfer to yourself")
	}
	if err := positive(r.Amount); err != nil {
		return err
	}
	return validNote(r.Note, noteMax)
}

func (r RedemptionRequest) Validate(noteMax int) error {
	if err := validID("user_id", int64(r.UserID)); err != nil {
		return err
	}
	if err := positive(r.Amount); err != nil {
		return err
	}
	return validNote(r.Note, noteMax)
}

func (r EventRewardRequest) Validate(noteMax int) error {
	if err := validID("event_id", int64(r.EventID)); err != nil {
		return err
	}
	if err := validID("recipient_id", int64(r.RecipientID)); err != nil {
		return err
	}
	if err := positive(r.Amount); err != nil {
		return err
	}
	return validNote(r.Note, noteMax)
}

func validID(field string, id int64) error {
	if id <= 0 {
		return ledger.Invalid(field, "must be a positive id, got %d", id)
	}
	return nil
}

func positive(amount ledger.Points) error {
	if amount <= 0 {
		return ledger.Invalid("amount", "must be a positive integer, got %d", amount)
	}
	return nil
}

func validNote(note string, max int) error {
	if n := utf8.RuneCountInString(note); n > max {
		return ledger.Invalid("remark", "at most %d characters, got %d", max, n)
	}
	return nil
}
