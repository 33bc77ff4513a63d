/*
dto.go - Request and response bodies of the HTTP API

PURPOSE:
  Decouples the wire format from engine request variants. Each request body
  knows how to become exactly one engine.Request; anything it cannot express
  is rejected here, before the engine sees it.

NAMING CONVENTION:
  - *Request: request bodies from clients
  - *DTO:     response types that are not engine views

VALIDATION:
  Shape checks (required fields, matching "type") happen in toRequest.
  Value checks (positive amounts, note length) belong to engine.Request.

SEE ALSO:
  - handlers.go: decodes these and calls the engine
  - engine/request.go: the variants they become
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/engine"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// TRANSACTION REQUESTS
// =============================================================================

// CreateTransactionRequest is the body of POST /api/transactions. Type
// selects purchase or adjustment; the other fields belong to one of them.
type CreateTransactionRequest struct {
	Type         string           `json:"type"`
	UserID       int64            `json:"user_id"`
	Spent        *decimal.Decimal `json:"spent,omitempty"`
	Amount       *int64           `json:"amount,omitempty"`
	RelatedID    *int64           `json:"related_id,omitempty"`
	PromotionIDs []int64          `json:"promotion_ids,omitempty"`
	Remark       string           `json:"remark"`
}

func (b CreateTransactionRequest) toRequest(actor Actor) (engine.Request, error) {
	switch ledger.TransactionType(b.Type) {
	case ledger.TxPurchase:
		if b.Spent == nil {
			return nil, ledger.Invalid("spent", "is required")
		}
		if b.Amount != nil || b.RelatedID != nil {
			return nil, ledger.Invalid("type", "purchase does not take amount or related_id")
		}
		return engine.PurchaseRequest{
			SpenderID:    ledger.UserID(b.UserID),
			CashierID:    actor.ID,
			Spent:        *b.Spent,
			PromotionIDs: promotionIDs(b.PromotionIDs),
			Note:         b.Remark,
		}, nil
	case ledger.TxAdjustment:
		if !actor.AtLeast(RoleManager) {
			return nil, errForbidden
		}
		if b.Amount == nil {
			return nil, ledger.Invalid("amount", "is required")
		}
		if b.RelatedID == nil {
			return nil, ledger.Invalid("related_id", "is required")
		}
		if b.Spent != nil || len(b.PromotionIDs) > 0 {
			return nil, ledger.Invalid("type", "adjustment does not take spent or promotion_ids")
		}
		return engine.AdjustmentRequest{
			UserID:    ledger.UserID(b.UserID),
			Amount:    ledger.Points(*b.Amount),
			RelatedID: ledger.TransactionID(*b.RelatedID),
			CreatedBy: actor.ID,
			Note:      b.Remark,
		}, nil
	default:
		return nil, ledger.Invalid("type", "must be purchase or adjustment, got %q", b.Type)
	}
}

// PointsRequest is the body of redemption and transfer endpoints.
type PointsRequest struct {
	Type   string `json:"type"`
	Amount int64  `json:"amount"`
	Remark string `json:"remark"`
}

func (b PointsRequest) expect(t ledger.TransactionType) error {
	if ledger.TransactionType(b.Type) != t {
		return ledger.Invalid("type", "must be %q", t)
	}
	return nil
}

// EventRewardRequest is the body of POST /api/events/{id}/transactions.
// RecipientIDs lists every participant credited in one unit.
type EventRewardRequest struct {
	Type         string  `json:"type"`
	RecipientIDs []int64 `json:"recipient_ids"`
	Amount       int64   `json:"amount"`
	Remark       string  `json:"remark"`
}

type SuspiciousRequest struct {
	Suspicious *bool `json:"suspicious"`
}

type ProcessedRequest struct {
	Processed *bool `json:"processed"`
}

// =============================================================================
// OTHER REQUESTS AND RESPONSES
// =============================================================================

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ReconcileResponse reports the run triggered by POST /api/reconciliation/run.
type ReconcileResponse struct {
	Run     ledger.ReconciliationRun `json:"run"`
	NextRun *time.Time               `json:"next_run,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func promotionIDs(ids []int64) []ledger.PromotionID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]ledger.PromotionID, len(ids))
	for i, id := range ids {
		out[i] = ledger.PromotionID(id)
	}
	return out
}

func userIDs(ids []int64) []ledger.UserID {
	out := make([]ledger.UserID, len(ids))
	for i, id := range ids {
		out[i] = ledger.UserID(id)
	}
	return out
}
