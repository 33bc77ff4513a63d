package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator validates the promotions requested for a purchase. It never
// writes: recording one-time use is the caller's job, inside the same atomic
// unit that credits the points.
type Evaluator struct{}

// Validate returns the requested promotions in request order, or the first
// rejection. A single bad id fails the whole request.
//
// Rejections, checked per id in request order:
//   - id does not resolve                         -> RejectUnknown
//   - at outside [Start, End)                     -> RejectInactive
//   - one-time and already used by spender        -> RejectAlreadyUsed
//   - MinSpend greater than spend                 -> RejectMinSpendUnmet
func (Evaluator) Validate(
	ctx context.Context,
	store ledger.PromotionStore,
	spender ledger.UserID,
	ids []ledger.PromotionID,
	spend decimal.Decimal,
	at time.Time,
) ([]ledger.Promotion, error) {
	seen := make(map[ledger.PromotionID]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, ledger.Invalid("promotion_ids", "id %d is not positive", id)
		}
		if seen[id] {
			return nil, ledger.Invalid("promotion_ids", "id %d listed twice", id)
		}
		seen[id] = true
	}

	result := make([]ledger.Promotion, 0, len(ids))
	for _, id := range ids {
		p, err := store.GetPromotion(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, &ledger.PromotionError{PromotionID: id, Reason: ledger.RejectUnknown}
		}
		if err != nil {
			return nil, fmt.Errorf("load promotion %d: %w", id, err)
		}

		if !p.ActiveAt(at) {
			return nil, &ledger.PromotionError{PromotionID: id, Reason: ledger.RejectInactive}
		}

		if p.Type == ledger.PromotionOneTime {
			used, err := store.HasUsedPromotion(ctx, spender, id)
			if err != nil {
				return nil, fmt.Errorf("check promotion %d usage: %w", id, err)
			}
			if used {
				return nil, &ledger.PromotionError{PromotionID: id, Reason: ledger.RejectAlreadyUsed}
			}
		}

		if p.MinSpend.Valid && p.MinSpend.Decimal.GreaterThan(spend) {
			return nil, &ledger.PromotionError{PromotionID: id, Reason: ledger.RejectMinSpendUnmet}
		}

		result = append(result, p)
	}
	return result, nil
}

// OneTimeIDs returns the ids of the one-time promotions in promos.
func OneTimeIDs(promos []ledger.Promotion) []ledger.PromotionID {
	var ids []ledger.PromotionID
	for _, p := range promos {
		if p.Type == ledger.PromotionOneTime {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
