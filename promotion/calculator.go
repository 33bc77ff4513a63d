/*
Package promotion computes purchase points and decides which promotions apply.

PURPOSE:
  Three pieces live here, leaves of the transaction engine:
    - Calculator: pure mapping (spend, promotions) -> points
    - Evaluator:  read-only, all-or-nothing promotion validation
    - Manager:    promotion lifecycle (create, update, delete windows)

POINTS FORMULA:
  base  = floor(spend / PointValue)
  bonus = sum over promotions of
            FlatBonus                                (if set)
          + floor(spend * RateScale * RateBonus)     (if set)

  Example: PointValue 0.25, RateScale 100, spend 10.00,
  one promotion {FlatBonus 5, RateBonus 0.02}
    base  = 40
    bonus = 5 + floor(10.00 * 100 * 0.02) = 25
    total = 65

  Every term is floored on its own, so the total can be lower than
  floor(sum of exact terms).

SEE ALSO:
  - engine/purchase.go: the only caller of Compute
*/
package promotion

import (
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	// PointValue is the currency amount worth one base point.
	PointValue decimal.Decimal

	// RateScale converts a rate bonus into points per currency unit.
	RateScale decimal.Decimal
}

// DefaultCalculator awards one point per 0.25 spent and scales rate bonuses
// by 100.
func DefaultCalculator() Calculator {
	return Calculator{
		PointValue: decimal.RequireFromString("0.25"),
		RateScale:  decimal.NewFromInt(100),
	}
}

// Compute returns the points earned by spending spend with promos applied.
func (c Calculator) Compute(spend decimal.Decimal, promos []ledger.Promotion) (ledger.Points, error) {
	if spend.IsNegative() {
		return 0, ledger.Invalid("spent", "must not be negative, got %s", spend)
	}
	if !c.PointValue.IsPositive() {
		return 0, ledger.Invalid("point_value", "must be positive, got %s", c.PointValue)
	}

	total := spend.Div(c.PointValue).Floor().IntPart()
	for _, p := range promos {
		if p.FlatBonus != nil {
			total += int64(*p.FlatBonus)
		}
		if p.RateBonus.Valid {
			total += spend.Mul(c.RateScale).Mul(p.RateBonus.Decimal).Floor().IntPart()
		}
	}
	return ledger.Points(total), nil
}
