/*
Package factory provides JSON to Go promotion conversion.

PURPOSE:
  Converts JSON promotion definitions into ledger.Promotion values. Managers
  define promotions through the admin API or seed files; the factory turns
  the payload into a checked Go struct before the lifecycle manager sees it.

JSON SCHEMA:
  {
    "name": "Spring bonus",
    "description": "Extra points on every purchase",
    "type": "one-time",
    "start_time": "2025-04-01T00:00:00Z",
    "end_time": "2025-05-01T00:00:00Z",
    "min_spending": 20,
    "rate": 0.02,
    "points": 5
  }

  type accepts "recurring" and "one-time", plus the older spellings
  "automatic" and "onetime". At least one of rate and points is required.

PATCHES:
  PromotionPatchJSON has the same fields, all optional. ApplyPatch copies
  the present ones onto an existing promotion; the lifecycle manager then
  re-checks the result.

SEE ALSO:
  - promotion/manager.go: Check and lifecycle rules
  - api/handlers.go: promotion endpoints
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/promotion"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PromotionJSON is the JSON representation of a promotion.
type PromotionJSON struct {
	ID          int64            `json:"id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	StartTime   string           `json:"start_time"`
	EndTime     string           `json:"end_time"`
	MinSpending *decimal.Decimal `json:"min_spending,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	Points      *int64           `json:"points,omitempty"`
}

// PromotionPatchJSON is a partial update. Absent fields are left alone.
type PromotionPatchJSON struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Type        *string          `json:"type,omitempty"`
	StartTime   *string          `json:"start_time,omitempty"`
	EndTime     *string          `json:"end_time,omitempty"`
	MinSpending *decimal.Decimal `json:"min_spending,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	Points      *int64           `json:"points,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p PromotionPatchJSON) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Type == nil &&
		p.StartTime == nil && p.EndTime == nil &&
		p.MinSpending == nil && p.Rate == nil && p.Points == nil
}

// =============================================================================
// PROMOTION FACTORY
// =============================================================================

// PromotionFactory converts JSON promotions to Go structs.
type PromotionFactory struct{}

func NewPromotionFactory() *PromotionFactory {
	return &PromotionFactory{}
}

// ParsePromotion parses a JSON string into a checked Promotion.
func (f *PromotionFactory) ParsePromotion(jsonStr string) (ledger.Promotion, error) {
	var pj PromotionJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return ledger.Promotion{}, ledger.Invalid("body", "failed to parse promotion JSON: %v", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PromotionJSON to ledger.Promotion and checks it.
func (f *PromotionFactory) FromJSON(pj PromotionJSON) (ledger.Promotion, error) {
	typ, err := ParsePromotionType(pj.Type)
	if err != nil {
		return ledger.Promotion{}, err
	}
	start, err := parseTime("start_time", pj.StartTime)
	if err != nil {
		return ledger.Promotion{}, err
	}
	end, err := parseTime("end_time", pj.EndTime)
	if err != nil {
		return ledger.Promotion{}, err
	}

	p := ledger.Promotion{
		ID:          ledger.PromotionID(pj.ID),
		Name:        strings.TrimSpace(pj.Name),
		Description: strings.TrimSpace(pj.Description),
		Type:        typ,
		Start:       start,
		End:         end,
		MinSpend:    nullDecimal(pj.MinSpending),
		RateBonus:   nullDecimal(pj.Rate),
		FlatBonus:   points(pj.Points),
	}
	if err := promotion.Check(p); err != nil {
		return ledger.Promotion{}, err
	}
	return p, nil
}

// ApplyPatch copies the fields present in patch onto p. It does not check
// the result.
func (f *PromotionFactory) ApplyPatch(p *ledger.Promotion, patch PromotionPatchJSON) error {
	if patch.Empty() {
		return ledger.Invalid("body", "patch is empty")
	}
	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		p.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Type != nil {
		typ, err := ParsePromotionType(*patch.Type)
		if err != nil {
			return err
		}
		p.Type = typ
	}
	if patch.StartTime != nil {
		t, err := parseTime("start_time", *patch.StartTime)
		if err != nil {
			return err
		}
		p.Start = t
	}
	if patch.EndTime != nil {
		t, err := parseTime("end_time", *patch.EndTime)
		if err != nil {
			return err
		}
		p.End = t
	}
	if patch.MinSpending != nil {
		p.MinSpend = nullDecimal(patch.MinSpending)
	}
	if patch.Rate != nil {
		p.RateBonus = nullDecimal(patch.Rate)
	}
	if patch.Points != nil {
		p.FlatBonus = points(patch.Points)
	}
	return nil
}

// ToJSON converts a Promotion back to its JSON representation.
func (f *PromotionFactory) ToJSON(p ledger.Promotion) PromotionJSON {
	pj := PromotionJSON{
		ID:          int64(p.ID),
		Name:        p.Name,
		Description: p.Description,
		Type:        string(p.Type),
		StartTime:   p.Start.UTC().Format(time.RFC3339),
		EndTime:     p.End.UTC().Format(time.RFC3339),
	}
	if p.MinSpend.Valid {
		d := p.MinSpend.Decimal
		pj.MinSpending = &d
	}
	if p.RateBonus.Valid {
		d := p.RateBonus.Decimal
		pj.Rate = &d
	}
	if p.FlatBonus != nil {
		v := int64(*p.FlatBonus)
		pj.Points = &v
	}
	return pj
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// ParsePromotionType accepts the current and legacy type names.
func ParsePromotionType(s string) (ledger.PromotionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "recurring", "automatic":
		return ledger.PromotionRecurring, nil
	case "one-time", "onetime":
		return ledger.PromotionOneTime, nil
	default:
		return "", ledger.Invalid("type", "unknown promotion type %q", s)
	}
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ledger.Invalid(field, "is required")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, ledger.Invalid(field, "%v", fmt.Errorf("not RFC3339: %w", err))
	}
	return t.UTC(), nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func points(v *int64) *ledger.Points {
	if v == nil {
		return nil
	}
	p := ledger.Points(*v)
	return &p
}
