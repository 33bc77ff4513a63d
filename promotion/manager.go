package promotion

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/warp/loyalty-engine/ledger"
)

const (
	MaxNameLength        = 100
	MaxDescriptionLength = 1000
)

// =============================================================================
// VALIDATION
// =============================================================================

// Check validates the fields of p without looking at the clock or the store.
func Check(p ledger.Promotion) error {
	name := strings.TrimSpace(p.Name)
	if name == "" || utf8.RuneCountInString(p.Name) > MaxNameLength {
		return ledger.Invalid("name", "must be 1..%d characters", MaxNameLength)
	}
	if utf8.RuneCountInString(p.Description) > MaxDescriptionLength {
		return ledger.Invalid("description", "must be at most %d characters", MaxDescriptionLength)
	}
	if !p.Type.Valid() {
		return ledger.Invalid("type", "unknown promotion type %q", p.Type)
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return ledger.Invalid("start_time", "start and end are required")
	}
	if !p.End.After(p.Start) {
		return ledger.Invalid("end_time", "must be after start_time")
	}
	if p.MinSpend.Valid && p.MinSpend.Decimal.IsNegative() {
		return ledger.Invalid("min_spending", "must not be negative")
	}
	if p.RateBonus.Valid && !p.RateBonus.Decimal.IsPositive() {
		return ledger.Invalid("rate", "must be positive")
	}
	if p.FlatBonus != nil && *p.FlatBonus < 0 {
		return ledger.Invalid("points", "must not be negative")
	}
	if p.FlatBonus == nil && !p.RateBonus.Valid {
		return ledger.Invalid("rate", "one of rate or points is required")
	}
	return nil
}

// =============================================================================
// MANAGER - Promotion lifecycle
// =============================================================================

// Manager enforces when a promotion may change:
//
//	create   only with a start in the future
//	update   only while now < start, and the result must still start in the future
//	delete   only while not started, or never referenced by a transaction
//
// Once a transaction references a promotion it is immutable.
type Manager struct {
	Store ledger.TxStore
	Clock func() time.Time
}

func NewManager(store ledger.TxStore) *Manager {
	return &Manager{Store: store, Clock: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock().UTC()
}

// Create stores p and assigns its ID.
func (m *Manager) Create(ctx context.Context, p ledger.Promotion) (ledger.Promotion, error) {
	p.ID = 0
	if err := Check(p); err != nil {
		return ledger.Promotion{}, err
	}
	if p.Started(m.now()) {
		return ledger.Promotion{}, ledger.Invalid("start_time", "must be in the future")
	}
	if err := m.Store.SavePromotion(ctx, &p); err != nil {
		return ledger.Promotion{}, fmt.Errorf("save promotion: %w", err)
	}
	return p, nil
}

func (m *Manager) Get(ctx context.Context, id ledger.PromotionID) (ledger.Promotion, error) {
	return m.Store.GetPromotion(ctx, id)
}

// List returns every promotion, or only those active now when activeOnly
// is set.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]ledger.Promotion, error) {
	all, err := m.Store.ListPromotions(ctx)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return all, nil
	}
	now := m.now()
	active := all[:0]
	for _, p := range all {
		if p.ActiveAt(now) {
			active = append(active, p)
		}
	}
	return active, nil
}

// Update applies patch to the stored promotion.
func (m *Manager) Update(ctx context.Context, id ledger.PromotionID, patch func(*ledger.Promotion) error) (ledger.Promotion, error) {
	var updated ledger.Promotion
	err := m.Store.WithTx(ctx, func(s ledger.Store) error {
		p, err := s.GetPromotion(ctx, id)
		if err != nil {
			return err
		}
		now := m.now()
		if p.Started(now) {
			return &ledger.StateError{Reason: fmt.Sprintf("promotion %d has already started", id)}
		}
		referenced, err := s.PromotionReferenced(ctx, id)
		if err != nil {
			return fmt.Errorf("check promotion %d references: %w", id, err)
		}
		if referenced {
			return &ledger.StateError{Reason: fmt.Sprintf("promotion %d is in use", id)}
		}

		if err := patch(&p); err != nil {
			return err
		}
		p.ID = id
		if err := Check(p); err != nil {
			return err
		}
		if p.Started(now) {
			return ledger.Invalid("start_time", "must be in the future")
		}
		if err := s.SavePromotion(ctx, &p); err != nil {
			return fmt.Errorf("save promotion %d: %w", id, err)
		}
		updated = p
		return nil
	})
	return updated, err
}

// Delete removes a promotion that has not started or was never used.
func (m *Manager) Delete(ctx context.Context, id ledger.PromotionID) error {
	return m.Store.WithTx(ctx, func(s ledger.Store) error {
		p, err := s.GetPromotion(ctx, id)
		if err != nil {
			return err
		}
		if p.Started(m.now()) {
			referenced, err := s.PromotionReferenced(ctx, id)
			if err != nil {
				return fmt.Errorf("check promotion %d references: %w", id, err)
			}
			if referenced {
				return &ledger.StateError{Reason: fmt.Sprintf("promotion %d is in use", id)}
			}
		}
		return s.DeletePromotion(ctx, id)
	})
}
