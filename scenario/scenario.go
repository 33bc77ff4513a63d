/*
Package scenario seeds a ledger from YAML scenario files.

PURPOSE:
  Populates a store with users, promotions, events and a short history of
  transactions for demos and manual testing. History goes through the
  engine, so seeded balances obey the same rules as live ones.

FILE FORMAT:
  id: demo
  name: Demo Store
  users:
    - {id: 1, name: cashier, verified: true}
  promotions:
    - {name: welcome, type: one-time, starts_in: -24h, ends_in: 720h, points: 50}
  events:
    - {id: 1, name: launch party, budget: 500}
  purchases:
    - {spender: 3, cashier: 1, spent: "25.00", promotions: [welcome]}
  redemptions:
    - {user: 2, amount: 30, settle: false}
  transfers:
    - {from: 2, to: 3, amount: 40}
  rewards:
    - {event: 1, recipient: 2, amount: 25, organizer: 1}

  Promotion windows are offsets from the moment the scenario is applied.
  Purchases name promotions by their scenario name.

NOTE:
  Apply resets the store first. Only use in development and demos.
*/
package scenario

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/engine"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// =============================================================================
// SCENARIO TYPES
// =============================================================================

type Scenario struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Users       []UserSeed       `yaml:"users" json:"-"`
	Promotions  []PromotionSeed  `yaml:"promotions" json:"-"`
	Events      []EventSeed      `yaml:"events" json:"-"`
	Purchases   []PurchaseSeed   `yaml:"purchases" json:"-"`
	Redemptions []RedemptionSeed `yaml:"redemptions" json:"-"`
	Transfers   []TransferSeed   `yaml:"transfers" json:"-"`
	Rewards     []RewardSeed     `yaml:"rewards" json:"-"`
}

type UserSeed struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name"`
	Points   int64  `yaml:"points"`
	Flagged  bool   `yaml:"flagged"`
	Verified bool   `yaml:"verified"`
}

type PromotionSeed struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Type        string        `yaml:"type"`
	StartsIn    time.Duration `yaml:"starts_in"`
	EndsIn      time.Duration `yaml:"ends_in"`
	MinSpending string        `yaml:"min_spending"`
	Rate        string        `yaml:"rate"`
	Points      *int64        `yaml:"points"`
}

type EventSeed struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Budget int64  `yaml:"budget"`
}

type PurchaseSeed struct {
	Spender    int64    `yaml:"spender"`
	Cashier    int64    `yaml:"cashier"`
	Spent      string   `yaml:"spent"`
	Promotions []string `yaml:"promotions"`
	Note       string   `yaml:"note"`
}

type RedemptionSeed struct {
	User   int64  `yaml:"user"`
	Amount int64  `yaml:"amount"`
	Settle bool   `yaml:"settle"`
	Note   string `yaml:"note"`
}

type TransferSeed struct {
	From   int64 `yaml:"from"`
	To     int64 `yaml:"to"`
	Amount int64 `yaml:"amount"`
}

type RewardSeed struct {
	Event     int64 `yaml:"event"`
	Recipient int64 `yaml:"recipient"`
	Amount    int64 `yaml:"amount"`
	Organizer int64 `yaml:"organizer"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Scenario     string `json:"scenario"`
	Users        int    `json:"users"`
	Promotions   int    `json:"promotions"`
	Events       int    `json:"events"`
	Transactions int    `json:"transactions"`
}

// =============================================================================
// LOADING
// =============================================================================

// Parse decodes and checks one scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile parses the scenario at path.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// Builtin returns the embedded scenarios ordered by id.
func Builtin() ([]*Scenario, error) {
	entries, err := builtin.ReadDir("scenarios")
	if err != nil {
		return nil, err
	}
	var out []*Scenario
	for _, entry := range entries {
		data, err := builtin.ReadFile(path.Join("scenarios", entry.Name()))
		if err != nil {
			return nil, err
		}
		s, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", entry.Name(), err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Lookup returns the embedded scenario with the given id.
func Lookup(id string) (*Scenario, error) {
	all, err := Builtin()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("scenario %q: %w", id, ledger.ErrNotFound)
}

func (s *Scenario) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	users := make(map[int64]bool, len(s.Users))
	for _, u := range s.Users {
		if u.ID <= 0 {
			return fmt.Errorf("user %q: id must be positive", u.Name)
		}
		if users[u.ID] {
			return fmt.Errorf("user %d listed twice", u.ID)
		}
		users[u.ID] = true
	}
	promos := make(map[string]bool, len(s.Promotions))
	for _, p := range s.Promotions {
		if promos[p.Name] {
			return fmt.Errorf("promotion %q listed twice", p.Name)
		}
		promos[p.Name] = true
	}
	for _, p := range s.Purchases {
		if !users[p.Spender] || !users[p.Cashier] {
			return fmt.Errorf("purchase references unknown user %d or %d", p.Spender, p.Cashier)
		}
		for _, name := range p.Promotions {
			if !promos[name] {
				return fmt.Errorf("purchase references unknown promotion %q", name)
			}
		}
	}
	return nil
}

// =============================================================================
// APPLYING
// =============================================================================

// Resetter is a store that can be emptied.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Apply resets eng's store and replays the scenario through eng. Promotion
// windows are anchored at now.
func (s *Scenario) Apply(ctx context.Context, eng *engine.Engine, now time.Time) (Summary, error) {
	sum := Summary{Scenario: s.ID}
	store := eng.Store

	r, ok := store.(Resetter)
	if !ok {
		return sum, fmt.Errorf("store %T cannot be reset", store)
	}
	if err := r.Reset(ctx); err != nil {
		return sum, fmt.Errorf("reset: %w", err)
	}

	for _, u := range s.Users {
		_, err := eng.Ledger.OpenAccount(ctx, ledger.User{
			ID:       ledger.UserID(u.ID),
			Name:     u.Name,
			Points:   ledger.Points(u.Points),
			Flagged:  u.Flagged,
			Verified: u.Verified,
		})
		if err != nil {
			return sum, fmt.Errorf("user %d: %w", u.ID, err)
		}
		sum.Users++
	}

	promoIDs, err := s.savePromotions(ctx, store, now)
	if err != nil {
		return sum, err
	}
	sum.Promotions = len(promoIDs)

	for _, e := range s.Events {
		err := store.SaveEvent(ctx, ledger.Event{ID: ledger.EventID(e.ID), Name: e.Name, PointsRemain: ledger.Points(e.Budget)})
		if err != nil {
			return sum, fmt.Errorf("event %d: %w", e.ID, err)
		}
		sum.Events++
	}

	for i, p := range s.Purchases {
		spent, err := decimal.NewFromString(p.Spent)
		if err != nil {
			return sum, fmt.Errorf("purchase %d: spent: %w", i, err)
		}
		ids := make([]ledger.PromotionID, len(p.Promotions))
		for j, name := range p.Promotions {
			ids[j] = promoIDs[name]
		}
		_, err = eng.CreatePurchase(ctx, engine.PurchaseRequest{
			SpenderID:    ledger.UserID(p.Spender),
			CashierID:    ledger.UserID(p.Cashier),
			Spent:        spent,
			PromotionIDs: ids,
			Note:         p.Note,
		})
		if err != nil {
			return sum, fmt.Errorf("purchase %d: %w", i, err)
		}
		sum.Transactions++
	}

	for i, rd := range s.Redemptions {
		view, err := eng.CreateRedemption(ctx, engine.RedemptionRequest{
			UserID: ledger.UserID(rd.User),
			Amount: ledger.Points(rd.Amount),
			Note:   rd.Note,
		})
		if err != nil {
			return sum, fmt.Errorf("redemption %d: %w", i, err)
		}
		sum.Transactions++
		if rd.Settle {
			if _, err := eng.SetRedemptionSettled(ctx, view.ID, true); err != nil {
				return sum, fmt.Errorf("redemption %d: settle: %w", i, err)
			}
		}
	}

	for i, t := range s.Transfers {
		_, err := eng.CreateTransfer(ctx, engine.TransferRequest{
			SenderID:    ledger.UserID(t.From),
			RecipientID: ledger.UserID(t.To),
			Amount:      ledger.Points(t.Amount),
		})
		if err != nil {
			return sum, fmt.Errorf("transfer %d: %w", i, err)
		}
		sum.Transactions += 2
	}

	for i, rw := range s.Rewards {
		_, err := eng.GrantEventReward(ctx, engine.EventRewardRequest{
			EventID:     ledger.EventID(rw.Event),
			RecipientID: ledger.UserID(rw.Recipient),
			Amount:      ledger.Points(rw.Amount),
			OrganizerID: ledger.UserID(rw.Organizer),
		})
		if err != nil {
			return sum, fmt.Errorf("reward %d: %w", i, err)
		}
		sum.Transactions++
	}

	return sum, nil
}

func (s *Scenario) savePromotions(ctx context.Context, store ledger.Store, now time.Time) (map[string]ledger.PromotionID, error) {
	f := factory.NewPromotionFactory()
	ids := make(map[string]ledger.PromotionID, len(s.Promotions))
	for _, seed := range s.Promotions {
		pj := factory.PromotionJSON{
			Name:        seed.Name,
			Description: seed.Description,
			Type:        seed.Type,
			StartTime:   now.Add(seed.StartsIn).UTC().Format(time.RFC3339),
			EndTime:     now.Add(seed.EndsIn).UTC().Format(time.RFC3339),
			Points:      seed.Points,
		}
		var err error
		if pj.MinSpending, err = optionalDecimal(seed.MinSpending); err != nil {
			return nil, fmt.Errorf("promotion %q: min_spending: %w", seed.Name, err)
		}
		if pj.Rate, err = optionalDecimal(seed.Rate); err != nil {
			return nil, fmt.Errorf("promotion %q: rate: %w", seed.Name, err)
		}

		p, err := f.FromJSON(pj)
		if err != nil {
			return nil, fmt.Errorf("promotion %q: %w", seed.Name, err)
		}
		if err := store.SavePromotion(ctx, &p); err != nil {
			return nil, fmt.Errorf("promotion %q: %w", seed.Name, err)
		}
		ids[seed.Name] = p.ID
	}
	return ids, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
