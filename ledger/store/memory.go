// Package store provides in-memory ledger.TxStore implementations.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex that is held only
// for the duration of a single read or write. WithTx does not hold it across
// fn: each write inside a unit records its inverse in a journal, and the
// journal is replayed backwards when fn fails. Isolation between units
// comes from the ledger's per-user locks, except for event budgets, which
// several users share: a unit that consumes a budget holds that event's lock
// until it commits or rolls back.
type Memory struct {
	mu sync.RWMutex

	users        map[ledger.UserID]ledger.User
	transactions map[ledger.TransactionID]ledger.Transaction
	byUser       map[ledger.UserID][]ledger.TransactionID
	promotions   map[ledger.PromotionID]ledger.Promotion
	usage        map[ledger.PromotionID]map[ledger.UserID]bool
	promoRefs    map[ledger.PromotionID]int
	events       map[ledger.EventID]ledger.Event
	runs         []ledger.ReconciliationRun

	nextTx    ledger.TransactionID
	nextPromo ledger.PromotionID

	eventLocks map[ledger.EventID]*sync.Mutex
}

var (
	_ ledger.TxStore  = (*Memory)(nil)
	_ ledger.RunStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	m := &Memory{eventLocks: make(map[ledger.EventID]*sync.Mutex)}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.users = make(map[ledger.UserID]ledger.User)
	m.transactions = make(map[ledger.TransactionID]ledger.Transaction)
	m.byUser = make(map[ledger.UserID][]ledger.TransactionID)
	m.promotions = make(map[ledger.PromotionID]ledger.Promotion)
	m.usage = make(map[ledger.PromotionID]map[ledger.UserID]bool)
	m.promoRefs = make(map[ledger.PromotionID]int)
	m.events = make(map[ledger.EventID]ledger.Event)
	m.runs = nil
	m.nextTx = 0
	m.nextPromo = 0
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

type undo func()

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn with a journaling view of m. On error every write made
// through the view is reverted.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	j := &journal{Memory: m}
	defer j.releaseEvents()
	if err := fn(j); err != nil {
		j.rollback()
		return err
	}
	return nil
}

func (m *Memory) eventLock(id ledger.EventID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.eventLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.eventLocks[id] = l
	}
	return l
}

type journal struct {
	*Memory
	undo []undo

	// events this unit has consumed budget from; locked until it ends.
	events map[ledger.EventID]*sync.Mutex
}

func (j *journal) holdEvent(id ledger.EventID) {
	if _, ok := j.events[id]; ok {
		return
	}
	l := j.eventLock(id)
	l.Lock()
	if j.events == nil {
		j.events = make(map[ledger.EventID]*sync.Mutex)
	}
	j.events[id] = l
}

func (j *journal) releaseEvents() {
	for _, l := range j.events {
		l.Unlock()
	}
}

func (j *journal) record(u undo, err error) error {
	if err == nil && u != nil {
		j.undo = append(j.undo, u)
	}
	return err
}

func (j *journal) rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

func (j *journal) SaveUser(_ context.Context, u ledger.User) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.saveUserLocked(u), nil)
}

func (j *journal) SetPoints(_ context.Context, id ledger.UserID, points ledger.Points) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.setPointsLocked(id, points))
}

func (j *journal) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.appendLocked(tx))
}

func (j *journal) LinkTransactions(_ context.Context, a, b ledger.TransactionID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.linkLocked(a, b))
}

func (j *journal) SetQuarantined(_ context.Context, id ledger.TransactionID, quarantined bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.updateTxLocked(id, func(tx *ledger.Transaction) { tx.Quarantined = quarantined }))
}

func (j *journal) SetRedemptionState(_ context.Context, id ledger.TransactionID, settled, reopened bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.updateTxLocked(id, func(tx *ledger.Transaction) {
		tx.Settled = settled
		tx.Reopened = reopened
	}))
}

func (j *journal) SavePromotion(_ context.Context, p *ledger.Promotion) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.savePromotionLocked(p))
}

func (j *journal) DeletePromotion(_ context.Context, id ledger.PromotionID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.deletePromotionLocked(id))
}

func (j *journal) RecordPromotionUse(_ context.Context, userID ledger.UserID, ids []ledger.PromotionID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.recordUseLocked(userID, ids), nil)
}

func (j *journal) SaveEvent(_ context.Context, e ledger.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(j.saveEventLocked(e), nil)
}

func (j *journal) ConsumeEventBudget(_ context.Context, id ledger.EventID, amount ledger.Points) (ledger.Event, error) {
	j.holdEvent(id)
	j.mu.Lock()
	defer j.mu.Unlock()
	e, u, err := j.consumeBudgetLocked(id, amount)
	return e, j.record(u, err)
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.User{}, ledger.UserNotFound(id)
	}
	return u, nil
}

func (m *Memory) SaveUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveUserLocked(u)
	return nil
}

func (m *Memory) saveUserLocked(u ledger.User) undo {
	prev, existed := m.users[u.ID]
	if existed {
		u.Points = prev.Points
	}
	m.users[u.ID] = u
	return func() {
		if existed {
			m.users[u.ID] = prev
		} else {
			delete(m.users, u.ID)
		}
	}
}

func (m *Memory) SetPoints(_ context.Context, id ledger.UserID, points ledger.Points) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.setPointsLocked(id, points)
	return err
}

func (m *Memory) setPointsLocked(id ledger.UserID, points ledger.Points) (undo, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ledger.UserNotFound(id)
	}
	prev := u.Points
	u.Points = points
	m.users[id] = u
	return func() {
		u := m.users[id]
		u.Points = prev
		m.users[id] = u
	}, nil
}

func (m *Memory) ListUserIDs(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ledger.UserID, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLocked(tx)
	return err
}

func (m *Memory) appendLocked(tx *ledger.Transaction) (undo, error) {
	if _, ok := m.users[tx.UserID]; !ok {
		return nil, ledger.UserNotFound(tx.UserID)
	}
	m.nextTx++
	tx.ID = m.nextTx
	stored := *tx
	stored.PromotionIDs = slices.Clone(tx.PromotionIDs)
	m.transactions[tx.ID] = stored
	m.byUser[tx.UserID] = append(m.byUser[tx.UserID], tx.ID)
	for _, pid := range stored.PromotionIDs {
		m.promoRefs[pid]++
	}

	id := tx.ID
	return func() {
		delete(m.transactions, id)
		ids := m.byUser[stored.UserID]
		m.byUser[stored.UserID] = slices.DeleteFunc(ids, func(x ledger.TransactionID) bool { return x == id })
		for _, pid := range stored.PromotionIDs {
			m.promoRefs[pid]--
		}
	}, nil
}

func (m *Memory) LinkTransactions(_ context.Context, a, b ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.linkLocked(a, b)
	return err
}

func (m *Memory) linkLocked(a, b ledger.TransactionID) (undo, error) {
	ua, err := m.updateTxLocked(a, func(tx *ledger.Transaction) { tx.RelatedID = &b })
	if err != nil {
		return nil, err
	}
	ub, err := m.updateTxLocked(b, func(tx *ledger.Transaction) { tx.RelatedID = &a })
	if err != nil {
		ua()
		return nil, err
	}
	return func() { ub(); ua() }, nil
}

func (m *Memory) updateTxLocked(id ledger.TransactionID, mutate func(*ledger.Transaction)) (undo, error) {
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ledger.TransactionNotFound(id)
	}
	prev := tx
	mutate(&tx)
	m.transactions[id] = tx
	return func() { m.transactions[id] = prev }, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.TransactionNotFound(id)
	}
	tx.PromotionIDs = slices.Clone(tx.PromotionIDs)
	return tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byUser[userID]
	result := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		tx := m.transactions[id]
		tx.PromotionIDs = slices.Clone(tx.PromotionIDs)
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SetQuarantined(_ context.Context, id ledger.TransactionID, quarantined bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.updateTxLocked(id, func(tx *ledger.Transaction) { tx.Quarantined = quarantined })
	return err
}

func (m *Memory) SetRedemptionState(_ context.Context, id ledger.TransactionID, settled, reopened bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.updateTxLocked(id, func(tx *ledger.Transaction) {
		tx.Settled = settled
		tx.Reopened = reopened
	})
	return err
}

func (m *Memory) PendingRedemptionTotal(_ context.Context, userID ledger.UserID) (ledger.Points, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total ledger.Points
	for _, id := range m.byUser[userID] {
		tx := m.transactions[id]
		if tx.Pending() {
			total += abs(tx.Amount)
		}
	}
	return total, nil
}

// =============================================================================
// PROMOTIONS
// =============================================================================

func (m *Memory) GetPromotion(_ context.Context, id ledger.PromotionID) (ledger.Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.promotions[id]
	if !ok {
		return ledger.Promotion{}, ledger.PromotionNotFound(id)
	}
	return p, nil
}

func (m *Memory) ListPromotions(_ context.Context) ([]ledger.Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Promotion, 0, len(m.promotions))
	for _, p := range m.promotions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SavePromotion(_ context.Context, p *ledger.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.savePromotionLocked(p)
	return err
}

func (m *Memory) savePromotionLocked(p *ledger.Promotion) (undo, error) {
	if p.ID == 0 {
		m.nextPromo++
		p.ID = m.nextPromo
	} else if p.ID > m.nextPromo {
		m.nextPromo = p.ID
	}
	prev, existed := m.promotions[p.ID]
	m.promotions[p.ID] = *p
	id := p.ID
	return func() {
		if existed {
			m.promotions[id] = prev
		} else {
			delete(m.promotions, id)
		}
	}, nil
}

func (m *Memory) DeletePromotion(_ context.Context, id ledger.PromotionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.deletePromotionLocked(id)
	return err
}

func (m *Memory) deletePromotionLocked(id ledger.PromotionID) (undo, error) {
	prev, ok := m.promotions[id]
	if !ok {
		return nil, ledger.PromotionNotFound(id)
	}
	delete(m.promotions, id)
	return func() { m.promotions[id] = prev }, nil
}

func (m *Memory) HasUsedPromotion(_ context.Context, userID ledger.UserID, id ledger.PromotionID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[id][userID], nil
}

func (m *Memory) RecordPromotionUse(_ context.Context, userID ledger.UserID, ids []ledger.PromotionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordUseLocked(userID, ids)
	return nil
}

func (m *Memory) recordUseLocked(userID ledger.UserID, ids []ledger.PromotionID) undo {
	var added []ledger.PromotionID
	for _, id := range ids {
		if m.usage[id] == nil {
			m.usage[id] = make(map[ledger.UserID]bool)
		}
		if !m.usage[id][userID] {
			m.usage[id][userID] = true
			added = append(added, id)
		}
	}
	return func() {
		for _, id := range added {
			delete(m.usage[id], userID)
		}
	}
}

func (m *Memory) PromotionReferenced(_ context.Context, id ledger.PromotionID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.promoRefs[id] > 0, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) GetEvent(_ context.Context, id ledger.EventID) (ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return ledger.Event{}, ledger.EventNotFound(id)
	}
	return e, nil
}

func (m *Memory) SaveEvent(_ context.Context, e ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveEventLocked(e)
	return nil
}

func (m *Memory) saveEventLocked(e ledger.Event) undo {
	prev, existed := m.events[e.ID]
	m.events[e.ID] = e
	return func() {
		if existed {
			m.events[e.ID] = prev
		} else {
			delete(m.events, e.ID)
		}
	}
}

func (m *Memory) ConsumeEventBudget(_ context.Context, id ledger.EventID, amount ledger.Points) (ledger.Event, error) {
	l := m.eventLock(id)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _, err := m.consumeBudgetLocked(id, amount)
	return e, err
}

func (m *Memory) consumeBudgetLocked(id ledger.EventID, amount ledger.Points) (ledger.Event, undo, error) {
	e, ok := m.events[id]
	if !ok {
		return ledger.Event{}, nil, ledger.EventNotFound(id)
	}
	if e.PointsRemain < amount {
		return e, nil, ledger.ErrBudgetExhausted
	}
	e.PointsRemain -= amount
	e.PointsAwarded += amount
	m.events[id] = e
	// Events are shared across users, so undo gives the points back rather
	// than restoring a snapshot another unit may have moved past.
	return e, func() {
		e := m.events[id]
		e.PointsRemain += amount
		e.PointsAwarded -= amount
		m.events[id] = e
	}, nil
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (m *Memory) SaveReconciliationRun(_ context.Context, run ledger.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.ReconciliationRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

func abs(p ledger.Points) ledger.Points {
	if p < 0 {
		return -p
	}
	return p
}
