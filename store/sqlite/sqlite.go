/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.TxStore and ledger.RunStore on SQLite through sqlx. In
  production the same patterns apply to PostgreSQL; only the placeholder
  style and the upsert syntax differ.

APPEND-ONLY ENFORCEMENT:
  Rows in transactions are never deleted. The only UPDATEs touch:
  - quarantined        (purchases)
  - settled, reopened  (redemptions)
  - related_id         (linking transfer legs inside the creating unit)

KEY TABLES:
  users:                  balances plus flagged/verified status
  transactions:           the log
  transaction_promotions: promotions referenced by each transaction
  promotions:             validity window and bonus fields
  promotion_usage:        one-time promotion consumption (append-only)
  events:                 event reward budgets
  reconciliation_runs:    balance verification history

DECIMALS AND TIME:
  Spend amounts, minimum spend and rate bonuses are stored as TEXT and read
  back with decimal.NullDecimal, so no value passes through float64.
  Timestamps are UTC TEXT in a fixed-width RFC3339 layout.

CONCURRENCY:
  The pool is capped at one connection: SQLite has one writer anyway, and
  ":memory:" databases are per-connection. Per-user serialization happens
  above this layer in the ledger's lock table, which is always acquired
  before WithTx, so a unit waiting for the connection never holds it.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store, engine.Config{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore and ledger.RunStore using SQLite.
//
// q is the handle statements run on: the pool, or the open transaction for
// the Store handed to WithTx callbacks.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.RunStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL DEFAULT 0,
		flagged INTEGER NOT NULL DEFAULT 0,
		verified INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		spent TEXT,
		related_id INTEGER,
		event_id INTEGER,
		quarantined INTEGER NOT NULL DEFAULT 0,
		settled INTEGER NOT NULL DEFAULT 0,
		reopened INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		created_by INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, id);

	-- Reservations: pending redemptions per user (hot path for issuance)
	CREATE INDEX IF NOT EXISTS idx_transactions_pending_redemptions
		ON transactions(user_id) WHERE tx_type = 'redemption' AND settled = 0;

	CREATE TABLE IF NOT EXISTS transaction_promotions (
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		promotion_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (transaction_id, promotion_id)
	);

	CREATE INDEX IF NOT EXISTS idx_transaction_promotions_promotion
		ON transaction_promotions(promotion_id);

	CREATE TABLE IF NOT EXISTS promotions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		promo_type TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		min_spend TEXT,
		flat_bonus INTEGER,
		rate_bonus TEXT
	);

	-- One-time consumption: at most one row per (promotion, user)
	CREATE TABLE IF NOT EXISTS promotion_usage (
		promotion_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (promotion_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		points_remain INTEGER NOT NULL DEFAULT 0 CHECK (points_remain >= 0),
		points_awarded INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		users_checked INTEGER NOT NULL DEFAULT 0,
		discrepancies_json TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset clears all data.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(ls ledger.Store) error {
		tx := ls.(*Store)
		for _, table := range []string{
			"transaction_promotions", "promotion_usage", "transactions",
			"promotions", "events", "users", "reconciliation_runs",
		} {
			if _, err := tx.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		_, err := tx.q.ExecContext(ctx, "DELETE FROM sqlite_sequence")
		return err
	})
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Calls on a Store that is
// already inside a transaction join it.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	if _, nested := s.q.(*sqlx.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// USERS
// =============================================================================

type userRow struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Points   int64  `db:"points"`
	Flagged  bool   `db:"flagged"`
	Verified bool   `db:"verified"`
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	var r userRow
	err := sqlx.GetContext(ctx, s.q, &r, `SELECT id, name, points, flagged, verified FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, ledger.UserNotFound(id)
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return ledger.User{
		ID:       ledger.UserID(r.ID),
		Name:     r.Name,
		Points:   ledger.Points(r.Points),
		Flagged:  r.Flagged,
		Verified: r.Verified,
	}, nil
}

func (s *Store) SaveUser(ctx context.Context, u ledger.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, name, points, flagged, verified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			flagged = excluded.flagged,
			verified = excluded.verified`,
		u.ID, u.Name, u.Points, u.Flagged, u.Verified)
	if err != nil {
		return fmt.Errorf("save user %d: %w", u.ID, err)
	}
	return nil
}

func (s *Store) SetPoints(ctx context.Context, id ledger.UserID, points ledger.Points) error {
	res, err := s.q.ExecContext(ctx, `UPDATE users SET points = ? WHERE id = ?`, points, id)
	if err != nil {
		return fmt.Errorf("set points for user %d: %w", id, err)
	}
	return requireRow(res, ledger.UserNotFound(id))
}

func (s *Store) ListUserIDs(ctx context.Context) ([]ledger.UserID, error) {
	var ids []ledger.UserID
	if err := sqlx.SelectContext(ctx, s.q, &ids, `SELECT id FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type transactionRow struct {
	ID          int64               `db:"id"`
	UserID      int64               `db:"user_id"`
	Type        string              `db:"tx_type"`
	Amount      int64               `db:"amount"`
	Spent       decimal.NullDecimal `db:"spent"`
	RelatedID   sql.NullInt64       `db:"related_id"`
	EventID     sql.NullInt64       `db:"event_id"`
	Quarantined bool                `db:"quarantined"`
	Settled     bool                `db:"settled"`
	Reopened    bool                `db:"reopened"`
	Note        string              `db:"note"`
	CreatedBy   int64               `db:"created_by"`
	CreatedAt   string              `db:"created_at"`
}

const transactionColumns = `id, user_id, tx_type, amount, spent, related_id, event_id,
	quarantined, settled, reopened, note, created_by, created_at`

func (r transactionRow) toLedger() (ledger.Transaction, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %d: bad created_at %q: %w", r.ID, r.CreatedAt, err)
	}
	tx := ledger.Transaction{
		ID:          ledger.TransactionID(r.ID),
		UserID:      ledger.UserID(r.UserID),
		Type:        ledger.TransactionType(r.Type),
		Amount:      ledger.Points(r.Amount),
		Spent:       r.Spent,
		Quarantined: r.Quarantined,
		Settled:     r.Settled,
		Reopened:    r.Reopened,
		Note:        r.Note,
		CreatedBy:   ledger.UserID(r.CreatedBy),
		CreatedAt:   createdAt,
	}
	if r.RelatedID.Valid {
		id := ledger.TransactionID(r.RelatedID.Int64)
		tx.RelatedID = &id
	}
	if r.EventID.Valid {
		id := ledger.EventID(r.EventID.Int64)
		tx.EventID = &id
	}
	return tx, nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	var related, event sql.NullInt64
	if tx.RelatedID != nil {
		related = sql.NullInt64{Int64: int64(*tx.RelatedID), Valid: true}
	}
	if tx.EventID != nil {
		event = sql.NullInt64{Int64: int64(*tx.EventID), Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (user_id, tx_type, amount, spent, related_id, event_id,
			quarantined, settled, reopened, note, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, string(tx.Type), tx.Amount, tx.Spent, related, event,
		tx.Quarantined, tx.Settled, tx.Reopened, tx.Note, tx.CreatedBy,
		tx.CreatedAt.UTC().Format(timeLayout),
	)
	if isForeignKeyError(err) {
		return ledger.UserNotFound(tx.UserID)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	for i, pid := range tx.PromotionIDs {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO transaction_promotions (transaction_id, promotion_id, position)
			VALUES (?, ?, ?)`, id, pid, i); err != nil {
			return fmt.Errorf("insert promotion %d of transaction %d: %w", pid, id, err)
		}
	}
	tx.ID = ledger.TransactionID(id)
	return nil
}

func (s *Store) LinkTransactions(ctx context.Context, a, b ledger.TransactionID) error {
	for _, pair := range [][2]ledger.TransactionID{{a, b}, {b, a}} {
		res, err := s.q.ExecContext(ctx, `UPDATE transactions SET related_id = ? WHERE id = ?`, pair[1], pair[0])
		if err != nil {
			return fmt.Errorf("link transaction %d: %w", pair[0], err)
		}
		if err := requireRow(res, ledger.TransactionNotFound(pair[0])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	var r transactionRow
	err := sqlx.GetContext(ctx, s.q, &r, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.TransactionNotFound(id)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	tx, err := r.toLedger()
	if err != nil {
		return ledger.Transaction{}, err
	}

	if err := sqlx.SelectContext(ctx, s.q, &tx.PromotionIDs, `
		SELECT promotion_id FROM transaction_promotions
		WHERE transaction_id = ? ORDER BY position`, id); err != nil {
		return ledger.Transaction{}, fmt.Errorf("load promotions of transaction %d: %w", id, err)
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	var rows []transactionRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? ORDER BY id`, userID); err != nil {
		return nil, fmt.Errorf("list transactions of user %d: %w", userID, err)
	}

	var links []struct {
		TransactionID int64 `db:"transaction_id"`
		PromotionID   int64 `db:"promotion_id"`
	}
	if err := sqlx.SelectContext(ctx, s.q, &links, `
		SELECT tp.transaction_id, tp.promotion_id
		FROM transaction_promotions tp
		JOIN transactions t ON t.id = tp.transaction_id
		WHERE t.user_id = ?
		ORDER BY tp.transaction_id, tp.position`, userID); err != nil {
		return nil, fmt.Errorf("list promotions of user %d: %w", userID, err)
	}
	promos := make(map[int64][]ledger.PromotionID, len(links))
	for _, l := range links {
		promos[l.TransactionID] = append(promos[l.TransactionID], ledger.PromotionID(l.PromotionID))
	}

	result := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toLedger()
		if err != nil {
			return nil, err
		}
		tx.PromotionIDs = promos[r.ID]
		result = append(result, tx)
	}
	return result, nil
}

func (s *Store) SetQuarantined(ctx context.Context, id ledger.TransactionID, quarantined bool) error {
	res, err := s.q.ExecContext(ctx, `UPDATE transactions SET quarantined = ? WHERE id = ?`, quarantined, id)
	if err != nil {
		return fmt.Errorf("set quarantined on transaction %d: %w", id, err)
	}
	return requireRow(res, ledger.TransactionNotFound(id))
}

func (s *Store) SetRedemptionState(ctx context.Context, id ledger.TransactionID, settled, reopened bool) error {
	res, err := s.q.ExecContext(ctx, `UPDATE transactions SET settled = ?, reopened = ? WHERE id = ?`, settled, reopened, id)
	if err != nil {
		return fmt.Errorf("set redemption state on transaction %d: %w", id, err)
	}
	return requireRow(res, ledger.TransactionNotFound(id))
}

func (s *Store) PendingRedemptionTotal(ctx context.Context, userID ledger.UserID) (ledger.Points, error) {
	var total int64
	err := sqlx.GetContext(ctx, s.q, &total, `
		SELECT COALESCE(SUM(-amount), 0) FROM transactions
		WHERE user_id = ? AND tx_type = 'redemption' AND settled = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("sum pending redemptions of user %d: %w", userID, err)
	}
	return ledger.Points(total), nil
}

// =============================================================================
// PROMOTIONS
// =============================================================================

type promotionRow struct {
	ID          int64               `db:"id"`
	Name        string              `db:"name"`
	Description string              `db:"description"`
	Type        string              `db:"promo_type"`
	Start       string              `db:"start_time"`
	End         string              `db:"end_time"`
	MinSpend    decimal.NullDecimal `db:"min_spend"`
	FlatBonus   sql.NullInt64       `db:"flat_bonus"`
	RateBonus   decimal.NullDecimal `db:"rate_bonus"`
}

const promotionColumns = `id, name, description, promo_type, start_time, end_time, min_spend, flat_bonus, rate_bonus`

func (r promotionRow) toLedger() (ledger.Promotion, error) {
	start, err := time.Parse(time.RFC3339Nano, r.Start)
	if err != nil {
		return ledger.Promotion{}, fmt.Errorf("promotion %d: bad start_time: %w", r.ID, err)
	}
	end, err := time.Parse(time.RFC3339Nano, r.End)
	if err != nil {
		return ledger.Promotion{}, fmt.Errorf("promotion %d: bad end_time: %w", r.ID, err)
	}
	p := ledger.Promotion{
		ID:          ledger.PromotionID(r.ID),
		Name:        r.Name,
		Description: r.Description,
		Type:        ledger.PromotionType(r.Type),
		Start:       start,
		End:         end,
		MinSpend:    r.MinSpend,
		RateBonus:   r.RateBonus,
	}
	if r.FlatBonus.Valid {
		bonus := ledger.Points(r.FlatBonus.Int64)
		p.FlatBonus = &bonus
	}
	return p, nil
}

func (s *Store) GetPromotion(ctx context.Context, id ledger.PromotionID) (ledger.Promotion, error) {
	var r promotionRow
	err := sqlx.GetContext(ctx, s.q, &r, `SELECT `+promotionColumns+` FROM promotions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Promotion{}, ledger.PromotionNotFound(id)
	}
	if err != nil {
		return ledger.Promotion{}, fmt.Errorf("get promotion %d: %w", id, err)
	}
	return r.toLedger()
}

func (s *Store) ListPromotions(ctx context.Context) ([]ledger.Promotion, error) {
	var rows []promotionRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `SELECT `+promotionColumns+` FROM promotions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	out := make([]ledger.Promotion, 0, len(rows))
	for _, r := range rows {
		p, err := r.toLedger()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) SavePromotion(ctx context.Context, p *ledger.Promotion) error {
	var flat sql.NullInt64
	if p.FlatBonus != nil {
		flat = sql.NullInt64{Int64: int64(*p.FlatBonus), Valid: true}
	}
	args := []any{
		p.Name, p.Description, string(p.Type),
		p.Start.UTC().Format(timeLayout), p.End.UTC().Format(timeLayout),
		p.MinSpend, flat, p.RateBonus,
	}

	if p.ID == 0 {
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO promotions (name, description, promo_type, start_time, end_time, min_spend, flat_bonus, rate_bonus)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return fmt.Errorf("insert promotion: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert promotion: %w", err)
		}
		p.ID = ledger.PromotionID(id)
		return nil
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO promotions (id, name, description, promo_type, start_time, end_time, min_spend, flat_bonus, rate_bonus)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			promo_type = excluded.promo_type,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			min_spend = excluded.min_spend,
			flat_bonus = excluded.flat_bonus,
			rate_bonus = excluded.rate_bonus`,
		append([]any{p.ID}, args...)...)
	if err != nil {
		return fmt.Errorf("save promotion %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) DeletePromotion(ctx context.Context, id ledger.PromotionID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM promotions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete promotion %d: %w", id, err)
	}
	return requireRow(res, ledger.PromotionNotFound(id))
}

func (s *Store) HasUsedPromotion(ctx context.Context, userID ledger.UserID, id ledger.PromotionID) (bool, error) {
	var used bool
	err := sqlx.GetContext(ctx, s.q, &used, `
		SELECT EXISTS(SELECT 1 FROM promotion_usage WHERE promotion_id = ? AND user_id = ?)`, id, userID)
	if err != nil {
		return false, fmt.Errorf("check usage of promotion %d: %w", id, err)
	}
	return used, nil
}

func (s *Store) RecordPromotionUse(ctx context.Context, userID ledger.UserID, ids []ledger.PromotionID) error {
	for _, id := range ids {
		if _, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO promotion_usage (promotion_id, user_id) VALUES (?, ?)`, id, userID); err != nil {
			return fmt.Errorf("record use of promotion %d: %w", id, err)
		}
	}
	return nil
}

func (s *Store) PromotionReferenced(ctx context.Context, id ledger.PromotionID) (bool, error) {
	var referenced bool
	err := sqlx.GetContext(ctx, s.q, &referenced, `
		SELECT EXISTS(SELECT 1 FROM transaction_promotions WHERE promotion_id = ?)`, id)
	if err != nil {
		return false, fmt.Errorf("check references of promotion %d: %w", id, err)
	}
	return referenced, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) GetEvent(ctx context.Context, id ledger.EventID) (ledger.Event, error) {
	var r struct {
		ID            int64  `db:"id"`
		Name          string `db:"name"`
		PointsRemain  int64  `db:"points_remain"`
		PointsAwarded int64  `db:"points_awarded"`
	}
	err := sqlx.GetContext(ctx, s.q, &r, `
		SELECT id, name, points_remain, points_awarded FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Event{}, ledger.EventNotFound(id)
	}
	if err != nil {
		return ledger.Event{}, fmt.Errorf("get event %d: %w", id, err)
	}
	return ledger.Event{
		ID:            ledger.EventID(r.ID),
		Name:          r.Name,
		PointsRemain:  ledger.Points(r.PointsRemain),
		PointsAwarded: ledger.Points(r.PointsAwarded),
	}, nil
}

func (s *Store) SaveEvent(ctx context.Context, e ledger.Event) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO events (id, name, points_remain, points_awarded)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			points_remain = excluded.points_remain,
			points_awarded = excluded.points_awarded`,
		e.ID, e.Name, e.PointsRemain, e.PointsAwarded)
	if err != nil {
		return fmt.Errorf("save event %d: %w", e.ID, err)
	}
	return nil
}

// ConsumeEventBudget decrements the budget with a conditional UPDATE, so the
// check and the decrement are one statement.
func (s *Store) ConsumeEventBudget(ctx context.Context, id ledger.EventID, amount ledger.Points) (ledger.Event, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE events
		SET points_remain = points_remain - ?, points_awarded = points_awarded + ?
		WHERE id = ? AND points_remain >= ?`, amount, amount, id, amount)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("consume budget of event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Event{}, fmt.Errorf("consume budget of event %d: %w", id, err)
	}

	e, err := s.GetEvent(ctx, id)
	if err != nil {
		return ledger.Event{}, err
	}
	if n == 0 {
		return e, ledger.ErrBudgetExhausted
	}
	return e, nil
}

// =============================================================================
// RECONCILIATION RUNS (ledger.RunStore interface)
// =============================================================================

func (s *Store) SaveReconciliationRun(ctx context.Context, r ledger.ReconciliationRun) error {
	discrepancies := r.Discrepancies
	if discrepancies == nil {
		discrepancies = []ledger.Discrepancy{}
	}
	data, err := json.Marshal(discrepancies)
	if err != nil {
		return fmt.Errorf("encode discrepancies: %w", err)
	}

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: r.CompletedAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, status, users_checked, discrepancies_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			users_checked = excluded.users_checked,
			discrepancies_json = excluded.discrepancies_json,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Status, r.UsersChecked, string(data), r.Error,
		r.StartedAt.UTC().Format(timeLayout), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save reconciliation run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	query := `
		SELECT id, status, users_checked, discrepancies_json, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []struct {
		ID            string         `db:"id"`
		Status        string         `db:"status"`
		UsersChecked  int            `db:"users_checked"`
		Discrepancies string         `db:"discrepancies_json"`
		Error         string         `db:"error"`
		StartedAt     string         `db:"started_at"`
		CompletedAt   sql.NullString `db:"completed_at"`
	}
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", err)
	}

	runs := make([]ledger.ReconciliationRun, 0, len(rows))
	for _, r := range rows {
		run := ledger.ReconciliationRun{
			ID:           r.ID,
			Status:       r.Status,
			UsersChecked: r.UsersChecked,
			Error:        r.Error,
		}
		if err := json.Unmarshal([]byte(r.Discrepancies), &run.Discrepancies); err != nil {
			return nil, fmt.Errorf("decode discrepancies of run %s: %w", r.ID, err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, r.StartedAt)
		if r.CompletedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, r.CompletedAt.String)
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// requireRow returns notFound when res touched no row.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
