/*
Package engine is the transaction state machine of the loyalty ledger.

PURPOSE:
  Every way points enter or leave a balance is an Engine method. Each method
  validates its request, runs one ledger.Atomic unit that writes the record
  and the balance together, and returns a view of what was written.

LIFECYCLES:
  purchase     trusted | quarantined (cashier's flag at creation)
               SetSuspicious flips between them, re-applying or reversing
               exactly the stored amount
  redemption   pending -> settled (live balance re-checked)
               settled -> pending at most once, releasing the debit
  transfer     two linked legs, terminal on creation
  adjustment   terminal on creation, may drive a balance negative
  event        terminal on creation, consumes the event budget in the
               same unit as the credit

ERRORS:
  Rejections are ledger error kinds (see ledger/errors.go). Nothing is
  written when an operation returns an error, and nothing is retried.

USAGE:
  eng := engine.New(store, engine.Config{Logger: logger})
  view, err := eng.CreatePurchase(ctx, engine.PurchaseRequest{
      SpenderID: 7, CashierID: 2, Spent: decimal.RequireFromString("10.00"),
  })

SEE ALSO:
  - request.go: request variants and boundary validation
  - quarantine.go: the suspicious-purchase controller
  - promotion/: calculator and evaluator used by purchases
*/
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/promotion"
)

// DefaultNoteMaxLength bounds the free-text note of a transaction.
const DefaultNoteMaxLength = 255

// =============================================================================
// ENGINE
// =============================================================================

type Config struct {
	Calculator    promotion.Calculator
	NoteMaxLength int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Clock         func() time.Time
}

type Engine struct {
	Ledger        *ledger.DefaultLedger
	Store         ledger.TxStore
	Calculator    promotion.Calculator
	Evaluator     promotion.Evaluator
	NoteMaxLength int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// New builds an Engine over store. Zero Config fields get defaults.
func New(store ledger.TxStore, cfg Config) *Engine {
	l := ledger.NewLedger(store)
	if cfg.Clock != nil {
		l.Clock = cfg.Clock
	}
	calc := cfg.Calculator
	if calc.PointValue.IsZero() {
		calc = promotion.DefaultCalculator()
	}
	noteMax := cfg.NoteMaxLength
	if noteMax <= 0 {
		noteMax = DefaultNoteMaxLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Ledger:        l,
		Store:         store,
		Calculator:    calc,
		NoteMaxLength: noteMax,
		Metrics:       cfg.Metrics,
		Logger:        logger,
	}
}

// Create dispatches a request variant to its operation. Transfers return
// both legs, everything else returns one view.
func (e *Engine) Create(ctx context.Context, req Request) ([]TransactionView, error) {
	switch r := req.(type) {
	case PurchaseRequest:
		v, err := e.CreatePurchase(ctx, r)
		return one(v, err)
	case AdjustmentRequest:
		v, err := e.CreateAdjustment(ctx, r)
		return one(v, err)
	case RedemptionRequest:
		v, err := e.CreateRedemption(ctx, r)
		return one(v, err)
	case TransferRequest:
		t, err := e.CreateTransfer(ctx, r)
		if err != nil {
			return nil, err
		}
		return []TransactionView{t.Sent, t.Received}, nil
	case EventRewardRequest:
		v, err := e.GrantEventReward(ctx, r)
		return one(v, err)
	default:
		return nil, ledger.Invalid("type", "unsupported request %T", req)
	}
}

func one(v TransactionView, err error) ([]TransactionView, error) {
	if err != nil {
		return nil, err
	}
	return []TransactionView{v}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) GetTransaction(ctx context.Context, id ledger.TransactionID) (TransactionView, error) {
	tx, err := e.Store.GetTransaction(ctx, id)
	if err != nil {
		return TransactionView{}, err
	}
	return NewTransactionView(tx), nil
}

func (e *Engine) ListTransactions(ctx context.Context, userID ledger.UserID) ([]TransactionView, error) {
	if _, err := e.Store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	txs, err := e.Store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]TransactionView, len(txs))
	for i, tx := range txs {
		views[i] = NewTransactionView(tx)
	}
	return views, nil
}

func (e *Engine) Balance(ctx context.Context, userID ledger.UserID) (BalanceView, error) {
	balance, err := e.Ledger.CurrentBalance(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	reserved, err := e.Ledger.ReservedRedemptions(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{UserID: userID, Points: balance, Reserved: reserved, Available: balance - reserved}, nil
}

// =============================================================================
// OPERATION PLUMBING
// =============================================================================

// op is one running operation: a correlated logger and the effects to report
// once its unit has committed.
type op struct {
	log     *slog.Logger
	records []ledger.Transaction
	after   []func()
}

// committed queues record to be counted and logged after the commit.
func (o *op) committed(record ledger.Transaction) {
	o.records = append(o.records, record)
}

// onCommit queues f to run after the commit.
func (o *op) onCommit(f func()) {
	o.after = append(o.after, f)
}

// run wraps one operation with a correlated logger, latency and rejection
// metrics. Effects queued on the op are reported only when fn returns nil,
// which for a ledger.Atomic unit means the store transaction committed.
func (e *Engine) run(ctx context.Context, name string, fn func(o *op) error) error {
	o := &op{log: e.Logger.With("op", name, "op_id", uuid.NewString())}
	start := time.Now()
	err := fn(o)
	e.Metrics.Observe(name, time.Since(start).Seconds())
	if err == nil {
		for _, record := range o.records {
			e.Metrics.Transaction(string(record.Type), int64(record.Amount))
			o.log.DebugContext(ctx, "transaction committed",
				"tx_id", record.ID,
				"type", record.Type,
				"user_id", record.UserID,
				"amount", record.Amount,
			)
		}
		for _, f := range o.after {
			f()
		}
		return nil
	}

	kind := ledger.Code(err)
	e.Metrics.Rejected(name, kind)
	if kind == "internal" {
		o.log.ErrorContext(ctx, "operation failed", "error", err)
	} else {
		o.log.InfoContext(ctx, "operation rejected", "kind", kind, "error", err)
	}
	return err
}
