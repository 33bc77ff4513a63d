/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes the engine over REST. Handlers decode a body into one engine
  request variant, check the caller's role, run the operation and map the
  resulting error kind onto an HTTP status.

ENDPOINTS:
  Transactions:
    POST   /api/transactions                   Purchase (cashier) or adjustment (manager)
    GET    /api/transactions/{id}              One transaction (manager)
    PATCH  /api/transactions/{id}/suspicious   Quarantine toggle (manager)
    PATCH  /api/transactions/{id}/processed    Settle or reopen a redemption (cashier)

  Users:
    POST   /api/users/me/transactions          Redemption by the caller
    POST   /api/users/{id}/transactions        Transfer from the caller to {id}
    GET    /api/users/{id}/balance             Balance with reservations (self or manager)
    GET    /api/users/{id}/transactions        History (self or manager)

  Events:
    POST   /api/events/{id}/transactions       Reward participants (manager)

  Promotions:
    GET    /api/promotions                     Active ones, or all for managers
    GET    /api/promotions/{id}
    POST   /api/promotions                     (manager)
    PATCH  /api/promotions/{id}                (manager)
    DELETE /api/promotions/{id}                (manager)

  Reconciliation (manager):
    GET    /api/reconciliation/runs
    POST   /api/reconciliation/run

  Scenarios (superuser):
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load

ERROR HANDLING:
  Errors are returned as {"error", "code", "details"} with:
  - 400: invalid_input, invalid_promotion, insufficient_balance
  - 403: role too low
  - 404: not_found
  - 409: invalid_state
  - 429: rate limited
  - 500: anything else (logged, message withheld)

SEE ALSO:
  - dto.go: request bodies
  - auth.go: actor headers and role checks
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/loyalty-engine/engine"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/promotion"
)

var errForbidden = errors.New("forbidden")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *engine.Engine
	Promotions *promotion.Manager
	Factory    *factory.PromotionFactory
	Runs       ledger.RunStore
	Scheduler  *ReconciliationScheduler
	Logger     *slog.Logger
	Clock      func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler around eng. runs stores reconciliation
// history; the scheduler is attached separately.
func NewHandler(eng *engine.Engine, runs ledger.RunStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	promos := promotion.NewManager(eng.Store)
	return &Handler{
		Engine:     eng,
		Promotions: promos,
		Factory:    factory.NewPromotionFactory(),
		Runs:       runs,
		Logger:     logger,
		Clock:      time.Now,
	}
}

func (h *Handler) now() time.Time { return h.Clock() }

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// CreateTransaction records a purchase or an adjustment.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var body CreateTransactionRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	req, err := body.toRequest(actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	views, err := h.Engine.Create(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, views[0])
}

// GetTransaction returns one transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	view, err := h.Engine.GetTransaction(r.Context(), ledger.TransactionID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetSuspicious quarantines or releases a purchase.
// PATCH /api/transactions/{id}/suspicious
func (h *Handler) SetSuspicious(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var body SuspiciousRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if body.Suspicious == nil {
		h.writeDomainError(w, r, ledger.Invalid("suspicious", "is required"))
		return
	}
	view, err := h.Engine.SetSuspicious(r.Context(), ledger.TransactionID(id), *body.Suspicious)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetProcessed settles a redemption, or reopens a settled one.
// PATCH /api/transactions/{id}/processed
func (h *Handler) SetProcessed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var body ProcessedRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if body.Processed == nil {
		h.writeDomainError(w, r, ledger.Invalid("processed", "is required"))
		return
	}
	view, err := h.Engine.SetRedemptionSettled(r.Context(), ledger.TransactionID(id), *body.Processed)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// CreateRedemption reserves points of the caller for redemption.
// POST /api/users/me/transactions
func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var body PointsRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := body.expect(ledger.TxRedemption); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	view, err := h.Engine.CreateRedemption(r.Context(), engine.RedemptionRequest{
		UserID: actor.ID,
		Amount: ledger.Points(body.Amount),
		Note:   body.Remark,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// CreateTransfer moves points from the caller to the user in the path.
// POST /api/users/{id}/transactions
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	recipient, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var body PointsRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := body.expect(ledger.TxTransfer); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	tv, err := h.Engine.CreateTransfer(r.Context(), engine.TransferRequest{
		SenderID:    actor.ID,
		RecipientID: ledger.UserID(recipient),
		Amount:      ledger.Points(body.Amount),
		Note:        body.Remark,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tv)
}

// GetBalance returns balance, reserved and available points.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := h.visibleUser(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	b, err := h.Engine.Balance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ListUserTransactions returns a user's transactions in id order.
// GET /api/users/{id}/transactions
func (h *Handler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := h.visibleUser(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	views, err := h.Engine.ListTransactions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// visibleUser resolves {id} ("me" allowed) and checks the caller may see
// it: their own account, or anyone's for managers.
func (h *Handler) visibleUser(r *http.Request) (ledger.UserID, error) {
	actor, _ := actorFrom(r.Context())
	if chi.URLParam(r, "id") == "me" {
		return actor.ID, nil
	}
	id, err := pathID(r, "id")
	if err != nil {
		return 0, err
	}
	if ledger.UserID(id) != actor.ID && !actor.AtLeast(RoleManager) {
		return 0, errForbidden
	}
	return ledger.UserID(id), nil
}

// =============================================================================
// EVENT ENDPOINTS
// =============================================================================

// GrantEventRewards credits every listed participant from the event budget.
// POST /api/events/{id}/transactions
func (h *Handler) GrantEventRewards(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	eventID, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var body EventRewardRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if ledger.TransactionType(body.Type) != ledger.TxEventReward {
		h.writeDomainError(w, r, ledger.Invalid("type", "must be %q", ledger.TxEventReward))
		return
	}
	views, err := h.Engine.GrantEventRewards(r.Context(), ledger.EventID(eventID),
		userIDs(body.RecipientIDs), ledger.Points(body.Amount), actor.ID, body.Remark)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, views)
}

// =============================================================================
// PROMOTION ENDPOINTS
// =============================================================================

// ListPromotions returns active promotions, or all of them for managers.
// GET /api/promotions
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	promos, err := h.Promotions.List(r.Context(), !actor.AtLeast(RoleManager))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]factory.PromotionJSON, len(promos))
	for i, p := range promos {
		out[i] = h.Factory.ToJSON(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPromotion returns one promotion.
// GET /api/promotions/{id}
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	p, err := h.Promotions.Get(r.Context(), ledger.PromotionID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(p))
}

// CreatePromotion creates a promotion from its JSON definition.
// POST /api/promotions
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var body factory.PromotionJSON
	if err := decodeJSON(r, &body); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	p, err := h.Factory.FromJSON(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	created, err := h.Promotions.Create(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.ToJSON(created))
}

// UpdatePromotion patches a promotion that has not started.
// PATCH /api/promotions/{id}
func (h *Handler) UpdatePromotion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var patch factory.PromotionPatchJSON
	if err := decodeJSON(r, &patch); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if patch.Empty() {
		h.writeDomainError(w, r, ledger.Invalid("body", "no fields to update"))
		return
	}
	updated, err := h.Promotions.Update(r.Context(), ledger.PromotionID(id), func(p *ledger.Promotion) error {
		return h.Factory.ApplyPatch(p, patch)
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(updated))
}

// DeletePromotion removes a promotion that has not started or was never used.
// DELETE /api/promotions/{id}
func (h *Handler) DeletePromotion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Promotions.Delete(r.Context(), ledger.PromotionID(id)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// ListReconciliationRuns returns recent runs, newest first.
// GET /api/reconciliation/runs?limit=20
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeDomainError(w, r, ledger.Invalid("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := h.Runs.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []ledger.ReconciliationRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// RunReconciliation runs one pass now.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Reconciliation is not configured", nil)
		return
	}
	run, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Run: run, NextRun: h.Scheduler.NextRunTime()})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ledger.Invalid("body", "%v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ledger.Invalid(name, "must be a positive integer, got %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an error kind onto a status. Internal errors are
// logged and their message withheld.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errForbidden) {
		writeError(w, http.StatusForbidden, "forbidden", "Not allowed for this caller", nil)
		return
	}

	code := ledger.Code(err)
	var status int
	switch code {
	case "invalid_input", "invalid_promotion", "insufficient_balance":
		status = http.StatusBadRequest
	case "invalid_state":
		status = http.StatusConflict
	case "not_found":
		status = http.StatusNotFound
	default:
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", nil)
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var ie *ledger.InputError
	var be *ledger.InsufficientBalanceError
	var pe *ledger.PromotionError
	switch {
	case errors.As(err, &ie):
		resp.Details = map[string]string{"field": ie.Field}
	case errors.As(err, &be):
		resp.Details = map[string]ledger.Points{"available": be.Available, "requested": be.Requested}
	case errors.As(err, &pe):
		resp.Details = map[string]any{"promotion_id": pe.PromotionID, "reason": pe.Reason}
	}
	writeJSON(w, status, resp)
}
