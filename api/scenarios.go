/*
scenarios.go - Demo scenario endpoints

PURPOSE:
  Lists the embedded seed scenarios and loads one into the running store.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "demo"}

NOTE:
  Loading resets the store. Only use in development and demo environments.

SEE ALSO:
  - scenario/: YAML format and the embedded scenarios
*/
package api

import (
	"net/http"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/scenario"
)

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := scenario.Builtin()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ScenarioDTO, len(all))
	for i, s := range all {
		out[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the last scenario loaded, or null.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.currentScenario
	h.mu.Unlock()

	if id == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, err := scenario.Lookup(id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
}

// LoadScenario resets the store and seeds it from a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.ScenarioID == "" {
		h.writeDomainError(w, r, ledger.Invalid("scenario_id", "is required"))
		return
	}
	s, err := scenario.Lookup(req.ScenarioID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	summary, err := s.Apply(r.Context(), h.Engine, h.now())
	if err != nil {
		h.currentScenario = ""
		h.writeDomainError(w, r, err)
		return
	}
	h.currentScenario = s.ID
	h.Logger.InfoContext(r.Context(), "scenario loaded", "scenario", s.ID,
		"users", summary.Users, "transactions", summary.Transactions)
	writeJSON(w, http.StatusOK, summary)
}
