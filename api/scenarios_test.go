package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/engine"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/scenario"
)

func TestScenarios_ListAndLoad(t *testing.T) {
	// GIVEN: A server with an empty store
	// WHEN: A superuser loads the demo scenario
	// THEN: Seeded users are queryable and the scenario is reported as current

	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/scenarios", 1, "superuser", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	require.NotEmpty(t, list)
	assert.Equal(t, "demo", list[0].ID)

	rec = ts.do(http.MethodGet, "/api/scenarios/current", 1, "superuser", nil)
	assert.Equal(t, "null\n", rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/scenarios/load", 1, "superuser", LoadScenarioRequest{ScenarioID: "demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[scenario.Summary](t, rec)
	assert.Equal(t, 4, sum.Users)

	rec = ts.do(http.MethodGet, "/api/users/3/balance", 1, "superuser", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Points(240), decode[engine.BalanceView](t, rec).Points)

	rec = ts.do(http.MethodGet, "/api/scenarios/current", 1, "superuser", nil)
	assert.Equal(t, "demo", decode[ScenarioDTO](t, rec).ID)
}

func TestScenarios_LoadUnknown(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/scenarios/load", 1, "superuser", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/scenarios/load", 1, "superuser", LoadScenarioRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
