package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhearth/cogkernel/internal/budget"
	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/trigger"
	"github.com/lumenhearth/cogkernel/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(nil)
	require.NoError(t, reg.Register(types.CognitiveNode{
		ID: "rhythm.phase_check", Category: types.CategorySystem, CostClass: types.CostFree,
		Priority: types.PriorityNormal, Enabled: true, Executor: "rhythm.phase_check",
	}))
	clk := clock.NewFakeClock(time.Now(), nil)
	st := store.NewMemStore()
	bus := statebus.New(nil, st, nil, nil, nil, 0)
	eval := trigger.New(reg, clk, bus, st, nil)
	bm := budget.New(budget.Config{DailyBudgetUSD: 5}, clk.DayEpoch(clk.Now()), st, nil, nil)
	sched := scheduler.New(scheduler.Config{}, reg, eval, bus, bm, st, clk, nil, nil)

	return &Server{Bus: bus, Reg: reg, BM: bm, Sched: sched, Store: st}
}

func TestGetState_ReturnsCurrentSnapshot(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var state types.GlobalState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, types.ActivityIdle, state.CurrentActivity)
}

func TestListNodes_ReturnsRegisteredNode(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rhythm.phase_check")
}

func TestSetNodeEnabled_DisablesNode(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"enabled": false}`)
	req := httptest.NewRequest(http.MethodPut, "/nodes/rhythm.phase_check/enabled", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	snap, err := s.Reg.Get("rhythm.phase_check")
	require.NoError(t, err)
	assert.False(t, snap.Enabled)
}

func TestSetNodeEnabled_UnknownNodeReturns404(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"enabled": true}`)
	req := httptest.NewRequest(http.MethodPut, "/nodes/does.not.exist/enabled", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body2 errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body2))
	assert.Equal(t, "InvariantViolation", string(body2.Kind))
}

func TestGetBudget_ReturnsLedger(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/budget", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "daily_budget")
}

func TestPutBudgetConfig_UpdatesAllocation(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"daily_budget_usd": 20, "allocations": [{"category": "research", "fraction": 0.5}]}`)
	req := httptest.NewRequest(http.MethodPut, "/budget/config", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.InDelta(t, 10.0, s.BM.Remaining(types.CategoryResearch), 1e-9)
}

func TestDispatchNode_AcceptsManualDispatch(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/nodes/rhythm.phase_check/dispatch", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPostShutdown_NotConfiguredReturns501(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
