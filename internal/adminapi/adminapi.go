// Package adminapi wires the kernel's six core components onto a thin
// HTTP surface: state inspection, node admin, budget inspection/config, the
// execution history, and a graceful-shutdown trigger. Handlers translate
// requests directly onto the components' own methods; no business logic
// lives here.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumenhearth/cogkernel/internal/budget"
	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// Server bundles the dependencies the admin handlers call into directly.
type Server struct {
	Bus   *statebus.Bus
	Reg   *registry.Registry
	BM    *budget.Manager
	Sched *scheduler.Scheduler
	Store store.Store

	// Shutdown is invoked by POST /shutdown; nil is a no-op 501.
	Shutdown func(ctx context.Context) error
}

// Router builds the chi router serving every operation in the admin
// surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/state", s.handleGetState)
	r.Get("/state/events", s.handleStateEvents)
	r.Get("/nodes", s.handleListNodes)
	r.Put("/nodes/{id}/enabled", s.handleSetNodeEnabled)
	r.Post("/nodes/{id}/dispatch", s.handleDispatchNode)
	r.Get("/budget", s.handleGetBudget)
	r.Put("/budget/config", s.handlePutBudgetConfig)
	r.Get("/history", s.handleGetHistory)
	r.Post("/shutdown", s.handlePostShutdown)

	return r
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Bus.Read())
}

// handleStateEvents streams state.changed (and related) events as
// server-sent events until the client disconnects.
func (s *Server) handleStateEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kernelerrors.New(kernelerrors.KindPersistence, "streaming unsupported"))
		return
	}

	ch, cancel := s.Bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

type nodeView struct {
	ID                string        `json:"id"`
	Category          types.Category `json:"category"`
	CostClass         types.CostClass `json:"cost_class"`
	EffectivePriority string        `json:"effective_priority"`
	Enabled           bool          `json:"enabled"`
	SuspendedUntil    time.Time     `json:"suspended_until,omitempty"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	snaps := s.Reg.List()
	out := make([]nodeView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, nodeView{
			ID: snap.Node.ID, Category: snap.Node.Category, CostClass: snap.Node.CostClass,
			EffectivePriority: snap.EffectivePriority.String(), Enabled: snap.Enabled, SuspendedUntil: snap.SuspendedUntil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetNodeEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kernelerrors.New(kernelerrors.KindConfig, "invalid request body").WithNode(id))
		return
	}
	if err := s.Reg.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		writeKernelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispatchNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Reg.Get(id); err != nil {
		writeKernelError(w, err)
		return
	}
	s.Sched.Dispatch(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.BM.CurrentLedger())
}

type budgetConfigRequest struct {
	DailyBudgetUSD  float64                   `json:"daily_budget_usd"`
	ReserveFraction float64                   `json:"reserve_fraction"`
	Allocations     []budgetAllocationRequest `json:"allocations"`
}

type budgetAllocationRequest struct {
	Category types.Category `json:"category"`
	Fraction float64        `json:"fraction"`
}

func (s *Server) handlePutBudgetConfig(w http.ResponseWriter, r *http.Request) {
	var req budgetConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kernelerrors.New(kernelerrors.KindConfig, "invalid request body"))
		return
	}

	allocations := make([]budget.CategoryAllocation, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		allocations = append(allocations, budget.CategoryAllocation{Category: a.Category, Fraction: a.Fraction})
	}
	s.BM.UpdateConfig(budget.Config{
		DailyBudgetUSD: req.DailyBudgetUSD, ReserveFraction: req.ReserveFraction, Allocations: allocations,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	limit := 50
	if s.Store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": []struct{}{}})
		return
	}
	rows, err := s.Store.RecentRecords(r.Context(), nodeID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kernelerrors.Wrap(kernelerrors.KindPersistence, "history query", err))
		return
	}

	records := make([]types.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		var rec types.ExecutionRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handlePostShutdown(w http.ResponseWriter, r *http.Request) {
	if s.Shutdown == nil {
		writeError(w, http.StatusNotImplemented, kernelerrors.New(kernelerrors.KindConfig, "shutdown not configured"))
		return
	}
	if err := s.Shutdown(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, kernelerrors.Wrap(kernelerrors.KindPersistence, "shutdown", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the structured shape spec.md §7 requires from every admin
// API error response.
type errorBody struct {
	Kind          kernelerrors.Kind `json:"kind"`
	Message       string            `json:"message"`
	NodeID        string            `json:"node_id,omitempty"`
	ReservationID string            `json:"reservation_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err *kernelerrors.KernelError) {
	writeJSON(w, status, errorBody{
		Kind: err.Kind, Message: err.Message, NodeID: err.NodeID, ReservationID: err.ReservationID,
	})
}

// writeKernelError maps a generic error to an HTTP status by Kind when it
// is a *KernelError, falling back to 500.
func writeKernelError(w http.ResponseWriter, err error) {
	ke, ok := err.(*kernelerrors.KernelError)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch ke.Kind {
	case kernelerrors.KindConfig, kernelerrors.KindInvalidDelta:
		status = http.StatusBadRequest
	case kernelerrors.KindBudgetDenied:
		status = http.StatusConflict
	case kernelerrors.KindInvariantViolation:
		// Registry.get/Get return this kind for an unregistered node id,
		// the only way admin handlers hit it.
		status = http.StatusNotFound
	}
	writeError(w, status, ke)
}
