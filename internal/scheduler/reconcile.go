package scheduler

import (
	"context"
	"encoding/json"

	"github.com/lumenhearth/cogkernel/emit"
	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// Reconcile runs once at startup: every ExecutionRecord left open by a
// prior process (crash mid-dispatch) is marked cancelled, and any dangling
// active_session_id/current_activity left by an in-flight session node is
// cleared. Grounded on the teacher's replay/resume-on-restart machinery,
// repurposed from "resume a DAG run" to "close out a crashed dispatch".
func (s *Scheduler) Reconcile(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	open, err := s.store.OpenRecords(ctx)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "reconcile: open records", err)
	}

	now := s.clk.Now()
	for _, row := range open {
		var rec types.ExecutionRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			continue
		}
		rec.End = now
		rec.Outcome = types.OutcomeCancelled
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := s.store.UpdateRecord(ctx, store.RecordRow{ID: row.ID, NodeID: row.NodeID, Ended: true, Payload: payload}); err != nil {
			return kernelerrors.Wrap(kernelerrors.KindPersistence, "reconcile: update record", err)
		}
		if rec.ReservationID != "" {
			if relErr := s.bm.Release(rec.ReservationID, rec.DollarsUsed); relErr != nil {
				s.emitter.Emit(emit.Event{Name: emit.NodeErrored, NodeID: rec.NodeID, Timestamp: now, Meta: map[string]interface{}{
					"reservation_id": rec.ReservationID, "error": relErr.Error(), "stage": "reconcile_release",
				}})
			}
		}
	}

	if len(open) > 0 && s.bus != nil {
		current := s.bus.Read()
		if current.ActiveSessionID != "" {
			_, _ = s.bus.WriteDelta(ctx, types.StateDelta{
				Source: "reconcile", Timestamp: now, Reason: "crash_recovery",
				SessionIDFlag: types.SetClear,
			})
		}
	}
	return nil
}
