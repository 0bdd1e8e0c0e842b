// Package dispatch hands normalized punches to the ledger.
package dispatch

import (
	"context"
	"log/slog"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/ledger"
	"attendance-sync-backend/internal/metrics"
	"attendance-sync-backend/internal/model"
)

// Sink sends events to a ledger.
type Sink struct {
	ledger ledger.Ledger
	log    *slog.Logger
}

func NewSink(l ledger.Ledger, log *slog.Logger) *Sink {
	return &Sink{ledger: l, log: log}
}

// Dispatch records one event. Ledger failures are DownstreamErrors.
func (s *Sink) Dispatch(ctx context.Context, ev model.PunchEvent) error {
	req := ledger.RequestFor(ev)
	var err error
	if ev.Direction == model.ClockIn {
		err = s.ledger.ClockIn(ctx, req)
	} else {
		err = s.ledger.ClockOut(ctx, req)
	}
	if err != nil {
		return &apperr.DownstreamError{Err: err}
	}
	return nil
}

// Result tallies a DispatchAll run.
type Result struct {
	Sent   int
	Failed int
}

// DispatchAll sends events in order. A failed event is logged and skipped;
// the rest are still sent.
func (s *Sink) DispatchAll(ctx context.Context, variant model.Variant, events []model.PunchEvent) Result {
	var res Result
	for _, ev := range events {
		if ctx.Err() != nil {
			res.Failed += len(events) - res.Sent - res.Failed
			break
		}
		if err := s.Dispatch(ctx, ev); err != nil {
			res.Failed++
			metrics.Punches.WithLabelValues(string(variant), "failed").Inc()
			s.log.Error("failed to record punch", "device_id", ev.DeviceID, "employee_ref", ev.EmployeeRef,
				"direction", ev.Direction, "occurred_at", ev.OccurredAt, "error", err)
			continue
		}
		res.Sent++
		metrics.Punches.WithLabelValues(string(variant), "dispatched").Inc()
	}
	return res
}
