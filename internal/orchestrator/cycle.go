package orchestrator

import (
	"context"
	"errors"
	"sort"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/metrics"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/normalize"
	"attendance-sync-backend/internal/notification"
)

// CycleReport summarizes one fetch cycle.
type CycleReport struct {
	DeviceID  string `json:"device_id"`
	Fetched   int    `json:"fetched"`
	Filtered  int    `json:"filtered"`
	Unmapped  int    `json:"unmapped"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Watermark string `json:"watermark"`
}

// RunCycle fetches, normalizes and dispatches the punches of one device
// newer than its watermark, then advances the watermark. Concurrent calls
// for the same device share one cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, id string) (CycleReport, error) {
	v, err, _ := o.fetches.Do(id, func() (any, error) {
		return o.cycle(ctx, id, TriggerManual)
	})
	report, _ := v.(CycleReport)
	return report, err
}

func (o *Orchestrator) cycle(ctx context.Context, id, trigger string) (CycleReport, error) {
	start := o.now()
	report := CycleReport{DeviceID: id}
	variant := "unknown"

	dev, err := o.activeDevice(ctx, id)
	if err == nil {
		variant = string(dev.Variant)
		err = o.withSession(ctx, id, o.opts.FetchTimeout, func(ctx context.Context, dev model.Device, sess device.Session) error {
			return o.sync(ctx, dev, sess, &report)
		})
	}

	metrics.Cycles.WithLabelValues(variant, trigger, cycleStatus(err)).Inc()
	metrics.CycleDuration.WithLabelValues(variant).Observe(o.now().Sub(start).Seconds())

	if err != nil {
		o.log.Error("fetch cycle failed", "device_id", id, "trigger", trigger, "error", err)
		if !errors.Is(err, apperr.ErrNotFound) && !apperr.IsValidation(err) {
			o.alert(id, notification.AlertCycleFailed, err)
		}
		return report, err
	}

	o.log.Info("fetch cycle finished", "device_id", id, "trigger", trigger,
		"fetched", report.Fetched, "filtered", report.Filtered, "unmapped", report.Unmapped,
		"sent", report.Sent, "failed", report.Failed, "watermark", report.Watermark)
	return report, nil
}

// sync runs the body of a cycle on an open session. Device errors return
// before the watermark moves, so the next cycle retries the same window.
func (o *Orchestrator) sync(ctx context.Context, dev model.Device, sess device.Session, report *CycleReport) error {
	wm := dev.Watermark()
	report.Watermark = wm.String()

	raws, err := sess.FetchEvents(ctx, wm)
	if err != nil {
		return err
	}
	report.Fetched = len(raws)

	events, err := o.admit(ctx, dev, wm, raws, report)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	res := o.sink.DispatchAll(ctx, dev.Variant, events)
	report.Sent, report.Failed = res.Sent, res.Failed
	if err := ctx.Err(); err != nil {
		return apperr.Connection("dispatch punches", err)
	}

	next := model.WatermarkAt(events[len(events)-1].OccurredAt)
	if err := o.store.AdvanceWatermark(ctx, dev.ID, next); err != nil {
		return err
	}
	report.Watermark = next.String()
	return nil
}

// admit filters raws against wm and normalizes the rest, oldest first.
// Unmapped punches are dropped.
func (o *Orchestrator) admit(ctx context.Context, dev model.Device, wm model.Watermark, raws []model.RawPunch, report *CycleReport) ([]model.PunchEvent, error) {
	variant := string(dev.Variant)
	events := make([]model.PunchEvent, 0, len(raws))
	for _, raw := range raws {
		if raw.DeviceID == "" {
			raw.DeviceID = dev.ID
		}
		if raw.Variant == "" {
			raw.Variant = dev.Variant
		}
		if !wm.Admits(normalize.At(raw, o.opts.Location)) {
			report.Filtered++
			metrics.Punches.WithLabelValues(variant, "filtered").Inc()
			continue
		}

		ev, err := normalize.Normalize(ctx, raw, o.lookup, o.opts.Location)
		if errors.Is(err, apperr.ErrUnmapped) {
			report.Unmapped++
			metrics.Punches.WithLabelValues(variant, "unmapped").Inc()
			o.log.Debug("dropping unmapped punch", "device_id", dev.ID, "user_id", raw.UserID, "at", raw.Timestamp)
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events, nil
}

func cycleStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.IsConnection(err):
		return "connection_error"
	case apperr.IsAuth(err):
		return "auth_error"
	default:
		return "error"
	}
}
