package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/metrics"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/normalize"
	"attendance-sync-backend/internal/notification"
	"attendance-sync-backend/internal/store"
)

// errDisarmed stops a live worker whose device left live mode behind its back.
var errDisarmed = errors.New("live capture disarmed")

func (o *Orchestrator) startLive(id string) {
	o.startWorker(id, model.ModeLiveCapture, func(ctx context.Context) {
		metrics.LiveWorkers.Inc()
		defer metrics.LiveWorkers.Dec()
		o.runLive(ctx, id)
	})
}

// runLive keeps a capture session open until ctx ends, reconnecting after
// every drop. Reconnects back off between LiveBackoffMin and LiveBackoffMax.
func (o *Orchestrator) runLive(ctx context.Context, id string) {
	g := o.gateFor(id)
	backoff := infra.NewBackoff(o.opts.LiveBackoffMin, o.opts.LiveBackoffMax, 2)

	for {
		connected, yielded, err := o.liveSession(ctx, id, g)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errDisarmed) || errors.Is(err, apperr.ErrNotFound) || apperr.IsValidation(err) {
			o.log.Info("live capture worker exiting", "device_id", id, "reason", err)
			return
		}
		if connected {
			backoff.Reset()
		}
		if yielded {
			o.log.Debug("live capture yielded device", "device_id", id)
			continue
		}

		wait := backoff.Next()
		metrics.LiveReconnects.Inc()
		o.log.Warn("live capture session dropped, reconnecting", "device_id", id, "error", err, "retry_in", wait, "attempt", backoff.Attempts())
		if connected {
			o.alert(id, notification.AlertLiveDropped, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// liveSession holds the device gate for one capture session. It reports
// whether the device was reached and whether the session ended because an
// administrator operation asked for the device.
func (o *Orchestrator) liveSession(ctx context.Context, id string, g *gate) (connected, yielded bool, err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return false, false, err
	}
	defer g.sem.Release(1)

	dev, err := o.store.GetDevice(ctx, id)
	if err != nil {
		return false, false, err
	}
	if !dev.IsActive || !dev.IsLive {
		return false, false, errDisarmed
	}
	client, err := o.clients.New(dev)
	if err != nil {
		return false, false, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, o.opts.ConnectTimeout)
	sess, err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		return false, false, err
	}
	defer sess.Close()

	capturer, ok := sess.(device.LiveCapturer)
	if !ok {
		return false, false, apperr.Invalid("variant", "%s devices do not push punches", dev.Variant)
	}

	captureCtx, stop := context.WithCancel(ctx)
	defer stop()

	var asked atomic.Bool
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-g.yield:
			asked.Store(true)
			stop()
		case <-captureCtx.Done():
		}
	}()

	o.log.Info("live capture session open", "device_id", id)
	err = capturer.Capture(captureCtx, func(raw model.RawPunch) error {
		o.handleLive(ctx, dev, raw)
		return nil
	})
	stop()
	<-watched

	if asked.Load() {
		return true, true, nil
	}
	if err == nil {
		err = apperr.Connection("live capture", errors.New("session ended"))
	}
	return true, false, err
}

// handleLive sends one pushed punch to the ledger and moves the watermark up
// to it.
func (o *Orchestrator) handleLive(ctx context.Context, dev model.Device, raw model.RawPunch) {
	if raw.DeviceID == "" {
		raw.DeviceID = dev.ID
	}
	if raw.Variant == "" {
		raw.Variant = dev.Variant
	}

	ev, err := normalize.Normalize(ctx, raw, o.lookup, o.opts.Location)
	if errors.Is(err, apperr.ErrUnmapped) {
		metrics.Punches.WithLabelValues(string(dev.Variant), "unmapped").Inc()
		o.log.Debug("dropping unmapped live punch", "device_id", dev.ID, "user_id", raw.UserID)
		return
	}
	if err != nil {
		o.log.Error("normalizing live punch", "device_id", dev.ID, "user_id", raw.UserID, "error", err)
		return
	}

	o.sink.DispatchAll(ctx, dev.Variant, []model.PunchEvent{ev})

	err = o.store.AdvanceWatermark(ctx, dev.ID, model.WatermarkAt(ev.OccurredAt))
	if err != nil && !errors.Is(err, store.ErrWatermarkRegression) {
		o.log.Warn("advancing watermark after live punch", "device_id", dev.ID, "error", err)
	}
}
