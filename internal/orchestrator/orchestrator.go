// Package orchestrator runs the per-device acquisition modes: a fetch timer
// for scheduled devices, a long-lived capture worker for live devices, and
// the administrator operations that share their device sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/dispatch"
	"attendance-sync-backend/internal/metrics"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/normalize"
	"attendance-sync-backend/internal/notification"
	"attendance-sync-backend/internal/parse"
	"attendance-sync-backend/internal/store"
)

// ClientFactory builds the client for a device. *device.Factory satisfies it.
type ClientFactory interface {
	New(dev model.Device) (device.Client, error)
}

// Lookup resolves punch identities and drops cached answers for a device
// after its mappings change.
type Lookup interface {
	normalize.Lookup
	Invalidate(deviceID string)
}

// Alerter receives administrator alerts. *notification.WorkerPool satisfies it.
type Alerter interface {
	Dispatch(alert notification.Alert)
}

// TokenCache forgets cloud tokens of a device.
type TokenCache interface {
	Forget(deviceID string)
}

// Deps are the collaborators of an Orchestrator. Alerts and Tokens are optional.
type Deps struct {
	Store   store.Store
	Clients ClientFactory
	Lookup  Lookup
	Sink    *dispatch.Sink
	Alerts  Alerter
	Tokens  TokenCache
	Log     *slog.Logger
}

// Options holds orchestrator timing.
type Options struct {
	Location       *time.Location
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	LiveBackoffMin time.Duration
	LiveBackoffMax time.Duration
	// YieldRetry is how often an administrator operation re-asks a live
	// worker for the device while waiting on it.
	YieldRetry time.Duration
}

// OptionsFromConfig maps the sync section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Location:       cfg.Sync.Location,
		ConnectTimeout: cfg.Sync.ConnectTimeout,
		FetchTimeout:   cfg.Sync.FetchTimeout,
		LiveBackoffMin: cfg.Sync.LiveBackoffMin,
		LiveBackoffMax: cfg.Sync.LiveBackoffMax,
	}
}

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// minInterval floors scheduled intervals.
const minInterval = time.Second

type worker struct {
	mode   model.Mode
	cancel context.CancelFunc
	done   chan struct{}
}

// gate serializes sessions with one device. A live worker holds it for as
// long as its capture runs and gives it up when yield is signalled.
type gate struct {
	sem   *semaphore.Weighted
	yield chan struct{}
}

// Orchestrator owns every background worker.
type Orchestrator struct {
	store   store.Store
	clients ClientFactory
	lookup  Lookup
	sink    *dispatch.Sink
	alerts  Alerter
	tokens  TokenCache
	opts    Options
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	gates   map[string]*gate
	modes   map[string]*sync.Mutex
	wg      sync.WaitGroup

	fetches singleflight.Group
	now     func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	if opts.LiveBackoffMin <= 0 {
		opts.LiveBackoffMin = time.Second
	}
	if opts.LiveBackoffMax < opts.LiveBackoffMin {
		opts.LiveBackoffMax = opts.LiveBackoffMin
	}
	if opts.YieldRetry <= 0 {
		opts.YieldRetry = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   deps.Store,
		clients: deps.Clients,
		lookup:  deps.Lookup,
		sink:    deps.Sink,
		alerts:  deps.Alerts,
		tokens:  deps.Tokens,
		opts:    opts,
		log:     deps.Log,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
		gates:   make(map[string]*gate),
		modes:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Start clears live flags left by a previous process and re-arms the timers
// of scheduled devices. Live capture has to be armed again explicitly.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.store.ResetLiveFlags(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.Info("cleared live flags left by previous run", "devices", n)
	}

	devices, err := o.store.ListScheduledDevices(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		every, err := parse.ParseInterval(dev.SchedulerDuration)
		if err != nil {
			o.log.Warn("not re-arming scheduled device", "device_id", dev.ID, "scheduler_duration", dev.SchedulerDuration, "error", err)
			continue
		}
		unlock := o.lockMode(dev.ID)
		o.startScheduled(dev.ID, every)
		unlock()
	}
	o.log.Info("orchestrator started", "scheduled_devices", len(devices))
	return nil
}

// Shutdown stops every worker and waits for in-flight cycles, or until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for device workers: %w", ctx.Err())
	}
}

// Mode reports which worker, if any, runs for the device.
func (o *Orchestrator) Mode(id string) model.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.workers[id]; ok {
		return w.mode
	}
	return model.ModeIdle
}

func (o *Orchestrator) gateFor(id string) *gate {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.gates[id]
	if !ok {
		g = &gate{sem: semaphore.NewWeighted(1), yield: make(chan struct{}, 1)}
		o.gates[id] = g
	}
	return g
}

// lockMode serializes mode changes of one device, so the stored flags and
// the running worker always change together. Workers never take it.
func (o *Orchestrator) lockMode(id string) func() {
	o.mu.Lock()
	m, ok := o.modes[id]
	if !ok {
		m = &sync.Mutex{}
		o.modes[id] = m
	}
	o.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// acquire takes the device gate, asking a live worker to step aside while
// it waits.
func (o *Orchestrator) acquire(ctx context.Context, id string) (func(), error) {
	g := o.gateFor(id)
	for {
		if o.Mode(id) == model.ModeLiveCapture {
			select {
			case g.yield <- struct{}{}:
			default:
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, o.opts.YieldRetry)
		err := g.sem.Acquire(waitCtx, 1)
		cancel()
		if err == nil {
			return func() { g.sem.Release(1) }, nil
		}
		if ctx.Err() != nil {
			return nil, apperr.Connection("wait for device", ctx.Err())
		}
	}
}

// withSession runs fn with an open session while holding the device gate.
// The device is re-read once the gate is held.
func (o *Orchestrator) withSession(ctx context.Context, id string, timeout time.Duration, fn func(ctx context.Context, dev model.Device, sess device.Session) error) error {
	release, err := o.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	dev, err := o.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	client, err := o.clients.New(dev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			o.log.Debug("closing device session", "device_id", id, "error", cerr)
		}
	}()
	return fn(ctx, dev, sess)
}

// startWorker replaces whatever worker runs for id with run. The new worker
// is registered in the same step that unregisters the old one, and starts
// once the old one has returned. Callers hold the device's mode lock.
func (o *Orchestrator) startWorker(id string, mode model.Mode, run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(o.ctx)
	w := &worker{mode: mode, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	old := o.workers[id]
	o.workers[id] = w
	o.mu.Unlock()
	if old != nil {
		o.halt(id, old)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(w.done)
		defer func() {
			o.mu.Lock()
			if o.workers[id] == w {
				delete(o.workers, id)
			}
			o.mu.Unlock()
		}()
		run(ctx)
	}()
}

// stopWorker cancels the worker of id and waits for it. A scheduled cycle in
// flight finishes first.
func (o *Orchestrator) stopWorker(id string) {
	o.mu.Lock()
	w, ok := o.workers[id]
	if ok {
		delete(o.workers, id)
	}
	o.mu.Unlock()
	if ok {
		o.halt(id, w)
	}
}

func (o *Orchestrator) halt(id string, w *worker) {
	w.cancel()
	<-w.done
	o.log.Debug("device worker stopped", "device_id", id, "mode", w.mode)
}

func (o *Orchestrator) startScheduled(id string, every time.Duration) {
	every = max(every, minInterval)
	o.startWorker(id, model.ModeScheduled, func(ctx context.Context) {
		metrics.ScheduledDevices.Inc()
		defer metrics.ScheduledDevices.Dec()

		o.log.Info("fetch timer armed", "device_id", id, "interval", every)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A cancelled worker lets the running cycle drain.
				cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ConnectTimeout+o.opts.FetchTimeout)
				_, err := o.cycle(cycleCtx, id, TriggerScheduled)
				cancel()
				if errors.Is(err, apperr.ErrNotFound) {
					return
				}
			}
		}
	})
}

func (o *Orchestrator) alert(id string, kind notification.AlertKind, err error) {
	if o.alerts == nil {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	o.alerts.Dispatch(notification.Alert{DeviceID: id, Kind: kind, Detail: detail})
}
