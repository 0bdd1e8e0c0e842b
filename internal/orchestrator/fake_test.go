package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/dispatch"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/ledger"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/normalize"
	"attendance-sync-backend/internal/notification"
	"attendance-sync-backend/internal/orchestrator"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/store/storetest"
)

// terminal is an in-memory device shared by every session opened on it.
type terminal struct {
	mu         sync.Mutex
	punches    []model.RawPunch
	fetchErr   error
	connectErr error
	users      []device.User
	templates  []device.Template
	voices     []int
	clock      time.Time
	connects   int
	disabled   int
	enabled    int
	refreshed  int

	live chan model.RawPunch
	drop chan struct{}
}

func newTerminal() *terminal {
	return &terminal{live: make(chan model.RawPunch, 8), drop: make(chan struct{}, 1)}
}

func (t *terminal) Connect(ctx context.Context) (device.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return &session{t: t}, nil
}

func (t *terminal) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *terminal) Voices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.voices...)
}

type session struct {
	t *terminal
}

func (s *session) FetchEvents(context.Context, model.Watermark) ([]model.RawPunch, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.fetchErr != nil {
		return nil, s.t.fetchErr
	}
	return append([]model.RawPunch(nil), s.t.punches...), nil
}

func (s *session) TestConnectivity(ctx context.Context) error { return s.Signal(ctx, 0) }

func (s *session) Close() error { return nil }

func (s *session) EnableDevice(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.enabled++
	return nil
}

func (s *session) DisableDevice(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.disabled++
	return nil
}

func (s *session) ListUsers(context.Context) ([]device.User, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return append([]device.User(nil), s.t.users...), nil
}

func (s *session) ListTemplates(context.Context) ([]device.Template, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return append([]device.Template(nil), s.t.templates...), nil
}

func (s *session) EnrollUser(_ context.Context, uid int, userID, name string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.users = append(s.t.users, device.User{UID: uid, UserID: userID, Name: name})
	return nil
}

func (s *session) RemoveUser(_ context.Context, uid int) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for i, u := range s.t.users {
		if u.UID == uid {
			s.t.users = append(s.t.users[:i], s.t.users[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *session) RemoveUserByUserID(_ context.Context, userID string) (bool, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for i, u := range s.t.users {
		if u.UserID == userID {
			s.t.users = append(s.t.users[:i], s.t.users[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *session) RefreshData(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.refreshed++
	return nil
}

func (s *session) SetTime(_ context.Context, at time.Time) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.clock = at
	return nil
}

func (s *session) Signal(_ context.Context, voice int) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.voices = append(s.t.voices, voice)
	return nil
}

func (s *session) Capture(ctx context.Context, fn func(model.RawPunch) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.t.drop:
			return apperr.Connection("receive event", io.EOF)
		case p := <-s.t.live:
			if err := fn(p); err != nil {
				return err
			}
		}
	}
}

// cloudSession has no user table and no live stream.
type cloudSession struct {
	t *terminal
}

func (s *cloudSession) FetchEvents(ctx context.Context, wm model.Watermark) ([]model.RawPunch, error) {
	return (&session{t: s.t}).FetchEvents(ctx, wm)
}

func (s *cloudSession) TestConnectivity(context.Context) error { return nil }

func (s *cloudSession) Close() error { return nil }

type cloudClient struct {
	t *terminal
}

func (c cloudClient) Connect(context.Context) (device.Session, error) {
	return &cloudSession{t: c.t}, nil
}

type factory struct {
	mu        sync.Mutex
	terminals map[string]*terminal
}

func (f *factory) terminal(id string) *terminal {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.terminals[id]
	if !ok {
		t = newTerminal()
		f.terminals[id] = t
	}
	return t
}

func (f *factory) New(dev model.Device) (device.Client, error) {
	switch dev.Variant {
	case model.VariantLocalProtocol:
		if dev.MachineIP == "" {
			return nil, apperr.Invalid("machine_ip", "device %s has no address", dev.ID)
		}
		return f.terminal(dev.ID), nil
	case model.VariantCloudAPI:
		return cloudClient{t: f.terminal(dev.ID)}, nil
	}
	return nil, apperr.Invalid("variant", "unknown device variant %q", dev.Variant)
}

type nopLookup struct{}

func (nopLookup) Resolve(context.Context, model.RawPunch) (string, error) { return "", apperr.ErrUnmapped }

func (nopLookup) Invalidate(string) {}

type recordingLedger struct {
	mu    sync.Mutex
	calls []ledger.Request
	dirs  []model.Direction
	fail  bool
}

func (l *recordingLedger) record(dir model.Direction, req ledger.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, req)
	l.dirs = append(l.dirs, dir)
	if l.fail {
		return errors.New("ledger rejected punch")
	}
	return nil
}

func (l *recordingLedger) ClockIn(_ context.Context, req ledger.Request) error {
	return l.record(model.ClockIn, req)
}

func (l *recordingLedger) ClockOut(_ context.Context, req ledger.Request) error {
	return l.record(model.ClockOut, req)
}

func (l *recordingLedger) Calls() []ledger.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Request(nil), l.calls...)
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (a *recordingAlerts) Dispatch(alert notification.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerts) All() []notification.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notification.Alert(nil), a.alerts...)
}

type harness struct {
	db      *gorm.DB
	store   store.Store
	devices *factory
	ledger  *recordingLedger
	alerts  *recordingAlerts
	orch    *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	gormDB := storetest.NewDB(t)
	st := store.NewGormStore(gormDB)
	h := &harness{
		db:      gormDB,
		store:   st,
		devices: &factory{terminals: map[string]*terminal{}},
		ledger:  &recordingLedger{},
		alerts:  &recordingAlerts{},
	}
	h.orch = orchestrator.New(orchestrator.Deps{
		Store:   st,
		Clients: h.devices,
		Lookup:  normalize.NewStoreLookup(st, nil, time.Minute),
		Sink:    dispatch.NewSink(h.ledger, infra.Discard()),
		Alerts:  h.alerts,
		Log:     infra.Discard(),
	}, orchestrator.Options{
		Location:       time.UTC,
		ConnectTimeout: time.Second,
		FetchTimeout:   2 * time.Second,
		LiveBackoffMin: 10 * time.Millisecond,
		LiveBackoffMax: 50 * time.Millisecond,
		YieldRetry:     20 * time.Millisecond,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.orch.Shutdown(ctx))
	})
	return h
}

func (h *harness) mapUser(t *testing.T, deviceID string, uid int, userID, ref string) {
	t.Helper()
	require.NoError(t, h.store.CreateMapping(context.Background(), &model.EmployeeMapping{
		DeviceID: deviceID, UID: uid, UserID: userID, EmployeeRef: ref,
	}))
}

func (h *harness) device(t *testing.T, id string) model.Device {
	t.Helper()
	dev, err := h.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	return dev
}

func punch(deviceID, userID string, code int, at time.Time) model.RawPunch {
	return model.RawPunch{
		DeviceID:  deviceID,
		Variant:   model.VariantLocalProtocol,
		UserID:    userID,
		Code:      code,
		Timestamp: at,
	}
}
