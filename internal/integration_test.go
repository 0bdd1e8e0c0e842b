package internal

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"attendance-sync-backend/internal/anviz"
	"attendance-sync-backend/internal/anviz/anviztest"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/dispatch"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/ledger"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/normalize"
	"attendance-sync-backend/internal/orchestrator"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/store/storetest"
	"attendance-sync-backend/internal/zkproto"
	"attendance-sync-backend/internal/zkproto/zktest"
)

type ledgerCall struct {
	Path string
	Req  ledger.Request
}

// hrServer plays the attendance ledger and the employee directory.
type hrServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []ledgerCall
	known map[string]string
}

func newHRServer(t *testing.T) *hrServer {
	t.Helper()
	h := &hrServer{known: map[string]string{}}
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request) {
		var req ledger.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.calls = append(h.calls, ledgerCall{Path: r.URL.Path, Req: req})
		h.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}
	mux.HandleFunc("POST /clock-in", record)
	mux.HandleFunc("POST /clock-out", record)
	mux.HandleFunc("GET /employees/resolve", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		ref, ok := h.known[r.URL.Query().Get("external_id")]
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"employee_ref": ref})
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hrServer) Calls() []ledgerCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ledgerCall(nil), h.calls...)
}

type harness struct {
	db     *gorm.DB
	store  store.Store
	engine *orchestrator.Orchestrator
	hr     *hrServer
}

// newHarness wires the engine the way the daemon does, against local servers.
func newHarness(t *testing.T) *harness {
	t.Helper()
	log := infra.Discard()
	gormDB := storetest.NewDB(t)
	appStore := store.NewGormStore(gormDB)
	hr := newHRServer(t)

	api := anviz.NewClient(anviz.Options{Timeout: 2 * time.Second}, log)
	tokens := anviz.NewTokenManager(api, appStore, log)
	factory, err := device.NewFactory(device.Options{
		ConnectTimeout: 2 * time.Second,
		FetchTimeout:   5 * time.Second,
		Location:       time.UTC,
		Encoding:       "utf-8",
	}, api, tokens, log)
	require.NoError(t, err)

	engine := orchestrator.New(orchestrator.Deps{
		Store:   appStore,
		Clients: factory,
		Lookup:  normalize.NewStoreLookup(appStore, ledger.NewHTTPDirectory(hr.srv.URL, time.Second), time.Minute),
		Sink:    dispatch.NewSink(ledger.NewHTTPLedger(hr.srv.URL, time.Second), log),
		Tokens:  tokens,
		Log:     log,
	}, orchestrator.Options{
		Location:       time.UTC,
		ConnectTimeout: 2 * time.Second,
		FetchTimeout:   5 * time.Second,
	})
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	return &harness{db: gormDB, store: appStore, engine: engine, hr: hr}
}

func terminalAt(addr string) func(*model.Device) {
	return func(d *model.Device) {
		host, port, _ := net.SplitHostPort(addr)
		d.MachineIP = host
		d.Port, _ = strconv.Atoi(port)
	}
}

// TestLocalTerminalSyncLifecycle runs consecutive cycles against a terminal
// and verifies what reaches the ledger and where the watermark ends up.
func TestLocalTerminalSyncLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	terminal := zktest.NewServer(t)
	day := func(hh, mm, ss int) time.Time { return time.Date(2024, 1, 10, hh, mm, ss, 0, time.UTC) }
	terminal.AddUser(zkproto.User{UID: 1, UserID: "1000", Name: "Ada"})
	terminal.AddAttendance(
		zkproto.Attendance{UID: 1, UserID: "1000", Punch: 0, Status: 1, Timestamp: day(8, 59, 59)},
		zkproto.Attendance{UID: 1, UserID: "1000", Punch: 0, Status: 1, Timestamp: day(9, 5, 0)},
		zkproto.Attendance{UID: 2, UserID: "2000", Punch: 0, Status: 1, Timestamp: day(9, 10, 0)},
	)

	dev := storetest.LocalDevice(t, h.db, terminalAt(terminal.Addr()), func(d *model.Device) {
		d.LastFetchDate = "2024-01-10"
		d.LastFetchTime = "09:00:00"
	})
	require.NoError(t, h.store.CreateMapping(ctx, &model.EmployeeMapping{
		DeviceID: dev.ID, UID: 1, UserID: "1000", EmployeeRef: "EMP-1",
	}))

	t.Run("Cycle 1: only the mapped punch after the watermark is sent", func(t *testing.T) {
		report, err := h.engine.RunCycle(ctx, dev.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Fetched)
		assert.Equal(t, 1, report.Filtered)
		assert.Equal(t, 1, report.Unmapped)
		assert.Equal(t, 1, report.Sent)

		calls := h.hr.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "/clock-in", calls[0].Path)
		assert.Equal(t, "EMP-1", calls[0].Req.EmployeeRef)
		assert.Equal(t, "2024-01-10", calls[0].Req.Date)
		assert.Equal(t, "09:05:00", calls[0].Req.Time)

		got, err := h.store.GetDevice(ctx, dev.ID)
		require.NoError(t, err)
		assert.Equal(t, model.Watermark{Date: "2024-01-10", Time: "09:05:00"}, got.Watermark())
	})

	t.Run("Cycle 2: nothing new is sent twice", func(t *testing.T) {
		report, err := h.engine.RunCycle(ctx, dev.ID)
		require.NoError(t, err)
		assert.Zero(t, report.Sent)
		assert.Len(t, h.hr.Calls(), 1)
	})

	t.Run("Cycle 3: a later clock-out is forwarded", func(t *testing.T) {
		terminal.AddAttendance(zkproto.Attendance{UID: 1, UserID: "1000", Punch: 1, Status: 1, Timestamp: day(17, 30, 0)})

		report, err := h.engine.RunCycle(ctx, dev.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Sent)

		calls := h.hr.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "/clock-out", calls[1].Path)
		assert.Equal(t, "17:30:00", calls[1].Req.Time)

		got, err := h.store.GetDevice(ctx, dev.ID)
		require.NoError(t, err)
		assert.Equal(t, "17:30:00", got.LastFetchTime)
	})
}

// TestCloudTenantSyncLifecycle covers badge resolution through mappings and
// the directory, and a token the tenant expires between cycles.
func TestCloudTenantSyncLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tenant := anviztest.NewServer(t, "key", "secret")
	// Yesterday keeps every punch on one date and inside the fetch window.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	at := func(hh, mm int) time.Time {
		return today.Add(-24*time.Hour + time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}
	start := at(1, 0)
	tenant.AddRecord("B-7", 0, at(2, 0))
	tenant.AddRecord("B-9", 1, at(2, 10))
	tenant.AddRecord("B-404", 0, at(2, 20))

	dev := storetest.CloudDevice(t, h.db, tenant.URL(), func(d *model.Device) {
		wm := model.WatermarkAt(start)
		d.LastFetchDate, d.LastFetchTime = wm.Date, wm.Time
	})
	require.NoError(t, h.store.CreateMapping(ctx, &model.EmployeeMapping{
		DeviceID: dev.ID, UID: 1, UserID: "B-7", BadgeID: "B-7", EmployeeRef: "EMP-7",
	}))
	h.hr.mu.Lock()
	h.hr.known["B-9"] = "EMP-9"
	h.hr.mu.Unlock()

	report, err := h.engine.RunCycle(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Unmapped)

	calls := h.hr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/clock-in", calls[0].Path)
	assert.Equal(t, "EMP-7", calls[0].Req.EmployeeRef)
	assert.Equal(t, "/clock-out", calls[1].Path)
	assert.Equal(t, "EMP-9", calls[1].Req.EmployeeRef)

	got, err := h.store.GetDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WatermarkAt(at(2, 10)), got.Watermark())
	assert.Equal(t, tenant.IssuedToken(), got.APIToken)

	tenant.ExpireToken()
	tenant.AddRecord("B-7", 1, at(3, 0))

	report, err = h.engine.RunCycle(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, tenant.TokenRequests())
	assert.Len(t, h.hr.Calls(), 3)
}
