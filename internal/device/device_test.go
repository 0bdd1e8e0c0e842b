package device_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance-sync-backend/internal/anviz"
	"attendance-sync-backend/internal/anviz/anviztest"
	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/zkproto"
	"attendance-sync-backend/internal/zkproto/zktest"
)

type memTokens struct{ token string }

func (m *memTokens) SetToken(_ context.Context, _ string, token string, _ *time.Time) error {
	m.token = token
	return nil
}

func newFactory(t *testing.T, loc *time.Location) (*device.Factory, *memTokens) {
	t.Helper()
	api := anviz.NewClient(anviz.Options{Timeout: 2 * time.Second}, infra.Discard())
	ts := &memTokens{}
	f, err := device.NewFactory(device.Options{
		ConnectTimeout: 2 * time.Second,
		FetchTimeout:   5 * time.Second,
		Location:       loc,
		Encoding:       "utf-8",
		LivePoll:       50 * time.Millisecond,
	}, api, anviz.NewTokenManager(api, ts, infra.Discard()), infra.Discard())
	require.NoError(t, err)
	return f, ts
}

func localDevice(t *testing.T, addr string) model.Device {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return model.Device{ID: "zk-1", Variant: model.VariantLocalProtocol, MachineIP: host, Port: p, IsActive: true}
}

func connect(t *testing.T, f *device.Factory, dev model.Device) device.Session {
	t.Helper()
	client, err := f.New(dev)
	require.NoError(t, err)
	sess, err := client.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestFactory_RejectsIncompleteDevices(t *testing.T) {
	f, _ := newFactory(t, time.UTC)

	_, err := f.New(model.Device{ID: "a", Variant: model.VariantLocalProtocol})
	assert.True(t, apperr.IsValidation(err))
	_, err = f.New(model.Device{ID: "b", Variant: model.VariantCloudAPI})
	assert.True(t, apperr.IsValidation(err))
	_, err = f.New(model.Device{ID: "c", Variant: "fax"})
	assert.True(t, apperr.IsValidation(err))
}

func TestLocal_FetchEvents(t *testing.T) {
	srv := zktest.NewServer(t)
	at := time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC)
	srv.AddUser(zkproto.User{UID: 1, Name: "Ana", UserID: "1000"})
	srv.AddAttendance(zkproto.Attendance{UID: 1, UserID: "1000", Status: 1, Punch: 4, Timestamp: at})

	f, _ := newFactory(t, time.UTC)
	sess := connect(t, f, localDevice(t, srv.Addr()))

	punches, err := sess.FetchEvents(context.Background(), model.Watermark{})
	require.NoError(t, err)
	require.Len(t, punches, 1)
	assert.Equal(t, model.RawPunch{
		DeviceID:  "zk-1",
		Variant:   model.VariantLocalProtocol,
		UID:       1,
		UserID:    "1000",
		Code:      4,
		Status:    1,
		Timestamp: at,
	}, punches[0])
}

func TestLocal_TestConnectivityPlaysVoice(t *testing.T) {
	srv := zktest.NewServer(t)
	f, _ := newFactory(t, time.UTC)
	sess := connect(t, f, localDevice(t, srv.Addr()))

	require.NoError(t, sess.TestConnectivity(context.Background()))
	assert.Equal(t, []int{zkproto.VoiceThankYou}, srv.Voices())
}

func TestLocal_ConnectFailures(t *testing.T) {
	f, _ := newFactory(t, time.UTC)

	srv := zktest.NewServer(t)
	dev := localDevice(t, srv.Addr())
	srv.Close()
	client, err := f.New(dev)
	require.NoError(t, err)
	_, err = client.Connect(context.Background())
	assert.True(t, apperr.IsConnection(err), "got %v", err)

	locked := zktest.NewServer(t)
	locked.RequirePassword(777)
	client, err = f.New(localDevice(t, locked.Addr()))
	require.NoError(t, err)
	_, err = client.Connect(context.Background())
	assert.True(t, apperr.IsAuth(err), "got %v", err)
}

func TestLocal_UserTable(t *testing.T) {
	srv := zktest.NewServer(t)
	srv.AddUser(zkproto.User{UID: 1, Name: "Ana", UserID: "1000"})
	srv.AddTemplate(zkproto.Template{UID: 1, FingerID: 6, Valid: 1, Data: []byte{9}})

	f, _ := newFactory(t, time.UTC)
	sess := connect(t, f, localDevice(t, srv.Addr()))
	users, ok := sess.(device.UserTable)
	require.True(t, ok)
	ctx := context.Background()

	list, err := users.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []device.User{{UID: 1, UserID: "1000", Name: "Ana"}}, list)

	tpls, err := users.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []device.Template{{UID: 1, FingerID: 6}}, tpls)

	require.NoError(t, users.DisableDevice(ctx))
	require.NoError(t, users.EnrollUser(ctx, 2, "1001", "Bruno"))
	require.NoError(t, users.EnableDevice(ctx))
	require.Len(t, srv.Users(), 2)

	found, err := users.RemoveUserByUserID(ctx, "1000")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, users.RemoveUser(ctx, 2))
	assert.Empty(t, srv.Users())

	clock := time.Date(2024, 1, 10, 12, 5, 0, 0, time.UTC)
	require.NoError(t, users.SetTime(ctx, clock))
	assert.Equal(t, zkproto.EncodeTime(clock), srv.Clock())
}

func TestLocal_Capture(t *testing.T) {
	srv := zktest.NewServer(t)
	srv.AddUser(zkproto.User{UID: 3, Name: "Ana", UserID: "1000"})
	f, _ := newFactory(t, time.UTC)
	sess := connect(t, f, localDevice(t, srv.Addr()))
	live, ok := sess.(device.LiveCapturer)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan model.RawPunch, 1)
	done := make(chan error, 1)
	go func() {
		done <- live.Capture(ctx, func(p model.RawPunch) error {
			got <- p
			return nil
		})
	}()

	at := time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC)
	srv.PushEvent(zktest.LiveEvent("1000", 1, 0, at))
	select {
	case p := <-got:
		assert.Equal(t, 3, p.UID)
		assert.Equal(t, "zk-1", p.DeviceID)
		assert.True(t, at.Equal(p.Timestamp))
	case <-time.After(3 * time.Second):
		t.Fatal("no punch captured")
	}

	srv.DropConnections()
	select {
	case err := <-done:
		assert.True(t, apperr.IsConnection(err), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("capture did not end on connection loss")
	}
}

func TestCloud_FetchEventsWindow(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	inside := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	srv.AddRecord("42", 128, inside)
	srv.AddRecord("43", 1, inside.Add(-72*time.Hour))

	f, ts := newFactory(t, loc)
	dev := model.Device{ID: "cx-1", Variant: model.VariantCloudAPI, APIURL: srv.URL(), APIKey: "key", APISecret: "secret"}
	wm := model.WatermarkAt(inside.Add(-time.Hour).In(loc))
	dev.LastFetchDate, dev.LastFetchTime = wm.Date, wm.Time
	sess := connect(t, f, dev)

	punches, err := sess.FetchEvents(context.Background(), dev.Watermark())
	require.NoError(t, err)
	require.Len(t, punches, 1)
	assert.Equal(t, "42", punches[0].UserID)
	assert.Equal(t, 128, punches[0].Code)
	assert.Equal(t, model.VariantCloudAPI, punches[0].Variant)
	assert.True(t, inside.Equal(punches[0].Timestamp))
	assert.Equal(t, srv.IssuedToken(), ts.token)

	queries := srv.Queries()
	require.NotEmpty(t, queries)
	assert.Equal(t, inside.Add(-time.Hour).Format(anviz.TimeLayout), queries[0].BeginTime, "the watermark is sent as UTC")
}

func TestCloud_FetchEventsWithoutWatermarkStartsAtUTCMidnight(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	f, _ := newFactory(t, time.UTC)
	dev := model.Device{ID: "cx-1", Variant: model.VariantCloudAPI, APIURL: srv.URL(), APIKey: "key", APISecret: "secret"}
	sess := connect(t, f, dev)

	_, err := sess.FetchEvents(context.Background(), model.Watermark{})
	require.NoError(t, err)

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	queries := srv.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, midnight.Format(anviz.TimeLayout), queries[0].BeginTime)
}

func TestCloud_TestConnectivity(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	f, ts := newFactory(t, time.UTC)

	good := model.Device{ID: "cx-1", Variant: model.VariantCloudAPI, APIURL: srv.URL(), APIKey: "key", APISecret: "secret"}
	require.NoError(t, connect(t, f, good).TestConnectivity(context.Background()))
	assert.Equal(t, 1, srv.TokenRequests())
	assert.Empty(t, ts.token, "a connectivity check must not replace the stored token")

	_, err := connect(t, f, good).FetchEvents(context.Background(), model.Watermark{})
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenRequests(), "fetching acquires its own token")
	assert.Equal(t, srv.IssuedToken(), ts.token)

	bad := good
	bad.ID, bad.APISecret = "cx-2", "nope"
	err = connect(t, f, bad).TestConnectivity(context.Background())
	assert.True(t, apperr.IsAuth(err), "got %v", err)

	_, isTable := connect(t, f, good).(device.UserTable)
	assert.False(t, isTable, "cloud sessions cannot edit users")
}
