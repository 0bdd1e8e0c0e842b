package anviz_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance-sync-backend/internal/anviz"
	"attendance-sync-backend/internal/anviz/anviztest"
	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/model"
)

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (f *fakeTokenStore) SetToken(_ context.Context, id, token string, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens == nil {
		f.tokens = map[string]string{}
	}
	f.tokens[id] = token
	return nil
}

func (f *fakeTokenStore) get(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[id]
}

func newClient(perPage int) *anviz.Client {
	return anviz.NewClient(anviz.Options{Timeout: 2 * time.Second, PerPage: perPage}, infra.Discard())
}

func cloudDevice(url string) model.Device {
	return model.Device{ID: "dev-1", Variant: model.VariantCloudAPI, APIURL: url, APIKey: "key", APISecret: "secret"}
}

func TestFetchRecords_Paginates(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	base := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		srv.AddRecord("B"+string(rune('1'+i)), 0, base.Add(time.Duration(i)*time.Minute))
	}
	srv.AddRecord("LATE", 1, base.Add(48*time.Hour))

	client := newClient(2)
	tokens := anviz.NewTokenManager(client, &fakeTokenStore{}, infra.Discard())
	dev := cloudDevice(srv.URL())

	records, err := client.FetchRecords(context.Background(), dev.APIURL, tokens.Source(dev), base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, anviz.FlexString("B1"), records[0].Employee.Workno)
	assert.Equal(t, anviz.FlexString("B5"), records[4].Employee.Workno)

	queries := srv.Queries()
	require.Len(t, queries, 3)
	for i, q := range queries {
		assert.Equal(t, "asc", q.Order)
		assert.Equal(t, "2", q.PerPage)
		assert.Equal(t, string(rune('1'+i)), q.Page)
		assert.Equal(t, "2024-01-10T08:00:00+00:00", q.BeginTime)
	}
}

func TestFetchRecords_EmptyWindow(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	client := newClient(100)
	dev := cloudDevice(srv.URL())
	tokens := anviz.NewTokenManager(client, &fakeTokenStore{}, infra.Discard())

	now := time.Now()
	records, err := client.FetchRecords(context.Background(), dev.APIURL, tokens.Source(dev), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Len(t, srv.Queries(), 1)
}

func TestFetchRecords_RefreshesExpiredTokenOnce(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	at := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	srv.AddRecord("7", 128, at)

	client := newClient(100)
	ts := &fakeTokenStore{}
	tokens := anviz.NewTokenManager(client, ts, infra.Discard())
	dev := cloudDevice(srv.URL())
	dev.APIToken = "stale"

	records, err := client.FetchRecords(context.Background(), dev.APIURL, tokens.Source(dev), at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 128, records[0].CheckType)

	assert.Equal(t, 1, srv.TokenRequests())
	assert.Equal(t, srv.IssuedToken(), ts.get(dev.ID), "the new token is persisted")

	queries := srv.Queries()
	require.Len(t, queries, 2)
	assert.Equal(t, "stale", queries[0].Token)
	assert.Equal(t, "1", queries[1].Page, "the same page is retried")
}

func TestFetchRecords_SecondExpiryIsAuthError(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	srv.AlwaysExpire()

	client := newClient(100)
	tokens := anviz.NewTokenManager(client, &fakeTokenStore{}, infra.Discard())
	dev := cloudDevice(srv.URL())
	dev.APIToken = "stale"

	now := time.Now()
	_, err := client.FetchRecords(context.Background(), dev.APIURL, tokens.Source(dev), now.Add(-time.Hour), now)
	require.Error(t, err)
	assert.True(t, apperr.IsAuth(err), "got %v", err)
	assert.Equal(t, 1, srv.TokenRequests())
	assert.Len(t, srv.Queries(), 2)
}

func TestFetchRecords_HTTPFailureIsConnectionError(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	srv.FailWith(http.StatusBadGateway)

	client := newClient(100)
	tokens := anviz.NewTokenManager(client, &fakeTokenStore{}, infra.Discard())
	dev := cloudDevice(srv.URL())
	dev.APIToken = "tok"

	now := time.Now()
	_, err := client.FetchRecords(context.Background(), dev.APIURL, tokens.Source(dev), now.Add(-time.Hour), now)
	assert.True(t, apperr.IsConnection(err), "got %v", err)
}

func TestFetchRecords_Unreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	client := newClient(100)
	tokens := anviz.NewTokenManager(client, &fakeTokenStore{}, infra.Discard())
	dev := cloudDevice(url)

	now := time.Now()
	_, err := client.FetchRecords(context.Background(), dev.APIURL, tokens.Source(dev), now.Add(-time.Hour), now)
	assert.True(t, apperr.IsConnection(err), "got %v", err)
}

func TestRequestToken_BadCredentials(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")

	_, err := newClient(100).RequestToken(context.Background(), srv.URL(), "key", "wrong")
	assert.True(t, apperr.IsAuth(err), "got %v", err)
}

func TestTokenManager_UsesStoredToken(t *testing.T) {
	srv := anviztest.NewServer(t, "key", "secret")
	tokens := anviz.NewTokenManager(newClient(100), &fakeTokenStore{}, infra.Discard())
	dev := cloudDevice(srv.URL())
	dev.APIToken = "persisted"

	tok, err := tokens.Token(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
	assert.Zero(t, srv.TokenRequests())

	tokens.Forget(dev.ID)
	dev.APIToken = ""
	tok, err = tokens.Token(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestTokenManager_ConcurrentRefreshCollapses(t *testing.T) {
	var calls atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		json.NewEncoder(w).Encode(map[string]any{
			"header":  map[string]string{"nameSpace": "authorize.token", "name": "token"},
			"payload": map[string]string{"token": "shared"},
		})
	}))
	defer srv.Close()

	tokens := anviz.NewTokenManager(newClient(100), &fakeTokenStore{}, infra.Discard())
	dev := cloudDevice(srv.URL)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = tokens.Refresh(context.Background(), dev)
		}(i)
	}
	<-arrived
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestFlexString(t *testing.T) {
	var rec anviz.Record
	require.NoError(t, json.Unmarshal([]byte(`{"employee":{"workno":1042},"checktype":1,"checktime":"2024-01-10T09:05:00+0800"}`), &rec))
	assert.Equal(t, anviz.FlexString("1042"), rec.Employee.Workno)

	require.NoError(t, json.Unmarshal([]byte(`{"employee":{"workno":" A-7 "}}`), &rec))
	assert.Equal(t, anviz.FlexString("A-7"), rec.Employee.Workno)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 10, 1, 5, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-10T09:05:00+08:00", "2024-01-10T09:05:00+0800", "2024-01-10 01:05:00"} {
		got, err := anviz.ParseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}
	_, err := anviz.ParseTime("yesterday")
	assert.Error(t, err)
}
