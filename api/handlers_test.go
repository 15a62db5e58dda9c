package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/point-ledger/api"
	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/ledger/store"
)

// testServer wires the full router over an in-memory store with a
// controllable clock.
type testServer struct {
	srv *httptest.Server
	now *time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	svc := ledger.NewService(store.NewTxMemory(),
		ledger.WithClock(func() time.Time { return now }))
	router := api.NewRouter(api.NewHandler(svc, nil))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, now: &now}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAccrueEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{
		Amount: 100, ExpiryDays: 30, ReferenceGroup: "order", ReferenceCode: "order-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	entry := decode[api.EntryDTO](t, resp)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, int64(100), entry.Granted)
	assert.Equal(t, "accrual", entry.Kind)
	assert.Equal(t, "2025-07-01T12:00:00Z", entry.ExpiresAt)

	resp = ts.get(t, "/api/users/u1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[api.BalanceDTO](t, resp)
	assert.Equal(t, int64(100), balance.Spendable)
	assert.Equal(t, int64(100), balance.Lifetime)
}

func TestAccrueEndpoint_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{Amount: 10, ExpiryDays: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeductEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{Amount: 100, ExpiryDays: 30})

	resp := ts.post(t, "/api/users/u1/deductions", api.DeductRequest{Amount: 40})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	audit := decode[api.EntryDTO](t, resp)
	assert.Equal(t, "deduction", audit.Kind)
	assert.Equal(t, int64(40), audit.Granted)
	assert.Equal(t, int64(40), audit.Consumed)
	assert.True(t, audit.Exhausted)
	assert.Empty(t, audit.ExpiresAt)

	balance := decode[api.BalanceDTO](t, ts.get(t, "/api/users/u1/balance"))
	assert.Equal(t, int64(60), balance.Spendable)
}

func TestDeductEndpoint_InsufficientBalanceIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{Amount: 40, ExpiryDays: 30})

	resp := ts.post(t, "/api/users/u1/deductions", api.DeductRequest{Amount: 1000})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decode[api.ErrorDTO](t, resp)
	assert.Contains(t, body.Error, "insufficient balance")

	// Nothing was mutated.
	balance := decode[api.BalanceDTO](t, ts.get(t, "/api/users/u1/balance"))
	assert.Equal(t, int64(40), balance.Spendable)
}

func TestSweepEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{Amount: 30, ExpiryDays: 1})
	ts.post(t, "/api/users/u2/accruals", api.AccrueRequest{Amount: 20, ExpiryDays: 1})
	*ts.now = ts.now.Add(48 * time.Hour)

	resp := ts.post(t, "/api/users/u1/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	swept := decode[api.SweepDTO](t, resp)
	assert.Equal(t, int64(30), swept.Reclaimed)
	assert.Equal(t, 1, swept.Entries)

	// Batch sweep catches the remaining user; body is optional.
	resp = ts.post(t, "/api/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decode[api.BatchSweepDTO](t, resp)
	assert.Equal(t, 1, batch.Users)
	assert.Equal(t, int64(20), batch.Reclaimed)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{Amount: 10, ExpiryDays: 30})
	}

	resp := ts.get(t, "/api/users/u1/history?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]api.EntryDTO](t, resp)
	assert.Len(t, entries, 2)

	resp = ts.get(t, "/api/users/u1/history?limit=banana")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReferenceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/users/u1/accruals", api.AccrueRequest{
		Amount: 100, ExpiryDays: 30, ReferenceGroup: "order", ReferenceCode: "order-123",
	})

	ref := decode[api.ReferenceDTO](t, ts.get(t, "/api/references/order-123"))
	assert.False(t, ref.FullyConsumed)

	ts.post(t, "/api/users/u1/deductions", api.DeductRequest{Amount: 100})

	ref = decode[api.ReferenceDTO](t, ts.get(t, "/api/references/order-123"))
	assert.True(t, ref.FullyConsumed)
}

func TestInvalidJSONBody(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.srv.URL+"/api/users/u1/deductions", "application/json",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
