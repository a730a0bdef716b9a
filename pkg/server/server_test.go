package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/cache"
	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/cursor"
	"github.com/zen-systems/modelgate/pkg/dispatch"
	"github.com/zen-systems/modelgate/pkg/ledger"
	"github.com/zen-systems/modelgate/pkg/pending"
	"github.com/zen-systems/modelgate/pkg/policy"
)

const serverYAML = `
default_tier: standard
providers:
  alpha:
    kind: mock
models:
  text-a:
    provider: alpha
    backend_model_id: alpha-text
  img-a:
    provider: alpha
    backend_model_id: alpha-image
    capabilities: [image]
tiers:
  standard:
    models: [text-a]
  image:
    models: [img-a]
families:
  visual:
    patterns: ["visual_*"]
    default_tier: image
    requires: [image]
exec_slots:
  0:
    mode: api
  2:
    mode: deferred
`

type testServer struct {
	srv   *httptest.Server
	queue *pending.MemoryQueue
	mock  *adapter.MockAdapter
}

func newTestServer(t *testing.T, flags policy.Flags) *testServer {
	t.Helper()
	snap, err := config.Parse([]byte(serverYAML))
	require.NoError(t, err)

	reg := adapter.NewRegistry()
	mock := adapter.NewMockAdapter().Named("alpha")
	reg.Register("alpha", mock)

	promReg := prometheus.NewRegistry()
	queue := pending.NewMemoryQueue()
	source := config.NewStaticStore(snap)
	d, err := dispatch.New(source, dispatch.Options{
		Cursors:  cursor.NewMemoryStore(),
		Queue:    queue,
		Cache:    cache.New(cache.NewMemoryStore()),
		Adapters: reg,
		Ledger:   ledger.NewMetrics(promReg),
	})
	require.NoError(t, err)

	s := New(Config{
		Dispatcher: d,
		Queue:      queue,
		Source:     source,
		Gatherer:   promReg,
		Flags:      flags,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{srv: ts, queue: queue, mock: mock}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDispatch_Completed(t *testing.T) {
	ts := newTestServer(t, policy.Flags{Lockdown: true})

	resp, body := ts.post(t, "/v1/dispatch", DispatchRequest{Task: "summary", RoutingKey: "ep-1", Input: "hello"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "API", body["outcome"])
	assert.Equal(t, "text-a", body["model"])
	assert.NotEmpty(t, body["ledger_id"])
	assert.Len(t, ts.mock.Calls(), 1)
}

func TestDispatch_Validation(t *testing.T) {
	ts := newTestServer(t, policy.Flags{Lockdown: true})

	resp, body := ts.post(t, "/v1/dispatch", map[string]any{"input": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "task is required", body["error"])

	resp, _ = ts.post(t, "/v1/dispatch", map[string]any{"task": "x", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatch_ForcedUnderLockdownIsForbidden(t *testing.T) {
	ts := newTestServer(t, policy.Flags{Lockdown: true})

	resp, body := ts.post(t, "/v1/dispatch", DispatchRequest{Task: "summary", Input: "x", ForceModel: "text-a"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "policy", body["error_class"])
	assert.Empty(t, ts.mock.Calls())
}

func TestDispatch_UnknownOverrideModelIsUnprocessable(t *testing.T) {
	ts := newTestServer(t, policy.Flags{})

	resp, body := ts.post(t, "/v1/dispatch", DispatchRequest{Task: "summary", Input: "x", ForceModel: "missing", Emergency: true})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "resolution", body["error_class"])
}

func TestPending_DeferFulfillConsume(t *testing.T) {
	ts := newTestServer(t, policy.Flags{Lockdown: true})
	slot := 2
	req := DispatchRequest{Task: "visual_frame", RoutingKey: "ep-7", Input: "a lighthouse", ExecSlot: &slot}

	resp, body := ts.post(t, "/v1/dispatch", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "DEFERRED", body["outcome"])
	rec, ok := body["pending"].(map[string]any)
	require.True(t, ok)
	id := rec["id"].(string)

	resp, list := ts.get(t, "/v1/pending?status=pending")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["records"], 1)

	resp, _ = ts.get(t, "/v1/pending/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, fulfilled := ts.post(t, "/v1/pending/"+id+"/fulfill", FulfillRequest{Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", fulfilled["status"])

	resp, _ = ts.post(t, "/v1/pending/"+id+"/fulfill", FulfillRequest{Content: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.post(t, "/v1/dispatch", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING_CONSUMED", body["outcome"])
	assert.Empty(t, ts.mock.Calls(), "deferred work never reaches a provider")

	got, err := ts.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pending.StatusCompleted, got.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, policy.Flags{Lockdown: true})

	resp, body := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["config_digest"])

	ts.post(t, "/v1/dispatch", DispatchRequest{Task: "summary", Input: "x"})

	mresp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	data, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "modelgate_dispatch_total")
}
