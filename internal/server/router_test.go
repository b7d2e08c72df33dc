package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/orchestrator"
	"github.com/loykin/beaconvisor/internal/store"
)

type fakeService struct {
	mu        sync.Mutex
	nodes     map[string]store.TrackedNode
	startErr  error
	lastLocal beacon.LocalNodeOptions
	cancelled int
}

func newFakeService() *fakeService {
	return &fakeService{nodes: map[string]store.TrackedNode{}}
}

func (f *fakeService) Nodes() []store.TrackedNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.TrackedNode, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (f *fakeService) Node(url string) (store.TrackedNode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[url]
	return n, ok
}

func (f *fakeService) TrackNode(_ context.Context, url string, docker *store.DockerInfo) (store.TrackedNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := store.TrackedNode{URL: url, Docker: docker}
	f.nodes[url] = n
	return n, nil
}

func (f *fakeService) RemoveNode(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[url]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, url)
	}
	delete(f.nodes, url)
	return nil
}

func (f *fakeService) StartLocalNode(_ context.Context, req beacon.LocalNodeOptions, _ func(store.TrackedNode)) (store.TrackedNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLocal = req
	if f.startErr != nil {
		return store.TrackedNode{}, f.startErr
	}
	n := store.TrackedNode{URL: "http://localhost:5052", Docker: &store.DockerInfo{ProcessName: beacon.ContainerName(req.Network)}}
	f.nodes[n.URL] = n
	return n, nil
}

func (f *fakeService) CancelPull(context.Context) (int, error) {
	f.cancelled++
	return 1, nil
}

func (f *fakeService) Status() orchestrator.Status {
	return orchestrator.Status{Nodes: len(f.Nodes()), Containers: []string{"mainnet-beacon-node"}}
}

func (f *fakeService) Watching() []string {
	var out []string
	for _, n := range f.Nodes() {
		out = append(out, n.URL)
	}
	return out
}

func setupRouter(t *testing.T, base string, withMetrics bool) (http.Handler, *fakeService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newFakeService()
	return NewRouter(svc, base, withMetrics).Handler(), svc
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestTrackListGetRemove(t *testing.T) {
	h, _ := setupRouter(t, "/api", false)
	nodeURL := "http://10.0.0.1:5052"

	rec := doReq(t, h, http.MethodPost, "/api/nodes", trackReq{URL: nodeURL})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decode[[]store.TrackedNode](t, rec)
	require.Len(t, nodes, 1)
	assert.Equal(t, nodeURL, nodes[0].URL)

	rec = doReq(t, h, http.MethodGet, "/api/nodes/"+url.PathEscape(nodeURL), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, nodeURL, decode[store.TrackedNode](t, rec).URL)

	rec = doReq(t, h, http.MethodDelete, "/api/nodes?url="+url.QueryEscape(nodeURL), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/nodes?url="+url.QueryEscape(nodeURL), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/nodes/"+url.PathEscape(nodeURL), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrackRejectsBadInput(t *testing.T) {
	h, _ := setupRouter(t, "", false)
	rec := doReq(t, h, http.MethodPost, "/nodes", trackReq{URL: "localhost:5052"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = doReq(t, h, http.MethodDelete, "/nodes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartLocal(t *testing.T) {
	h, svc := setupRouter(t, "", false)
	rec := doReq(t, h, http.MethodPost, "/nodes/local", beacon.LocalNodeOptions{Network: "mainnet", ChainDataDir: absDataDir(), RPCPort: 5052})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	n := decode[store.TrackedNode](t, rec)
	assert.Equal(t, "mainnet-beacon-node", n.Docker.ProcessName)
	assert.Equal(t, 5052, svc.lastLocal.RPCPort)

	rec = doReq(t, h, http.MethodPost, "/nodes/local", beacon.LocalNodeOptions{Network: "../etc", ChainDataDir: absDataDir()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/nodes/local", beacon.LocalNodeOptions{Network: "mainnet", ChainDataDir: "data"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.startErr = fmt.Errorf("%w: sigp/lighthouse:latest", beacon.ErrImagePullFailed)
	rec = doReq(t, h, http.MethodPost, "/nodes/local", beacon.LocalNodeOptions{Network: "mainnet", ChainDataDir: absDataDir()})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "image pull failed")
}

func TestCancelPullAndStatus(t *testing.T) {
	h, svc := setupRouter(t, "/v1", false)
	rec := doReq(t, h, http.MethodPost, "/v1/pull/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[cancelResp](t, rec).Cancelled)
	assert.Equal(t, 1, svc.cancelled)

	_, _ = svc.TrackNode(context.Background(), "http://a:5052", nil)
	rec = doReq(t, h, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["nodes"])
	assert.Equal(t, []any{"http://a:5052"}, body["watching"])
	assert.Equal(t, []any{"mainnet-beacon-node"}, body["containers"])
}

func TestMetricsEndpointToggle(t *testing.T) {
	h, _ := setupRouter(t, "", true)
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h, _ = setupRouter(t, "", false)
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, httpStatus(fmt.Errorf("x: %w", store.ErrNotFound)))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(fmt.Errorf("x: %w", store.ErrPersistence)))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(orchestrator.ErrClosed))
	assert.Equal(t, http.StatusBadRequest, httpStatus(fmt.Errorf("network is required")))
}
