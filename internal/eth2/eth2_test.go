package eth2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second,
		Stream: StreamConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestSyncingParsesStringNumbers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSyncing, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"head_slot":"1234","sync_distance":"5","is_syncing":true}}`))
	})
	c := newTestServer(t, mux)
	st, err := c.Syncing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncStatus{HeadSlot: 1234, SyncDistance: 5, IsSyncing: true}, st)
}

func TestHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathVersion, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	c := newTestServer(t, mux)
	_, err := c.Version(context.Background())
	require.Error(t, err)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.StatusCode)
	assert.Equal(t, "nope", he.Body)
}

func TestPostSendsJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		writeJSON(w, map[string]string{"got": in["x"]})
	})
	c := newTestServer(t, mux)
	var out map[string]string
	require.NoError(t, c.Post(context.Background(), "/echo", map[string]string{"x": "y"}, &out))
	assert.Equal(t, "y", out["got"])
}

func TestHealth(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusPartialContent)
	mux := http.NewServeMux()
	mux.HandleFunc(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
	})
	c := newTestServer(t, mux)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthSyncing, h)

	code.Store(http.StatusServiceUnavailable)
	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthNotAvailable, h)
	assert.Equal(t, "unavailable", h.String())
}

func TestNetworkConfig(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSpec, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]string{"CONFIG_NAME": "prater", "SECONDS_PER_SLOT": "6", "SLOTS_PER_EPOCH": "8"}})
	})
	mux.HandleFunc(PathGenesis, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"genesis_time":"1616508000","genesis_validators_root":"0x01","genesis_fork_version":"0x00001020"}}`))
	})
	c := newTestServer(t, mux)
	cfg, err := c.NetworkConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prater", cfg.Name)
	assert.Equal(t, uint64(6), cfg.SecondsPerSlot)
	assert.Equal(t, uint64(8), cfg.SlotsPerEpoch)
	assert.Equal(t, int64(1616508000), cfg.GenesisTime.Unix())
}

func TestNetworkConfigToleratesStructuredValues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSpec, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"CONFIG_NAME":"holesky","SECONDS_PER_SLOT":12,"SLOTS_PER_EPOCH":"32",` +
			`"BLOB_SCHEDULE":[{"EPOCH":"269568","MAX_BLOBS_PER_BLOCK":"6"}],"DEPOSIT_CONTRACT":{"chain_id":"17000"}}}`))
	})
	mux.HandleFunc(PathGenesis, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"genesis_time":"1695902400"}}`))
	})
	c := newTestServer(t, mux)
	cfg, err := c.NetworkConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "holesky", cfg.Name)
	assert.Equal(t, uint64(12), cfg.SecondsPerSlot)
	assert.Equal(t, uint64(32), cfg.SlotsPerEpoch)
	assert.Equal(t, int64(1695902400), cfg.GenesisTime.Unix())

	spec, err := c.Spec(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", specValue(spec, "BLOB_SCHEDULE"))
	assert.Equal(t, "", specValue(spec, "MISSING"))
}

func TestNetworkConfigEmptyAnswer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSpec, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]string{}})
	})
	c := newTestServer(t, mux)
	_, err := c.NetworkConfig(context.Background())
	assert.ErrorIs(t, err, ErrNoNetworkConfig)
}

func TestSlotMath(t *testing.T) {
	cfg := MainnetConfig()
	assert.Equal(t, uint64(0), cfg.SlotAt(cfg.GenesisTime.Add(-time.Hour)))
	now := cfg.GenesisTime.Add(120 * time.Second)
	assert.Equal(t, uint64(10), cfg.SlotAt(now))

	now = cfg.GenesisTime.Add(12 * 100 * time.Second)
	assert.True(t, cfg.Synced(100, now))
	assert.True(t, cfg.Synced(68, now))
	assert.False(t, cfg.Synced(67, now))
}

func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("topics") != TopicHead {
			http.Error(w, "bad topics", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for _, e := range events {
			_, _ = fmt.Fprint(w, e)
			fl.Flush()
		}
		<-r.Context().Done()
	}
}

func TestEventsDeliverHeadsInOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathEvents, sseHandler(
		"event: head\ndata: {\"slot\":\"10\",\"block\":\"0xa\",\"state\":\"0xb\",\"epoch_transition\":false}\n\n",
		"event: block\ndata: {\"slot\":\"11\"}\n\n",
		"event: head\ndata: {\"slot\":\"11\",\"block\":\"0xc\",\"state\":\"0xd\",\"epoch_transition\":true}\n\n",
	))
	c := newTestServer(t, mux)

	s, err := c.Events(context.Background(), TopicHead)
	require.NoError(t, err)
	defer s.Stop()

	var got []HeadEvent
	for len(got) < 2 {
		select {
		case h := <-s.Heads():
			got = append(got, h)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, uint64(10), got[0].Slot)
	assert.Equal(t, uint64(11), got[1].Slot)
	assert.True(t, got[1].EpochTransition)
}

func TestEventsReportErrorsAndStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathEvents, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	c := newTestServer(t, mux)

	s, err := c.Events(context.Background())
	require.NoError(t, err)
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, ErrStreamSubscription)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a stream error")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestDialer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSyncing, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"head_slot":"7","sync_distance":"0","is_syncing":false}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDialer(time.Second, StreamConfig{}, nil)
	st, err := d.Syncing(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), st.HeadSlot)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, srv.URL, d.Client(srv.URL+"/").URL())
}
