package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/beaconvisor/internal/eth2"
	"github.com/loykin/beaconvisor/internal/store"
)

const nodeURL = "http://localhost:5052"

type fakeStream struct {
	heads   chan eth2.HeadEvent
	errs    chan error
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{heads: make(chan eth2.HeadEvent, 8), errs: make(chan error, 8), done: make(chan struct{})}
}

func (s *fakeStream) Heads() <-chan eth2.HeadEvent { return s.heads }
func (s *fakeStream) Errors() <-chan error         { return s.errs }
func (s *fakeStream) Done() <-chan struct{}        { return s.done }
func (s *fakeStream) Stop() {
	s.stopped.Store(true)
	s.once.Do(func() { close(s.done) })
}

type fakeSource struct {
	cfg     eth2.NetworkConfig
	cfgErr  error
	cfgGate chan struct{}

	mu         sync.Mutex
	failSubs   int
	subscribes int
	streams    []*fakeStream
}

func (f *fakeSource) NetworkConfig(ctx context.Context, _ string) (eth2.NetworkConfig, error) {
	if f.cfgGate != nil {
		select {
		case <-f.cfgGate:
		case <-ctx.Done():
			return eth2.NetworkConfig{}, ctx.Err()
		}
	}
	return f.cfg, f.cfgErr
}

func (f *fakeSource) Subscribe(context.Context, string) (eth2.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.failSubs > 0 {
		f.failSubs--
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

type update struct {
	slot   uint64
	status store.Status
}

type recorder struct {
	mu      sync.Mutex
	updates []update
}

func (r *recorder) UpdateHead(_ context.Context, url string, slot uint64, status store.Status) error {
	if url != nodeURL {
		return errors.New("unexpected url " + url)
	}
	r.mu.Lock()
	r.updates = append(r.updates, update{slot, status})
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.updates...)
}

type harness struct {
	w        *Watcher
	src      *fakeSource
	rec      *recorder
	removals chan string
	done     chan struct{}
	cancel   context.CancelFunc
}

var testNet = eth2.NetworkConfig{Name: "test", GenesisTime: time.Unix(1_000_000, 0), SecondsPerSlot: 12, SlotsPerEpoch: 32}

// wall clock fixed at slot 1000
func fixedNow() time.Time { return testNet.GenesisTime.Add(1000 * 12 * time.Second) }

func start(t *testing.T, src *fakeSource) *harness {
	t.Helper()
	h := &harness{src: src, rec: &recorder{}, removals: make(chan string, 4), done: make(chan struct{})}
	h.w = New(Config{URL: nodeURL, Source: src, Updater: h.rec, Removals: h.removals, RetryDelay: 5 * time.Millisecond, Now: fixedNow})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) waitStreaming(t *testing.T, n int) *fakeStream {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.w.State() == Streaming && h.src.stream(n) != nil
	}, 2*time.Second, time.Millisecond)
	return h.src.stream(n)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not terminate")
	}
}

func TestHeadsAppliedInOrderWithStatus(t *testing.T) {
	h := start(t, &fakeSource{cfg: testNet})
	s := h.waitStreaming(t, 0)

	s.heads <- eth2.HeadEvent{Slot: 10}
	s.heads <- eth2.HeadEvent{Slot: 990}
	s.heads <- eth2.HeadEvent{Slot: 1000}

	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []update{
		{10, store.StatusSyncing},
		{990, store.StatusActive},
		{1000, store.StatusActive},
	}, h.rec.snapshot())
}

func TestRemovalOfOtherURLIsIgnored(t *testing.T) {
	h := start(t, &fakeSource{cfg: testNet})
	s := h.waitStreaming(t, 0)

	h.removals <- "http://other:5052"
	s.heads <- eth2.HeadEvent{Slot: 5}
	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Streaming, h.w.State())

	h.removals <- nodeURL
	h.waitDone(t)
	assert.Equal(t, Terminated, h.w.State())
	assert.True(t, s.stopped.Load())
}

func TestRemovalDuringWaitStopsUpdates(t *testing.T) {
	h := start(t, &fakeSource{cfg: testNet})
	s := h.waitStreaming(t, 0)

	h.removals <- nodeURL
	h.waitDone(t)

	s.heads <- eth2.HeadEvent{Slot: 77}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.rec.snapshot())
	assert.True(t, s.stopped.Load())
}

func TestPendingRemovalWinsOverPendingHead(t *testing.T) {
	src := &fakeSource{cfg: testNet}
	h := start(t, src)
	s := h.waitStreaming(t, 0)

	s.heads <- eth2.HeadEvent{Slot: 1}
	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)

	// removal is queued before the head, so the head must never be applied
	h.removals <- nodeURL
	s.heads <- eth2.HeadEvent{Slot: 2}
	h.waitDone(t)
	for _, u := range h.rec.snapshot() {
		assert.NotEqual(t, uint64(2), u.slot)
	}
}

func TestStreamErrorsDoNotTerminate(t *testing.T) {
	h := start(t, &fakeSource{cfg: testNet})
	s := h.waitStreaming(t, 0)

	s.errs <- errors.New("decode failure")
	s.errs <- errors.New("reconnecting")
	s.heads <- eth2.HeadEvent{Slot: 3}
	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Streaming, h.w.State())
}

func TestNetworkConfigFallsBackToMainnet(t *testing.T) {
	h := start(t, &fakeSource{cfgErr: errors.New("404")})
	h.waitStreaming(t, 0)
	cfg, ok := h.w.Network()
	require.True(t, ok)
	assert.Equal(t, eth2.MainnetConfig(), cfg)
}

func TestRemovalWhileResolving(t *testing.T) {
	src := &fakeSource{cfg: testNet, cfgGate: make(chan struct{})}
	h := start(t, src)
	require.Eventually(t, func() bool { return h.w.State() == Resolving }, 2*time.Second, time.Millisecond)

	h.removals <- "http://other"
	h.removals <- nodeURL
	h.waitDone(t)
	src.mu.Lock()
	assert.Equal(t, 0, src.subscribes)
	src.mu.Unlock()
	_, ok := h.w.Network()
	assert.False(t, ok)
}

func TestSubscriptionFailureIsRetried(t *testing.T) {
	src := &fakeSource{cfg: testNet, failSubs: 2}
	h := start(t, src)
	s := h.waitStreaming(t, 0)
	s.heads <- eth2.HeadEvent{Slot: 9}
	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)
	src.mu.Lock()
	assert.Equal(t, 3, src.subscribes)
	src.mu.Unlock()
}

func TestEndedStreamIsReopened(t *testing.T) {
	src := &fakeSource{cfg: testNet}
	h := start(t, src)
	first := h.waitStreaming(t, 0)
	first.Stop()

	second := h.waitStreaming(t, 1)
	second.heads <- eth2.HeadEvent{Slot: 4}
	require.Eventually(t, func() bool { return len(h.rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)
}

func TestClosedRemovalsTerminates(t *testing.T) {
	h := start(t, &fakeSource{cfg: testNet})
	h.waitStreaming(t, 0)
	close(h.removals)
	h.waitDone(t)
}

func TestContextCancelTerminates(t *testing.T) {
	h := start(t, &fakeSource{cfg: testNet})
	s := h.waitStreaming(t, 0)
	h.cancel()
	h.waitDone(t)
	assert.True(t, s.stopped.Load())
	assert.Equal(t, "terminated", h.w.State().String())
}
