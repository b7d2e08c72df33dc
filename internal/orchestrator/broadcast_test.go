package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := newBroadcaster[string](1)
	s1, s2 := b.subscribe(), b.subscribe()
	require.NoError(t, b.publish(context.Background(), "x"))
	assert.Equal(t, "x", <-s1.ch)
	assert.Equal(t, "x", <-s2.ch)
}

func TestPublishWaitsForSlowSubscriber(t *testing.T) {
	b := newBroadcaster[int](0)
	s := b.subscribe()
	done := make(chan error, 1)
	go func() { done <- b.publish(context.Background(), 7) }()

	select {
	case <-done:
		t.Fatal("publish returned before delivery")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 7, <-s.ch)
	require.NoError(t, <-done)
}

func TestPublishReleasedByUnsubscribeOrContext(t *testing.T) {
	b := newBroadcaster[int](0)
	s := b.subscribe()
	done := make(chan error, 1)
	go func() { done <- b.publish(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond)
	b.unsubscribe(s)
	require.NoError(t, <-done)
	assert.Equal(t, 0, b.len())

	b.subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.publish(ctx, 2), context.Canceled)
}

func TestOfferDropsWhenFull(t *testing.T) {
	b := newBroadcaster[int](1)
	s := b.subscribe()
	b.offer(1)
	b.offer(2)
	assert.Equal(t, 1, <-s.ch)
	select {
	case v := <-s.ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}
