package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type job struct {
	nodeID  string
	retries int
}

func keyFunc(j job) any { return j.nodeID }

func TestOffer_DropsDuplicateKey(t *testing.T) {
	q := New(keyFunc)
	require.True(t, q.Offer(job{nodeID: "!abcd1234"}))
	require.False(t, q.Offer(job{nodeID: "!abcd1234", retries: 1}))
	require.Equal(t, 1, q.Size())
}

func TestTake_RemovesKeyAtomically(t *testing.T) {
	q := New(keyFunc)
	require.True(t, q.Offer(job{nodeID: "!abcd1234"}))

	ctx := context.Background()
	item, ok := q.Take(ctx, time.Second)
	require.True(t, ok)
	require.Equal(t, "!abcd1234", item.nodeID)
	require.Equal(t, 0, q.Size())

	// key was released on pop, so the same node can be offered again
	require.True(t, q.Offer(job{nodeID: "!abcd1234"}))
}

func TestTake_TimesOutOnEmptyQueue(t *testing.T) {
	q := New(keyFunc)
	_, ok := q.Take(context.Background(), 20*time.Millisecond)
	require.False(t, ok)
}

func TestTake_WakesOnProducer(t *testing.T) {
	q := New(keyFunc)
	var wg sync.WaitGroup
	wg.Add(1)
	start := time.Now()
	go func() {
		defer wg.Done()
		item, ok := q.Take(context.Background(), 5*time.Second)
		require.True(t, ok)
		require.Equal(t, "!abcd1234", item.nodeID)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Offer(job{nodeID: "!abcd1234"})
	wg.Wait()
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTake_WakesOnContextCancel(t *testing.T) {
	q := New(keyFunc)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, ok := q.Take(ctx, 5*time.Second)
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Take did not respect context cancellation")
	}
}

func TestClose_WakesBlockedTake(t *testing.T) {
	q := New(keyFunc)
	done := make(chan struct{})
	go func() {
		_, ok := q.Take(context.Background(), 5*time.Second)
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Take did not wake on Close")
	}
}

func TestDedupInvariant_ConcurrentProducers(t *testing.T) {
	q := New(keyFunc)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Offer(job{nodeID: "!shared"})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, q.Size())
}
