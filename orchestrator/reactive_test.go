package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDebounceCoalescesBursts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan int)
	out := debounce(ctx, in, 30*time.Millisecond)

	for i := 1; i <= 5; i++ {
		in <- i
	}
	select {
	case v := <-out:
		require.Equal(t, 5, v)
	case <-time.After(time.Second):
		t.Fatal("no debounced value")
	}
	select {
	case v := <-out:
		t.Fatalf("unexpected extra value %d", v)
	case <-time.After(60 * time.Millisecond):
	}

	in <- 6
	select {
	case v := <-out:
		require.Equal(t, 6, v)
	case <-time.After(time.Second):
		t.Fatal("no value after quiet period")
	}
}

func TestDebounceFlushesOnClose(t *testing.T) {
	in := make(chan string, 2)
	out := debounce(context.Background(), in, time.Hour)
	in <- "a"
	in <- "b"
	close(in)

	v, ok := <-out
	require.True(t, ok)
	require.Equal(t, "b", v)
	_, ok = <-out
	require.False(t, ok)
}

func TestDebounceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := debounce(ctx, make(chan int), time.Millisecond)
	cancel()
	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}

func TestCombineLatestWaitsForBothInputs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := make(chan int)
	b := make(chan string)
	out := combineLatest(ctx, a, b)

	a <- 1
	a <- 2
	b <- "x"
	got := <-out
	require.Equal(t, 2, got.first)
	require.Equal(t, "x", got.second)

	b <- "y"
	got = <-out
	require.Equal(t, 2, got.first)
	require.Equal(t, "y", got.second)

	close(a)
	_, ok := <-out
	require.False(t, ok)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders = map[string]int{}
		maxSeen = map[string]int{}
	)
	for _, key := range []string{"a", "b"} {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := k.Lock(key)
				mu.Lock()
				holders[key]++
				if holders[key] > maxSeen[key] {
					maxSeen[key] = holders[key]
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				holders[key]--
				mu.Unlock()
				unlock()
			}(key)
		}
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen["a"])
	require.Equal(t, 1, maxSeen["b"])
	require.Zero(t, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock of b blocked by a")
	}
	require.Equal(t, 1, k.size())
	unlockA()
	require.Zero(t, k.size())
}
