package monitor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_ContinueWithoutWaiterExits(t *testing.T) {
	m := New(2)
	m.Enter()
	m.Continue(1)

	// If Continue did not release the monitor this would deadlock.
	done := make(chan struct{})
	go func() {
		m.Enter()
		m.Exit()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor still held after Continue on an empty door")
	}
}

func TestMonitor_ContinueHandsOverOwnership(t *testing.T) {
	m := New(1)
	var inside atomic.Int32
	var released sync.WaitGroup
	released.Add(1)

	m.Enter()
	go func() {
		m.Enter()
		inside.Add(1)
		m.Delay(0)
		// We own the monitor again here.
		inside.Add(1)
		assert.Equal(t, int32(2), inside.Load())
		m.Exit()
		released.Done()
	}()
	m.Exit()

	require.Eventually(t, func() bool {
		m.Enter()
		defer m.Exit()
		return m.Waiters(0) == 1
	}, time.Second, 5*time.Millisecond)

	m.Enter()
	m.Continue(0)
	released.Wait()

	m.Enter()
	assert.Equal(t, 0, m.Waiters(0))
	m.Exit()
}

func TestBarrier_ReleasesTogether(t *testing.T) {
	const n = 5
	b := NewBarrier(n)
	var returned atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Wait()
			returned.Add(1)
		}()
	}

	require.Eventually(t, func() bool { return b.Waiting() == n-1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), returned.Load(), "nobody leaves before the last arrival")

	b.Wait()
	wg.Wait()
	assert.Equal(t, int32(n-1), returned.Load())
	assert.Equal(t, 0, b.Waiting())
}

func TestBarrier_Rounds(t *testing.T) {
	const n = 4
	const rounds = 20
	b := NewBarrier(n)
	var counter atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 1; r <= rounds; r++ {
				counter.Add(1)
				b.Wait()
				// Every participant of this round already incremented.
				assert.GreaterOrEqual(t, counter.Load(), int32(r*n))
				b.Wait()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n*rounds), counter.Load())
	assert.Equal(t, 0, b.Waiting())
}

func TestBarrier_Single(t *testing.T) {
	b := NewBarrier(1)
	b.Wait()
	b.Wait()
	assert.Equal(t, 1, b.Size())
}

func TestGetSub(t *testing.T) {
	const n = 3
	const max = 99
	gs := NewGetSub(n)

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				sub := gs.Next(max, 1)
				if sub < 0 {
					return
				}
				mu.Lock()
				seen[sub]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, max+1)
	for sub, count := range seen {
		assert.Equal(t, 1, count, "subscript %d handed out more than once", sub)
	}

	// The dispenser was reset by the last participant.
	assert.Equal(t, 0, gs.Next(max, 1))
}
