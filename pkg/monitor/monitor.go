// Package monitor implements Hoare-style monitors and the primitives built
// on them: an n-party reusable [Barrier] and a shared subscript dispenser
// [GetSub].
//
// Ownership of a monitor is passed directly from a continuing goroutine to
// the waiter it releases, so a released waiter never competes with new
// arrivals for the lock.
package monitor

import (
	"fmt"
	"sync"
)

type door struct {
	waiters int
	wake    chan struct{}
}

// Monitor is a lock plus a fixed number of doors on which goroutines
// holding the monitor may wait.
type Monitor struct {
	// mu is the monitor itself, it may be unlocked by a different goroutine
	// than the one that locked it when ownership is handed over.
	mu    sync.Mutex
	doors []door
}

func New(doors int) *Monitor {
	if doors < 1 {
		panic(fmt.Sprintf("monitor: need at least one door, got %d", doors))
	}
	m := &Monitor{doors: make([]door, doors)}
	for i := range m.doors {
		m.doors[i].wake = make(chan struct{})
	}
	return m
}

// Enter acquires the monitor.
func (m *Monitor) Enter() {
	m.mu.Lock()
}

// Exit releases the monitor.
func (m *Monitor) Exit() {
	m.mu.Unlock()
}

// Delay releases the monitor and blocks on door d. It returns once another
// goroutine called Continue on d, with the monitor held by the caller.
//
// Must be called with the monitor held.
func (m *Monitor) Delay(d int) {
	dr := &m.doors[d]
	dr.waiters++
	m.mu.Unlock()
	<-dr.wake
}

// Continue hands the monitor to exactly one goroutine waiting on door d.
// If nobody waits, it behaves as Exit. Either way the caller no longer
// holds the monitor when it returns.
//
// Must be called with the monitor held.
func (m *Monitor) Continue(d int) {
	dr := &m.doors[d]
	if dr.waiters == 0 {
		m.mu.Unlock()
		return
	}
	dr.waiters--
	// The waiter already released mu and is about to receive, it does not
	// need the lock to get there.
	dr.wake <- struct{}{}
}

// Waiters returns how many goroutines wait on door d.
//
// Must be called with the monitor held.
func (m *Monitor) Waiters(d int) int {
	return m.doors[d].waiters
}
