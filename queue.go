package p4

import (
	"sync"

	"github.com/raskyld/p4/pkg/monitor"
	"github.com/raskyld/p4/pkg/wire"
)

// Message is a received message.
type Message struct {
	Kind     int
	From     int
	DataKind DataKind
	Payload  []byte
}

type message struct {
	env     wire.Envelope
	payload []byte
}

func (m *message) public() *Message {
	return &Message{
		Kind:     m.env.Kind,
		From:     m.env.From,
		DataKind: DataKind(m.env.DataKind),
		Payload:  m.payload,
	}
}

// pendingQueue keeps arrived messages in arrival order. Lookups are
// filtered so a match may be taken from the middle.
type pendingQueue struct {
	items []*message
}

func (pq *pendingQueue) push(m *message) {
	pq.items = append(pq.items, m)
}

func (pq *pendingQueue) len() int {
	return len(pq.items)
}

// take removes and returns the oldest message matching f.
func (pq *pendingQueue) take(f filter) *message {
	for i, m := range pq.items {
		if f.match(&m.env) {
			copy(pq.items[i:], pq.items[i+1:])
			pq.items[len(pq.items)-1] = nil
			pq.items = pq.items[:len(pq.items)-1]
			return m
		}
	}
	return nil
}

func (pq *pendingQueue) has(f filter) bool {
	for _, m := range pq.items {
		if f.match(&m.env) {
			return true
		}
	}
	return false
}

// localQueue is the shared-memory slot of a rank, written by the other
// ranks of its cluster.
type localQueue struct {
	mon    *monitor.Monitor
	items  []*message
	signal chan struct{}
}

func newLocalQueue() *localQueue {
	return &localQueue{
		mon:    monitor.New(1),
		signal: make(chan struct{}, 1),
	}
}

func (lq *localQueue) push(m *message) {
	lq.mon.Enter()
	lq.items = append(lq.items, m)
	lq.mon.Exit()

	select {
	case lq.signal <- struct{}{}:
	default:
	}
}

// takeAll empties the queue, preserving order.
func (lq *localQueue) takeAll() []*message {
	lq.mon.Enter()
	defer lq.mon.Exit()
	items := lq.items
	lq.items = nil
	return items
}

type mailKind uint8

const (
	mailConnReady mailKind = iota
	mailConnFailed
	mailPeerDied
)

type mailItem struct {
	kind mailKind
	peer int
	err  error
}

// mailbox carries notifications from the connection manager and the socket
// readers to a rank. The rank acknowledges by taking the items.
type mailbox struct {
	mu    sync.Mutex
	items []mailItem
	poke  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{poke: make(chan struct{}, 1)}
}

func (mb *mailbox) post(item mailItem) {
	mb.mu.Lock()
	mb.items = append(mb.items, item)
	mb.mu.Unlock()
	mb.repoke()
}

// repoke wakes the rank up again if it has not noticed its mail yet.
func (mb *mailbox) repoke() {
	select {
	case mb.poke <- struct{}{}:
	default:
	}
}

func (mb *mailbox) take() []mailItem {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	items := mb.items
	mb.items = nil
	return items
}

func (mb *mailbox) unread() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.items) > 0
}
