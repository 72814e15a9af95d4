package p4

import (
	"sync"
	"testing"

	"github.com/raskyld/p4/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(kind, from int, payload string) *message {
	return &message{
		env:     wire.Envelope{Kind: kind, From: from},
		payload: []byte(payload),
	}
}

func TestPendingQueue_TakeKeepsOrder(t *testing.T) {
	var pq pendingQueue
	pq.push(msg(1, 0, "a"))
	pq.push(msg(2, 1, "b"))
	pq.push(msg(1, 1, "c"))
	pq.push(msg(1, 0, "d"))

	m := pq.take(filter{kind: 1, from: 1})
	require.NotNil(t, m)
	assert.Equal(t, "c", string(m.payload))

	m = pq.take(filter{kind: AnyKind, from: AnySource})
	require.NotNil(t, m)
	assert.Equal(t, "a", string(m.payload))

	assert.True(t, pq.has(filter{kind: 2, from: AnySource}))
	assert.False(t, pq.has(filter{kind: 2, from: 0}))
	assert.Nil(t, pq.take(filter{kind: 3, from: AnySource}))

	m = pq.take(filter{kind: AnyKind, from: 0})
	require.NotNil(t, m)
	assert.Equal(t, "d", string(m.payload))
	assert.Equal(t, 1, pq.len())
}

func TestFilter_AnyKindSkipsReserved(t *testing.T) {
	wildcard := filter{kind: AnyKind, from: AnySource}
	assert.True(t, wildcard.match(&wire.Envelope{Kind: 0}))
	assert.True(t, wildcard.match(&wire.Envelope{Kind: ReservedKindBase - 1}))
	assert.False(t, wildcard.match(&wire.Envelope{Kind: kindBarrier}))
	assert.False(t, wildcard.match(&wire.Envelope{Kind: kindAckReply}))

	assert.True(t, filter{kind: kindBarrier, from: 3}.match(&wire.Envelope{Kind: kindBarrier, From: 3}))
	assert.False(t, filter{kind: kindBarrier, from: 3}.match(&wire.Envelope{Kind: kindBarrier, From: 2}))
}

func TestLocalQueue_ConcurrentPush(t *testing.T) {
	lq := newLocalQueue()
	const writers, each = 4, 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				lq.push(msg(i, w, ""))
			}
		}()
	}
	wg.Wait()

	<-lq.signal
	items := lq.takeAll()
	require.Len(t, items, writers*each)

	// Order is kept per writer.
	next := make([]int, writers)
	for _, m := range items {
		assert.Equal(t, next[m.env.From], m.env.Kind)
		next[m.env.From]++
	}
	assert.Empty(t, lq.takeAll())
}

func TestMailbox_Repoke(t *testing.T) {
	mb := newMailbox()
	mb.post(mailItem{kind: mailConnReady, peer: 3})
	mb.post(mailItem{kind: mailPeerDied, peer: 4})

	<-mb.poke
	assert.True(t, mb.unread())

	mb.repoke()
	select {
	case <-mb.poke:
	default:
		t.Fatal("repoke did not wake the rank up")
	}

	items := mb.take()
	require.Len(t, items, 2)
	assert.Equal(t, 3, items[0].peer)
	assert.Equal(t, mailPeerDied, items[1].kind)
	assert.False(t, mb.unread())
}
