package p4

import (
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/p4/pkg/network"
	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/raskyld/p4/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T, sink metrics.MetricSink, fatals chan<- error, extra ...Option) *cluster {
	t.Helper()
	return newGroupCluster(t, 0, "hostA", sink, fatals, extra...)
}

func newGroupCluster(t *testing.T, group int, host string, sink metrics.MetricSink, fatals chan<- error, extra ...Option) *cluster {
	t.Helper()
	opts := append(testOptions(t.Name(), sink), WithHostname(host), WithFatalHandler(func(err error) {
		select {
		case fatals <- err:
		default:
		}
	}))
	cfg, err := newConfig(append(opts, extra...))
	require.NoError(t, err)

	cl, err := newCluster(cfg, group, host, host, 1)
	require.NoError(t, err)
	t.Cleanup(func() {
		cl.close(nil)
		cl.wait()
	})
	return cl
}

func dialManager(t *testing.T, cl *cluster) *wire.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", network.JoinHostPort("127.0.0.1", cl.mgr.port))
	require.NoError(t, err)
	return wire.NewConn(conn, 0, nil)
}

func TestManager_DataFrameIsViolation(t *testing.T) {
	fatals := make(chan error, 1)
	cl := newTestCluster(t, nil, fatals)

	conn := dialManager(t, cl)
	defer conn.Close()
	_, err := conn.Write(wire.EncodeData(&wire.Envelope{Kind: 1, From: 1}, []byte("hi")))
	require.NoError(t, err)

	select {
	case err := <-fatals:
		assert.ErrorIs(t, err, ErrProtocolViolation)
	case <-time.After(5 * time.Second):
		t.Fatal("the violation did not abort the job")
	}
	assert.ErrorIs(t, cl.result(), ErrProtocolViolation)
	assert.True(t, cl.closing())
}

func TestManager_DieAbortsWithoutPropagating(t *testing.T) {
	fatals := make(chan error, 1)
	cl := newTestCluster(t, nil, fatals)

	conn := dialManager(t, cl)
	defer conn.Close()
	require.NoError(t, conn.WriteControl(&wire.Control{Kind: wire.KindDie, Reason: "rank 7 failed"}))

	select {
	case err := <-fatals:
		assert.ErrorIs(t, err, ErrAborted)
		assert.Contains(t, err.Error(), "rank 7 failed")
	case <-time.After(5 * time.Second):
		t.Fatal("die was ignored")
	}
}

// TestManager_ReverseRequest plays a remote rank 1 against a cluster
// running rank 0: rank 1 asks to be dialed back, which only happens once
// the bootstrap gate is open, and only once.
func TestManager_ReverseRequest(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	fatals := make(chan error, 1)
	cl := newTestCluster(t, sink, fatals)

	peer, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	peerPort, err := network.Port(peer.Addr())
	require.NoError(t, err)

	local := cl.localRecord(0, 0)
	table := ranktable.New(2)
	require.NoError(t, table.Install(local))
	require.NoError(t, table.Install(ranktable.RankRecord{
		Rank:        1,
		Group:       1,
		Host:        "hostB",
		Port:        peerPort,
		PID:         4242,
		MachineKind: runtime.GOARCH,
	}))
	require.NoError(t, table.Freeze())
	cl.install(table)

	poke := func(kind wire.Kind) {
		conn := dialManager(t, cl)
		defer conn.Close()
		require.NoError(t, conn.WriteControl(&wire.Control{
			Kind:         kind,
			From:         1,
			To:           0,
			ToPID:        local.PID,
			CallbackPort: peerPort,
			OriginHost:   "hostB",
		}))
	}

	poke(wire.KindConnectionRequest)
	require.Eventually(t, func() bool {
		return counterTotal(sink, MetricHeldRequestCount) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cl.start(func(r *Rank) error {
		m, err := r.Receive(5, 1)
		if err != nil {
			return err
		}
		return r.Send(6, 1, m.Payload)
	})
	cl.barrier.Wait()
	cl.barrier.Wait()
	cl.mgr.openGate()

	require.NoError(t, peer.(*net.TCPListener).SetDeadline(time.Now().Add(5*time.Second)))
	raw, err := peer.Accept()
	require.NoError(t, err)
	data := wire.NewConn(raw, 0, nil)
	defer data.Close()

	ctl, err := data.ExpectControl(wire.KindConnectionRequest)
	require.NoError(t, err)
	assert.Equal(t, 0, ctl.From)
	assert.Equal(t, 1, ctl.To)
	assert.Equal(t, 4242, ctl.ToPID)
	assert.Equal(t, cl.mgr.port, ctl.CallbackPort)

	poke(wire.KindWakeup)
	require.Eventually(t, func() bool {
		return counterTotal(sink, MetricConnDuplicateCount) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = data.Write(wire.EncodeData(&wire.Envelope{Kind: 5, From: 1, To: 0, ImmediateFrom: 1}, []byte("ping")))
	require.NoError(t, err)

	f, err := data.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, f.Envelope)
	assert.Equal(t, 6, f.Envelope.Kind)
	assert.Equal(t, 0, f.Envelope.From)
	assert.Equal(t, 1, f.Envelope.To)
	assert.Equal(t, 0, f.Envelope.ImmediateFrom)
	assert.Equal(t, "ping", string(f.Payload))

	assert.Equal(t, 1, counterTotal(sink, MetricConnEstablishedCount))
	assert.Empty(t, fatals)
}

func TestManager_KillPeer(t *testing.T) {
	fatals := make(chan error, 1)
	cl := newTestCluster(t, nil, fatals)

	table := ranktable.New(1)
	require.NoError(t, table.Install(cl.localRecord(0, 0)))
	require.NoError(t, table.Freeze())
	cl.install(table)

	done := make(chan error, 1)
	cl.start(func(r *Rank) error {
		_, err := r.Receive(AnyKind, AnySource)
		done <- err
		return err
	})
	cl.barrier.Wait()
	cl.barrier.Wait()
	cl.mgr.openGate()

	conn := dialManager(t, cl)
	defer conn.Close()
	require.NoError(t, conn.WriteControl(&wire.Control{Kind: wire.KindKillPeer, To: 0}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKilled)
	case <-time.After(5 * time.Second):
		t.Fatal("rank was not killed")
	}
	assert.NoError(t, cl.result())
	assert.Empty(t, fatals)
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port, err := network.Port(ln.Addr())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

// installUnreachable gives cl rank 0 and a remote rank 1 on port.
func installUnreachable(t *testing.T, cl *cluster, port int) ranktable.RankRecord {
	t.Helper()
	local := cl.localRecord(0, 0)
	table := ranktable.New(2)
	require.NoError(t, table.Install(local))
	require.NoError(t, table.Install(ranktable.RankRecord{
		Rank:        1,
		Group:       1,
		Host:        "hostB",
		Port:        port,
		PID:         4242,
		MachineKind: runtime.GOARCH,
	}))
	require.NoError(t, table.Freeze())
	cl.install(table)
	return local
}

func TestManager_ConnectFailureIsFinal(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	fatals := make(chan error, 1)
	cl := newTestCluster(t, sink, fatals, WithConnectTimeout(300*time.Millisecond))
	installUnreachable(t, cl, closedPort(t))

	type outcome struct {
		first, second, recv error
		secondTook         time.Duration
		state              ConnKind
	}
	done := make(chan outcome, 1)
	cl.start(func(r *Rank) error {
		r.SoftErrors(true)
		var o outcome
		o.first = r.Send(1, 1, []byte("a"))
		start := time.Now()
		o.second = r.Send(1, 1, []byte("b"))
		o.secondTook = time.Since(start)
		_, o.recv = r.Receive(AnyKind, 1)
		o.state = r.ConnState(1)
		done <- o
		return nil
	})
	cl.barrier.Wait()
	cl.barrier.Wait()
	cl.mgr.openGate()

	select {
	case o := <-done:
		assert.ErrorIs(t, o.first, ErrConnectionTimeout)
		assert.ErrorIs(t, o.second, ErrConnectionTimeout)
		assert.Less(t, o.secondTook, time.Second)
		assert.ErrorIs(t, o.recv, ErrPeerDied)
		assert.Equal(t, ConnDying, o.state)
	case <-time.After(10 * time.Second):
		t.Fatal("soft sends to an unreachable peer blocked")
	}
	assert.GreaterOrEqual(t, counterTotal(sink, MetricConnErrorCount), 1)
	assert.Empty(t, fatals)
}

// dropPeer accepts sockets, reads their first frame and closes them.
type dropPeer struct {
	ln net.Listener

	mu    sync.Mutex
	kinds map[wire.Kind]int
}

func newDropPeer(t *testing.T) *dropPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &dropPeer{ln: ln, kinds: make(map[wire.Kind]int)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			conn := wire.NewConn(raw, 0, nil)
			f, err := conn.ReadFrame()
			conn.Close()
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.kinds[f.Kind]++
			p.mu.Unlock()
		}
	}()
	return p
}

func (p *dropPeer) seen(k wire.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kinds[k]
}

func TestManager_WakeupBacklog(t *testing.T) {
	const backlog = 4
	interval := 50 * time.Millisecond

	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	fatals := make(chan error, 1)
	cl := newGroupCluster(t, 1, "hostB", sink, fatals,
		WithWakeup(interval, backlog),
		WithConnectTimeout(2*time.Second),
	)

	peer := newDropPeer(t)
	peerPort, err := network.Port(peer.ln.Addr())
	require.NoError(t, err)

	table := ranktable.New(2)
	require.NoError(t, table.Install(ranktable.RankRecord{
		Rank:        0,
		Group:       0,
		Host:        "hostA",
		Port:        peerPort,
		PID:         4242,
		MachineKind: runtime.GOARCH,
	}))
	require.NoError(t, table.Install(cl.localRecord(1, 0)))
	require.NoError(t, table.Freeze())
	cl.install(table)

	done := make(chan error, 1)
	cl.start(func(r *Rank) error {
		r.SoftErrors(true)
		done <- r.Send(1, 0, []byte("never"))
		return nil
	})
	cl.barrier.Wait()
	cl.barrier.Wait()
	cl.mgr.openGate()

	require.Eventually(t, func() bool {
		return peer.seen(wire.KindWakeup) == backlog
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, peer.seen(wire.KindConnectionRequest))

	// Nothing more once the backlog is spent.
	time.Sleep(6 * interval)
	assert.Equal(t, backlog, peer.seen(wire.KindWakeup))
	assert.Equal(t, backlog, counterTotal(sink, MetricWakeupCount))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("send never gave up")
	}
	assert.Empty(t, fatals)
}
