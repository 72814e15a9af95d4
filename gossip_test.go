package p4

import (
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGossipName(t *testing.T) {
	group, ok := gossipGroup(gossipName(12))
	assert.True(t, ok)
	assert.Equal(t, 12, group)

	_, ok = gossipGroup("serf-node")
	assert.False(t, ok)
	_, ok = gossipGroup("p4-gx")
	assert.False(t, ok)
}

func TestDieEvent(t *testing.T) {
	group, reason, ok := decodeDie(encodeDie(3, "rank 7: boom"))
	require.True(t, ok)
	assert.Equal(t, 3, group)
	assert.Equal(t, "rank 7: boom", reason)

	_, reason, ok = decodeDie(encodeDie(0, strings.Repeat("x", 2*maxDieReason)))
	require.True(t, ok)
	assert.Len(t, reason, maxDieReason)

	_, _, ok = decodeDie([]byte("no group"))
	assert.False(t, ok)
}

func TestLiveness_Leave(t *testing.T) {
	cfg, err := newConfig(append(testOptions(t.Name(), nil), WithHostname("hostA"), WithGossip(0)))
	require.NoError(t, err)

	left := make(chan int, 1)
	master, err := startLiveness(cfg, 0, slog.New(testLogger("g0")), func(group int) {
		left <- group
	}, func(string) {})
	require.NoError(t, err)
	defer master.shutdown()

	remote, err := startLiveness(cfg, 1, slog.New(testLogger("g1")), func(int) {}, func(string) {})
	require.NoError(t, err)

	require.NoError(t, remote.join(loopback, master.addr("hostA")))
	require.Eventually(t, func() bool {
		return master.serf.NumNodes() == 2
	}, 5*time.Second, 10*time.Millisecond)

	remote.shutdown()

	select {
	case group := <-left:
		assert.Equal(t, 1, group)
	case <-time.After(10 * time.Second):
		t.Fatal("leave was never noticed")
	}
}

func TestLiveness_GroupLeftMarksPeersDead(t *testing.T) {
	cl := newTestCluster(t, nil, make(chan error, 1))

	table := ranktable.New(3)
	require.NoError(t, table.Install(cl.localRecord(0, 0)))
	for rank := 1; rank <= 2; rank++ {
		require.NoError(t, table.Install(ranktable.RankRecord{
			Rank:        rank,
			Group:       1,
			Host:        "hostB",
			Port:        1,
			PID:         rank,
			MachineKind: runtime.GOARCH,
		}))
	}
	require.NoError(t, table.Freeze())
	cl.install(table)

	r, err := cl.bind(0)
	require.NoError(t, err)

	cl.groupLeft(1)
	assert.Equal(t, ConnDying, r.ConnState(1))
	assert.Equal(t, ConnDying, r.ConnState(2))
	assert.ErrorIs(t, r.peerGone(2), ErrPeerDied)

	// Our own group never leaves.
	cl.groupLeft(0)
	assert.Equal(t, ConnSelf, r.ConnState(0))
}

func TestLiveness_DieReachesOthers(t *testing.T) {
	cfg, err := newConfig(append(testOptions(t.Name(), nil), WithHostname("hostA"), WithGossip(0)))
	require.NoError(t, err)

	masterDied := make(chan string, 1)
	master, err := startLiveness(cfg, 0, slog.New(testLogger("g0")), func(int) {}, func(reason string) {
		masterDied <- reason
	})
	require.NoError(t, err)
	defer master.shutdown()

	remoteDied := make(chan string, 1)
	remote, err := startLiveness(cfg, 1, slog.New(testLogger("g1")), func(int) {}, func(reason string) {
		remoteDied <- reason
	})
	require.NoError(t, err)
	defer remote.shutdown()

	require.NoError(t, remote.join(loopback, master.addr("hostA")))
	require.Eventually(t, func() bool {
		return master.serf.NumNodes() == 2 && remote.serf.NumNodes() == 2
	}, 5*time.Second, 10*time.Millisecond)

	master.die("rank 1 failed")
	select {
	case reason := <-remoteDied:
		assert.Equal(t, "rank 1 failed", reason)
	case <-time.After(10 * time.Second):
		t.Fatal("die event never arrived")
	}

	// The origin does not abort on its own event.
	select {
	case reason := <-masterDied:
		t.Fatalf("origin got its own die event %q", reason)
	case <-time.After(200 * time.Millisecond):
	}
}
