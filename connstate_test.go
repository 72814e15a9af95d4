package p4

import (
	"errors"
	"net"
	"testing"

	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/raskyld/p4/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnTable_Initial(t *testing.T) {
	ct := newConnTable(1, testTable(t, 2, 1))

	assert.Equal(t, []ConnKind{ConnLocal, ConnSelf, ConnNotEstablished}, states(ct))
}

func TestConnTable_Transitions(t *testing.T) {
	ct := newConnTable(0, testTable(t, 1, 1, 1))

	require.True(t, ct.open(1))
	assert.False(t, ct.open(1), "a second opener must not take over")
	assert.Equal(t, ConnOpening, ct.state(1))

	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, ct.establish(1, wire.NewConn(a, 0, nil)))
	assert.Equal(t, ConnEstablished, ct.state(1))
	assert.ErrorIs(t, ct.establish(1, wire.NewConn(a, 0, nil)), ErrProtocolViolation)

	cause := errors.New("eof")
	require.True(t, ct.markDying(1, cause))
	assert.False(t, ct.markDying(1, cause))
	assert.Equal(t, ConnDying, ct.state(1))
	assert.Equal(t, cause, ct.get(1).cause)
	assert.False(t, ct.open(1))

	// Peers never contacted can be established directly by the listener.
	require.NoError(t, ct.establish(2, wire.NewConn(b, 0, nil)))

	ct.closeAll()
	assert.Equal(t, []ConnKind{ConnSelf, ConnDying, ConnClosed}, states(ct))
	assert.False(t, ct.markDying(2, cause))
	assert.True(t, ConnClosed.Terminal())
	assert.False(t, ConnOpening.Terminal())
}

func TestConnTable_SameRepresentation(t *testing.T) {
	table := ranktable.New(2)
	require.NoError(t, table.Install(ranktable.RankRecord{Rank: 0, Group: 0, MachineKind: "amd64"}))
	require.NoError(t, table.Install(ranktable.RankRecord{Rank: 1, Group: 1, MachineKind: "s390x"}))
	require.NoError(t, table.Freeze())

	ct := newConnTable(0, table)
	assert.True(t, ct.get(0).sameRepr)
	assert.False(t, ct.get(1).sameRepr)
}

func states(ct *connTable) []ConnKind {
	out := make([]ConnKind, len(ct.peers))
	for i := range out {
		out[i] = ct.state(i)
	}
	return out
}
