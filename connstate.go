package p4

import (
	"fmt"
	"sync"

	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/raskyld/p4/pkg/wire"
)

// ConnKind is the state of the connection between a rank and one peer.
type ConnKind uint8

const (
	ConnNotEstablished ConnKind = iota
	ConnOpening
	ConnEstablished
	ConnClosed
	ConnDying
	// ConnSelf and ConnLocal never change.
	ConnSelf
	ConnLocal
)

func (k ConnKind) String() string {
	switch k {
	case ConnNotEstablished:
		return "not_established"
	case ConnOpening:
		return "opening"
	case ConnEstablished:
		return "established"
	case ConnClosed:
		return "closed"
	case ConnDying:
		return "dying"
	case ConnSelf:
		return "self"
	case ConnLocal:
		return "local"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Terminal reports whether no transition leaves k.
func (k ConnKind) Terminal() bool {
	return k == ConnClosed || k == ConnDying
}

// peerConn is the connection state towards one peer.
type peerConn struct {
	kind     ConnKind
	conn     *wire.Conn
	sameRepr bool
	cause    error
	// failed is set when the connection attempt itself failed, the peer
	// may still be alive.
	failed bool
}

// connTable holds the state of every peer of one rank. It is mutated by
// its rank, the connection manager of its cluster and its socket readers.
type connTable struct {
	mu    sync.Mutex
	own   int
	peers []peerConn
}

func newConnTable(own int, table *ranktable.Table) *connTable {
	records := table.Records()
	ct := &connTable{
		own:   own,
		peers: make([]peerConn, len(records)),
	}
	me := records[own]
	for i, rec := range records {
		switch {
		case i == own:
			ct.peers[i].kind = ConnSelf
		case rec.Group == me.Group:
			ct.peers[i].kind = ConnLocal
		default:
			ct.peers[i].kind = ConnNotEstablished
		}
		ct.peers[i].sameRepr = DataRepresentation(rec.MachineKind) == DataRepresentation(me.MachineKind)
	}
	return ct
}

func (ct *connTable) get(peer int) peerConn {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.peers[peer]
}

func (ct *connTable) state(peer int) ConnKind {
	return ct.get(peer).kind
}

// open moves peer from NotEstablished to Opening. It reports whether the
// caller is in charge of the connection attempt.
func (ct *connTable) open(peer int) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.peers[peer].kind != ConnNotEstablished {
		return false
	}
	ct.peers[peer].kind = ConnOpening
	return true
}

// establish installs the data socket of peer.
func (ct *connTable) establish(peer int, conn *wire.Conn) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	pc := &ct.peers[peer]
	switch pc.kind {
	case ConnNotEstablished, ConnOpening:
		pc.kind = ConnEstablished
		pc.conn = conn
		return nil
	default:
		return fmt.Errorf("%w: rank %d cannot establish rank %d from %s", ErrProtocolViolation, ct.own, peer, pc.kind)
	}
}

// markDying records the death of peer. It reports false when peer was
// already terminal or is not a socket peer.
func (ct *connTable) markDying(peer int, cause error) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	pc := &ct.peers[peer]
	switch pc.kind {
	case ConnNotEstablished, ConnOpening, ConnEstablished:
		pc.kind = ConnDying
		pc.cause = cause
		if pc.conn != nil {
			pc.conn.Close()
		}
		return true
	default:
		return false
	}
}

// fail records that no data socket could be opened to peer. Only peers
// still being connected are affected.
func (ct *connTable) fail(peer int, cause error) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	pc := &ct.peers[peer]
	switch pc.kind {
	case ConnNotEstablished, ConnOpening:
		pc.kind = ConnDying
		pc.cause = cause
		pc.failed = true
		return true
	default:
		return false
	}
}

// closeAll closes every data socket. Peers not yet reached become Closed as
// well so no attempt starts afterwards.
func (ct *connTable) closeAll() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for i := range ct.peers {
		pc := &ct.peers[i]
		switch pc.kind {
		case ConnNotEstablished, ConnOpening, ConnEstablished:
			pc.kind = ConnClosed
			if pc.conn != nil {
				pc.conn.Close()
			}
		}
	}
}
