// Package wire defines the frames exchanged between connection managers,
// bootstrap coordinators and ranks.
//
// Every frame is a varint length prefix followed by a protowire-encoded
// body. The body always carries its [Kind] in field 1. Data frames carry an
// [Envelope] and its payload, every other kind carries a [Control].
package wire

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrFrameTooLarge  = errors.New("wire: frame is too large")
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrUnexpectedKind = errors.New("wire: unexpected frame kind")
)

// DieError is returned when a Die frame arrives in place of the expected
// one.
type DieError struct {
	Reason string
}

func (de *DieError) Error() string {
	return fmt.Sprintf("wire: peer died: %s", de.Reason)
}

// DefaultMaxFrame bounds the size of a single frame body.
const DefaultMaxFrame = 64 << 20

type Kind uint32

const (
	KindUnspecified Kind = iota
	KindDie
	KindKillPeer
	KindConnectionRequest
	KindIgnore
	KindWakeup
	KindInitialInfo
	KindRemoteListenerInfo
	KindRemoteSlaveInfo
	KindRemoteMasterInfo
	KindRemoteSlaveInfoEnd
	KindProcTableEntry
	KindProcTableEnd
	KindSync
	KindData

	kindEnd
)

func (k Kind) Valid() bool {
	return k > KindUnspecified && k < kindEnd
}

func (k Kind) String() string {
	switch k {
	case KindDie:
		return "die"
	case KindKillPeer:
		return "kill_peer"
	case KindConnectionRequest:
		return "connection_request"
	case KindIgnore:
		return "ignore"
	case KindWakeup:
		return "wakeup"
	case KindInitialInfo:
		return "initial_info"
	case KindRemoteListenerInfo:
		return "remote_listener_info"
	case KindRemoteSlaveInfo:
		return "remote_slave_info"
	case KindRemoteMasterInfo:
		return "remote_master_info"
	case KindRemoteSlaveInfoEnd:
		return "remote_slave_info_end"
	case KindProcTableEntry:
		return "proc_table_entry"
	case KindProcTableEnd:
		return "proc_table_end"
	case KindSync:
		return "sync"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// Control is the single shape shared by every non-data frame. Which fields
// are meaningful depends on Kind:
//
//   - ConnectionRequest, Wakeup: From, To, ToPID, CallbackPort, OriginHost.
//   - KillPeer: To.
//   - Die: Reason.
//   - InitialInfo: Version, Count (job size), Rank (first rank of the
//     group), GossipAddr, Reason (set when the master refuses the peer).
//   - RemoteMasterInfo: Version, Host, Group, PID, Count.
//   - RemoteListenerInfo: Port, GossipAddr.
//   - RemoteSlaveInfo, ProcTableEntry: Rank, Group, Host, Port, PID,
//     MachineKind.
type Control struct {
	Kind Kind

	From         int
	To           int
	ToPID        int
	CallbackPort int
	OriginHost   string

	Version     string
	Rank        int
	Group       int
	PID         int
	Port        int
	Host        string
	MachineKind string
	Count       int
	GossipAddr  string
	Reason      string
}

func (c *Control) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", c.Kind.String()),
		slog.Int("from", c.From),
		slog.Int("to", c.To),
	)
}

// Envelope is the header of every transported message.
type Envelope struct {
	// Kind is the message type chosen by the application.
	Kind          int
	From          int
	To            int
	ImmediateFrom int
	Length        int
	AckRequested  bool
	IsBroadcast   bool
	DataKind      int
	// Seq is a per-sender sequence number, ack-replies echo it.
	Seq uint64
}

func (e *Envelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("kind", e.Kind),
		slog.Int("from", e.From),
		slog.Int("to", e.To),
		slog.Int("via", e.ImmediateFrom),
		slog.Int("length", e.Length),
	)
}

// Frame is a decoded frame.
type Frame struct {
	Kind     Kind
	Control  *Control
	Envelope *Envelope
	Payload  []byte
}
