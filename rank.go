package p4

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/raskyld/p4/pkg/wire"
)

const (
	AnyKind   = -1
	AnySource = -1

	// ReservedKindBase is the first message kind used by the runtime,
	// applications use kinds in [0, ReservedKindBase).
	ReservedKindBase = 1 << 24
)

const (
	kindAckReply = ReservedKindBase + iota
	kindBarrier
)

// filter selects messages by kind and sender. AnyKind only matches
// application kinds.
type filter struct {
	kind int
	from int
}

func (f filter) match(env *wire.Envelope) bool {
	if f.kind == AnyKind {
		if env.Kind >= ReservedKindBase {
			return false
		}
	} else if env.Kind != f.kind {
		return false
	}
	return f.from == AnySource || env.From == f.from
}

// Main is the body of every rank.
type Main func(r *Rank) error

// Combiner folds v into acc for `Rank.GlobalReduce`. It MUST be
// associative and may reuse acc.
type Combiner func(acc, v []byte) []byte

type sendOptions struct {
	ack      bool
	dataKind DataKind
}

type SendOption func(*sendOptions)

// WithAck blocks the send until the receiver got the message.
func WithAck() SendOption {
	return func(so *sendOptions) {
		so.ack = true
	}
}

// WithDataKind tells how the payload is converted for ranks of another
// data representation.
func WithDataKind(dk DataKind) SendOption {
	return func(so *sendOptions) {
		so.dataKind = dk
	}
}

type outgoing struct {
	to      int
	env     wire.Envelope
	payload []byte
}

type ackKey struct {
	from int
	seq  uint64
}

// Rank is the handle a rank's main uses to talk to the rest of the job.
//
// A Rank is owned by the goroutine running its main, its methods are not
// safe for concurrent use.
type Rank struct {
	id      int
	rec     ranktable.RankRecord
	cl      *cluster
	logger  *slog.Logger
	mLabels []metrics.Label

	conns *connTable
	mail  *mailbox
	inbox chan *message
	local *localQueue

	pending  pendingQueue
	deferred []outgoing
	acked    map[ackKey]struct{}

	// sending counts the sends in progress. While non-zero, acks and
	// broadcast relays are deferred.
	sending int
	seq     uint64
	soft    bool

	killCh   chan struct{}
	killOnce sync.Once
	readers  sync.WaitGroup
}

func newRank(cl *cluster, rec ranktable.RankRecord) *Rank {
	return &Rank{
		id:      rec.Rank,
		rec:     rec,
		cl:      cl,
		logger:  cl.logger.With(LabelRank.L(rec.Rank)),
		mLabels: withLabels(cl.mLabels, LabelRank.M(strconv.Itoa(rec.Rank))),
		conns:   newConnTable(rec.Rank, cl.table),
		mail:    newMailbox(),
		inbox:   make(chan *message, cl.cfg.inboxSize),
		local:   newLocalQueue(),
		acked:   make(map[ackKey]struct{}),
		killCh:  make(chan struct{}),
	}
}

// ID is the rank of r.
func (r *Rank) ID() int {
	return r.id
}

// Size is the number of ranks of the job.
func (r *Rank) Size() int {
	return r.cl.table.Len()
}

// Group is the cluster of r.
func (r *Rank) Group() int {
	return r.rec.Group
}

// Logger is tagged with the rank.
func (r *Rank) Logger() *slog.Logger {
	return r.logger
}

// Record returns the rank table entry of rank.
func (r *Rank) Record(rank int) (ranktable.RankRecord, error) {
	return r.cl.table.Get(rank)
}

// ConnState reports the state of the connection to peer.
func (r *Rank) ConnState(peer int) ConnKind {
	if peer < 0 || peer >= r.Size() {
		return ConnClosed
	}
	return r.conns.state(peer)
}

// SoftErrors makes subsequent calls return fatal errors instead of aborting
// the job. It returns the previous setting.
func (r *Rank) SoftErrors(on bool) bool {
	prev := r.soft
	r.soft = on
	return prev
}

func (r *Rank) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("rank", r.id),
		slog.Int("group", r.rec.Group),
		slog.String("host", r.rec.Host),
	)
}

// Send sends payload to rank to. The payload can be reused as soon as Send
// returns.
func (r *Rank) Send(kind, to int, payload []byte, opts ...SendOption) error {
	if err := r.checkKind(kind); err != nil {
		return err
	}
	if err := r.checkRank(to); err != nil {
		return err
	}
	if err := r.alive(); err != nil {
		return err
	}

	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	err := r.send(kind, to, payload, so)
	r.flushDeferred()
	return r.fail(err)
}

// Receive blocks until a message matching kind and from arrives. Use
// AnyKind and AnySource as wildcards.
//
// If from is a dead peer and nothing from it is left, Receive returns
// ErrPeerDied without blocking.
func (r *Rank) Receive(kind, from int) (*Message, error) {
	if kind != AnyKind {
		if err := r.checkKind(kind); err != nil {
			return nil, err
		}
	}
	if from != AnySource {
		if err := r.checkRank(from); err != nil {
			return nil, err
		}
	}

	m, err := r.receive(filter{kind: kind, from: from})
	if err != nil {
		return nil, r.fail(err)
	}
	return m.public(), nil
}

// Probe reports whether a message matching kind and from already arrived.
func (r *Rank) Probe(kind, from int) (bool, error) {
	if kind != AnyKind {
		if err := r.checkKind(kind); err != nil {
			return false, err
		}
	}
	if from != AnySource {
		if err := r.checkRank(from); err != nil {
			return false, err
		}
	}
	if err := r.alive(); err != nil {
		return false, err
	}

	r.drain()
	r.flushDeferred()
	return r.pending.has(filter{kind: kind, from: from}), nil
}

// Broadcast sends payload to every other rank of the job. Acks are not
// available for broadcasts.
func (r *Rank) Broadcast(kind int, payload []byte, opts ...SendOption) error {
	if err := r.checkKind(kind); err != nil {
		return err
	}
	if err := r.alive(); err != nil {
		return err
	}

	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	err := r.broadcast(kind, payload, so.dataKind)
	r.flushDeferred()
	return r.fail(err)
}

// GlobalReduce combines the value of every rank and returns the result to
// all of them. Every rank of the job must call it with the same kind.
func (r *Rank) GlobalReduce(kind int, value []byte, combine Combiner) ([]byte, error) {
	if err := r.checkKind(kind); err != nil {
		return nil, err
	}
	if combine == nil {
		return nil, fmt.Errorf("%w: nil combiner", ErrBadFilter)
	}
	if err := r.alive(); err != nil {
		return nil, err
	}

	res, err := r.reduce(kind, value, combine)
	return res, r.fail(err)
}

// Barrier returns once every rank of the job called it.
func (r *Rank) Barrier() error {
	if err := r.alive(); err != nil {
		return err
	}
	_, err := r.reduce(kindBarrier, nil, func(acc, _ []byte) []byte { return acc })
	return r.fail(err)
}

// KillPeer terminates rank without stopping the job. Its peers see it die.
func (r *Rank) KillPeer(rank int) error {
	if err := r.checkRank(rank); err != nil {
		return err
	}
	if rank == r.id {
		return fmt.Errorf("%w: a rank cannot kill itself", ErrBadFilter)
	}
	return r.fail(r.cl.killPeer(rank))
}

// Abort terminates the whole job.
func (r *Rank) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	r.cl.abort(fatal(r.id, err), true)
}

func (r *Rank) checkKind(kind int) error {
	if kind < 0 || kind >= ReservedKindBase {
		return fmt.Errorf("%w: kind %d", ErrBadFilter, kind)
	}
	return nil
}

func (r *Rank) checkRank(rank int) error {
	if rank < 0 || rank >= r.Size() {
		return fmt.Errorf("%w: rank %d not in [0, %d)", ErrBadFilter, rank, r.Size())
	}
	return nil
}

func (r *Rank) fail(err error) error {
	if err == nil || r.soft || !IsFatal(err) {
		return err
	}
	r.cl.abort(fatal(r.id, err), true)
	return err
}

func (r *Rank) alive() error {
	select {
	case <-r.killCh:
		return ErrKilled
	default:
	}
	select {
	case <-r.cl.closeCh:
		return r.cl.closeErr()
	default:
	}
	return nil
}

func (r *Rank) killed() bool {
	select {
	case <-r.killCh:
		return true
	default:
		return false
	}
}

func (r *Rank) kill() {
	r.killOnce.Do(func() {
		r.logger.Warn("rank killed")
		close(r.killCh)
		r.conns.closeAll()
	})
}

// peerGone reports why messages from peer will never arrive, if so.
func (r *Rank) peerGone(peer int) error {
	pc := r.conns.get(peer)
	switch pc.kind {
	case ConnDying:
		if pc.cause != nil {
			return fmt.Errorf("%w: rank %d: %w", ErrPeerDied, peer, pc.cause)
		}
		return fmt.Errorf("%w: rank %d", ErrPeerDied, peer)
	case ConnLocal:
		if p := r.cl.rank(peer); p == nil || p.killed() {
			return fmt.Errorf("%w: rank %d", ErrPeerDied, peer)
		}
	}
	return nil
}

func (r *Rank) send(kind, to int, payload []byte, so sendOptions) error {
	if len(payload) > r.cl.cfg.maxMessage {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrAllocation, len(payload), r.cl.cfg.maxMessage)
	}

	r.seq++
	env := wire.Envelope{
		Kind:         kind,
		From:         r.id,
		To:           to,
		AckRequested: so.ack && to != r.id,
		DataKind:     int(so.dataKind),
		Seq:          r.seq,
	}
	if err := r.deliver(to, env, payload); err != nil {
		return err
	}
	if env.AckRequested {
		return r.waitAck(to, env.Seq)
	}
	return nil
}

func (r *Rank) waitAck(to int, seq uint64) error {
	key := ackKey{from: to, seq: seq}
	for {
		r.flushDeferred()
		if _, ok := r.acked[key]; ok {
			delete(r.acked, key)
			return nil
		}
		if err := r.peerGone(to); err != nil {
			return err
		}
		if err := r.pump(); err != nil {
			return err
		}
	}
}

func (r *Rank) receive(f filter) (*message, error) {
	for {
		r.flushDeferred()
		if m := r.pending.take(f); m != nil {
			r.cl.cfg.msink.SetGaugeWithLabels(MetricPendingDepth, float32(r.pending.len()), r.mLabels)
			return m, nil
		}
		if f.from != AnySource && f.from != r.id {
			if err := r.peerGone(f.from); err != nil {
				r.drain()
				if m := r.pending.take(f); m != nil {
					return m, nil
				}
				return nil, err
			}
		}
		if err := r.pump(); err != nil {
			return nil, err
		}
	}
}

func (r *Rank) broadcast(kind int, payload []byte, dk DataKind) error {
	if len(payload) > r.cl.cfg.maxMessage {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrAllocation, len(payload), r.cl.cfg.maxMessage)
	}

	r.seq++
	env := wire.Envelope{
		Kind:        kind,
		From:        r.id,
		IsBroadcast: true,
		DataKind:    int(dk),
		Seq:         r.seq,
	}

	var lost error
	for _, to := range r.cl.tree.fanout(r.id) {
		env.To = to
		err := r.deliver(to, env, payload)
		switch {
		case err == nil:
		case IsFatal(err):
			return err
		case lost == nil:
			lost = err
		}
	}
	return lost
}

func (r *Rank) reduce(kind int, value []byte, combine Combiner) ([]byte, error) {
	acc := value
	for _, child := range r.cl.tree.children[r.id] {
		m, err := r.receive(filter{kind: kind, from: child})
		if err != nil {
			return nil, err
		}
		acc = combine(acc, m.payload)
	}

	parent := r.cl.tree.parent[r.id]
	if parent < 0 {
		if err := r.broadcast(kind, acc, DataRaw); err != nil {
			return nil, err
		}
		return acc, nil
	}

	if err := r.send(kind, parent, acc, sendOptions{}); err != nil {
		return nil, err
	}
	m, err := r.receive(filter{kind: kind, from: r.cl.tree.root()})
	if err != nil {
		return nil, err
	}
	return m.payload, nil
}

// linger keeps servicing relays and acks once main returned, until the
// cluster closes.
func (r *Rank) linger() {
	r.flushDeferred()
	for r.pump() == nil {
	}
}
