package p4

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/raskyld/p4/pkg/wire"
)

// deliver hands env and payload to rank to, opening the connection first if
// needed. Inbound traffic keeps being ingested while deliver blocks.
func (r *Rank) deliver(to int, env wire.Envelope, payload []byte) error {
	r.sending++
	defer func() { r.sending-- }()

	env.ImmediateFrom = r.id
	env.Length = len(payload)

	switch r.conns.state(to) {
	case ConnSelf:
		buf, err := r.copyPayload(payload)
		if err != nil {
			return err
		}
		r.pending.push(&message{env: env, payload: buf})
		return nil
	case ConnLocal:
		peer := r.cl.rank(to)
		if peer == nil || peer.killed() {
			return fmt.Errorf("%w: rank %d", ErrPeerDied, to)
		}
		buf, err := r.copyPayload(payload)
		if err != nil {
			return err
		}
		peer.local.push(&message{env: env, payload: buf})
		return nil
	}

	conn, sameRepr, err := r.connect(to)
	if err != nil {
		return err
	}

	if !sameRepr && DataKind(env.DataKind) != DataRaw {
		buf, err := r.copyPayload(payload)
		if err != nil {
			return err
		}
		rec, _ := r.cl.table.Get(to)
		payload, err = r.cl.cfg.codec.Convert(buf,
			DataKind(env.DataKind),
			DataRepresentation(r.rec.MachineKind),
			DataRepresentation(rec.MachineKind),
		)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		env.Length = len(payload)
	}

	return r.write(to, conn, wire.EncodeData(&env, payload))
}

func (r *Rank) copyPayload(payload []byte) ([]byte, error) {
	buf, err := alloc(r.cl.cfg.alloc, len(payload))
	if err != nil {
		return nil, err
	}
	copy(buf, payload)
	return buf, nil
}

// connect returns the data socket of peer, asking the connection manager
// for one when there is none yet.
func (r *Rank) connect(peer int) (*wire.Conn, bool, error) {
	for {
		pc := r.conns.get(peer)
		switch pc.kind {
		case ConnEstablished:
			return pc.conn, pc.sameRepr, nil
		case ConnDying:
			if pc.failed {
				return nil, false, pc.cause
			}
			return nil, false, r.peerGone(peer)
		case ConnClosed:
			return nil, false, ErrShutdown
		case ConnNotEstablished:
			if r.conns.open(peer) {
				r.cl.mgr.request(r.id, peer)
			}
			continue
		}

		if err := r.pump(); err != nil {
			return nil, false, err
		}
	}
}

// write sends frame in slices bounded by the write deadline. Between
// slices, inbound traffic is drained so two ranks sending to each other
// never block forever.
func (r *Rank) write(peer int, conn *wire.Conn, frame []byte) error {
	blocked := false
	for off := 0; off < len(frame); {
		if err := conn.SetWriteDeadline(time.Now().Add(r.cl.cfg.writeSlice)); err != nil {
			return r.lost(peer, err)
		}

		n, err := conn.Write(frame[off:])
		off += n
		if err == nil {
			continue
		}

		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return r.lost(peer, err)
		}

		if !blocked {
			blocked = true
			r.cl.cfg.msink.IncrCounterWithLabels(MetricBlockedSendCount, 1, r.mLabels)
		}
		r.drain()
		if err := r.alive(); err != nil {
			return err
		}
		if err := r.peerGone(peer); err != nil {
			return err
		}
	}

	_ = conn.SetWriteDeadline(time.Time{})
	r.cl.cfg.msink.IncrCounterWithLabels(MetricOutBytes, float32(len(frame)), r.mLabels)
	return nil
}

func (r *Rank) lost(peer int, err error) error {
	if r.conns.markDying(peer, err) {
		r.peerDied(peer, err)
	}
	if st := r.conns.state(peer); st == ConnClosed {
		return ErrShutdown
	}
	return fmt.Errorf("%w: rank %d: %w", ErrPeerDied, peer, err)
}

func (r *Rank) peerDied(peer int, cause error) {
	r.cl.cfg.msink.IncrCounterWithLabels(MetricPeerDeathCount, 1, withLabels(r.mLabels, LabelPeer.M(strconv.Itoa(peer))))
	r.logger.Warn("peer died", LabelPeer.L(peer), LabelError.L(cause))
	r.mail.post(mailItem{kind: mailPeerDied, peer: peer, err: cause})
}

// pump waits for one event, or the poll interval, and processes it.
func (r *Rank) pump() error {
	timer := time.NewTimer(r.cl.cfg.pollInterval)
	defer timer.Stop()

	select {
	case m := <-r.inbox:
		r.ingest(m)
	case <-r.local.signal:
		for _, m := range r.local.takeAll() {
			r.ingest(m)
		}
	case <-r.mail.poke:
		r.readMail()
	case <-timer.C:
	case <-r.killCh:
		return ErrKilled
	case <-r.cl.closeCh:
		return r.cl.closeErr()
	}

	r.flushDeferred()
	return r.alive()
}

// drain processes everything already arrived without blocking.
func (r *Rank) drain() {
	for {
		select {
		case m := <-r.inbox:
			r.ingest(m)
			continue
		default:
		}
		break
	}
	for _, m := range r.local.takeAll() {
		r.ingest(m)
	}
	r.readMail()
}

func (r *Rank) readMail() {
	for _, item := range r.mail.take() {
		switch item.kind {
		case mailConnFailed:
			r.logger.Debug("connection attempt failed", LabelPeer.L(item.peer), LabelError.L(item.err))
		case mailConnReady:
			r.logger.Debug("connection established", LabelPeer.L(item.peer))
		case mailPeerDied:
			r.logger.Debug("peer death noticed", LabelPeer.L(item.peer))
		}
	}
}

// ingest files an arrived message. Acks and relays it owes are deferred
// until no send is in progress.
func (r *Rank) ingest(m *message) {
	env := &m.env

	if env.Kind == kindAckReply {
		r.acked[ackKey{from: env.From, seq: env.Seq}] = struct{}{}
		return
	}

	if env.AckRequested {
		env.AckRequested = false
		r.deferred = append(r.deferred, outgoing{
			to: env.From,
			env: wire.Envelope{
				Kind: kindAckReply,
				From: r.id,
				To:   env.From,
				Seq:  env.Seq,
			},
		})
	}

	if env.IsBroadcast {
		env.IsBroadcast = false
		for _, child := range r.cl.tree.forwards(r.id, env.From) {
			relay := *env
			relay.To = child
			relay.IsBroadcast = true
			r.deferred = append(r.deferred, outgoing{to: child, env: relay, payload: m.payload})
			r.cl.cfg.msink.IncrCounterWithLabels(MetricBroadcastForwards, 1, r.mLabels)
		}
	}

	r.pending.push(m)
	r.cl.cfg.msink.SetGaugeWithLabels(MetricPendingDepth, float32(r.pending.len()), r.mLabels)
}

func (r *Rank) flushDeferred() {
	for r.sending == 0 && len(r.deferred) > 0 {
		out := r.deferred[0]
		r.deferred[0] = outgoing{}
		r.deferred = r.deferred[1:]

		err := r.deliver(out.to, out.env, out.payload)
		switch {
		case err == nil:
		case IsFatal(err):
			r.logger.Error("could not deliver", LabelPeer.L(out.to), LabelError.L(err))
			_ = r.fail(err)
		default:
			r.logger.Debug("dropped deferred message", LabelPeer.L(out.to), LabelError.L(err))
		}
	}
}

func (r *Rank) startReader(peer int, conn *wire.Conn) {
	r.readers.Add(1)
	go r.readLoop(peer, conn)
}

func (r *Rank) readLoop(peer int, conn *wire.Conn) {
	defer r.readers.Done()
	labels := withLabels(r.mLabels, LabelPeer.M(strconv.Itoa(peer)))

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrame) || errors.Is(err, wire.ErrFrameTooLarge) {
				r.violation(peer, err)
				return
			}
			if r.conns.markDying(peer, err) {
				r.peerDied(peer, err)
			}
			return
		}

		env := f.Envelope
		if env == nil {
			r.violation(peer, fmt.Errorf("%s frame on a data socket", f.Kind))
			return
		}
		if env.To != r.id || env.ImmediateFrom != peer {
			r.violation(peer, fmt.Errorf("frame for rank %d relayed by %d", env.To, env.ImmediateFrom))
			return
		}

		r.cl.cfg.msink.IncrCounterWithLabels(MetricInBytes, float32(len(f.Payload)), labels)

		select {
		case r.inbox <- &message{env: *env, payload: f.Payload}:
		case <-r.killCh:
			return
		case <-r.cl.closeCh:
			return
		}
	}
}

func (r *Rank) violation(peer int, err error) {
	if r.conns.state(peer).Terminal() {
		return
	}
	r.cl.abort(fatal(r.id, fmt.Errorf("%w: from rank %d: %w", ErrProtocolViolation, peer, err)), true)
}
