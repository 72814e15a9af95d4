package p4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raskyld/p4/pkg/network"
	"github.com/raskyld/p4/pkg/wire"
)

// manager is the connection manager of a host cluster. It owns the
// listening socket of the cluster and arbitrates every data socket between
// its ranks and remote ranks.
//
// Exactly one data socket exists per pair of ranks: the lower rank always
// dials, the higher one asks it to through a reverse request.
type manager struct {
	cl     *cluster
	logger *slog.Logger
	ln     net.Listener
	port   int

	reqCh  chan pairKey
	events chan any

	gateCh   chan struct{}
	gateOnce sync.Once
	gateOpen bool
	held     []*accepted

	requests map[pairKey]*request

	wg   sync.WaitGroup
	done chan struct{}
}

// pairKey is a connection wanted by local rank from remote rank peer.
type pairKey struct {
	local int
	peer  int
}

type request struct {
	started  time.Time
	lastSent time.Time
	pokes    int
	reverse  bool
}

type accepted struct {
	conn *wire.Conn
	ctl  *wire.Control
}

type dialResult struct {
	key     pairKey
	conn    *wire.Conn
	err     error
	tracked bool
}

func newManager(cl *cluster) (*manager, error) {
	ln, err := cl.cfg.network.Listen(network.JoinHostPort(cl.cfg.listenAddr, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: listener: %w", ErrBootstrap, err)
	}
	port, err := network.Port(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("%w: listener: %w", ErrBootstrap, err)
	}

	m := &manager{
		cl:       cl,
		logger:   cl.logger.With("component", "listener"),
		ln:       ln,
		port:     port,
		reqCh:    make(chan pairKey),
		events:   make(chan any),
		gateCh:   make(chan struct{}),
		requests: make(map[pairKey]*request),
		done:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.acceptLoop()
	go m.loop()
	return m, nil
}

// request asks for a data socket between local rank from and remote rank to.
func (m *manager) request(from, to int) {
	select {
	case m.reqCh <- pairKey{local: from, peer: to}:
	case <-m.cl.closeCh:
	}
}

// openGate releases the connection requests held during bootstrap.
func (m *manager) openGate() {
	m.gateOnce.Do(func() {
		close(m.gateCh)
	})
}

// wait blocks until the manager released all its resources. The cluster
// must be closed.
func (m *manager) wait() {
	<-m.done
	m.wg.Wait()
}

func (m *manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.cl.closeCh:
			default:
				m.logger.Error("listener stopped", LabelError.L(err))
				m.cl.abort(fatal(-1, fmt.Errorf("listener stopped: %w", err)), true)
			}
			return
		}
		m.wg.Add(1)
		go m.serve(conn)
	}
}

// serve reads the first frame of an inbound socket and hands it to the
// manager loop.
func (m *manager) serve(conn net.Conn) {
	defer m.wg.Done()

	stop := context.AfterFunc(m.cl.ctx, func() { conn.Close() })
	wc := wire.NewConn(conn, m.cl.maxFrame(), m.cl.allocFn())
	_ = conn.SetReadDeadline(time.Now().Add(m.cl.cfg.connectTimeout))
	f, err := wc.ReadFrame()
	_ = conn.SetReadDeadline(time.Time{})

	if !stop() {
		return
	}
	if err != nil {
		conn.Close()
		if errors.Is(err, wire.ErrMalformedFrame) || errors.Is(err, wire.ErrFrameTooLarge) {
			m.violation(err)
			return
		}
		m.logger.Debug("dropped socket before its first frame", "remote", conn.RemoteAddr(), LabelError.L(err))
		return
	}
	if f.Control == nil {
		conn.Close()
		m.violation(fmt.Errorf("data frame on the listener from %s", conn.RemoteAddr()))
		return
	}

	select {
	case m.events <- &accepted{conn: wc, ctl: f.Control}:
	case <-m.cl.closeCh:
		conn.Close()
	}
}

func (m *manager) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cl.cfg.wakeupInterval)
	defer ticker.Stop()

	gate := m.gateCh
	for {
		select {
		case key := <-m.reqCh:
			m.handleRequest(key)
		case ev := <-m.events:
			switch ev := ev.(type) {
			case *accepted:
				m.handleAccepted(ev)
			case *dialResult:
				m.handleDial(ev)
			}
		case <-gate:
			gate = nil
			m.gateOpen = true
			held := m.held
			m.held = nil
			for _, a := range held {
				m.handleAccepted(a)
			}
		case <-ticker.C:
			m.tick()
		case <-m.cl.closeCh:
			for _, a := range m.held {
				a.conn.Close()
			}
			m.held = nil
			m.ln.Close()
			return
		}
	}
}

func (m *manager) violation(err error) {
	select {
	case <-m.cl.closeCh:
		return
	default:
	}
	m.cl.abort(fatal(-1, fmt.Errorf("%w: %w", ErrProtocolViolation, err)), true)
}

func (m *manager) handleAccepted(a *accepted) {
	switch a.ctl.Kind {
	case wire.KindDie:
		a.conn.Close()
		m.cl.abortRemote(a.ctl.Reason)
	case wire.KindKillPeer:
		a.conn.Close()
		m.kill(a.ctl.To)
	case wire.KindIgnore:
		a.conn.Close()
	case wire.KindConnectionRequest, wire.KindWakeup:
		if !m.gateOpen {
			m.held = append(m.held, a)
			m.cl.cfg.msink.IncrCounterWithLabels(MetricHeldRequestCount, 1, m.cl.mLabels)
			return
		}
		m.handleConnRequest(a)
	default:
		a.conn.Close()
		m.violation(fmt.Errorf("unexpected %s frame on the listener", a.ctl.Kind))
	}
}

func (m *manager) kill(rank int) {
	r := m.cl.rank(rank)
	if r == nil {
		m.violation(fmt.Errorf("kill request for rank %d which does not live here", rank))
		return
	}
	r.kill()
}

func (m *manager) handleConnRequest(a *accepted) {
	ctl := a.ctl
	local := m.cl.rank(ctl.To)
	if local == nil {
		a.conn.Close()
		m.violation(fmt.Errorf("%s for rank %d which does not live here", ctl.Kind, ctl.To))
		return
	}
	if ctl.ToPID != local.rec.PID {
		a.conn.Close()
		m.violation(fmt.Errorf("%s for rank %d with pid %d, want %d", ctl.Kind, ctl.To, ctl.ToPID, local.rec.PID))
		return
	}
	from, err := m.cl.table.Get(ctl.From)
	if err != nil || from.Group == m.cl.group {
		a.conn.Close()
		m.violation(fmt.Errorf("%s from rank %d to rank %d", ctl.Kind, ctl.From, ctl.To))
		return
	}

	if ctl.From < ctl.To {
		if ctl.Kind != wire.KindConnectionRequest {
			a.conn.Close()
			m.violation(fmt.Errorf("%s from lower rank %d to rank %d", ctl.Kind, ctl.From, ctl.To))
			return
		}
		m.establish(local, ctl.From, a.conn)
		return
	}

	// Reverse request, we are the lower rank and must dial.
	a.conn.Close()
	if !local.conns.open(ctl.From) {
		m.cl.cfg.msink.IncrCounterWithLabels(MetricConnDuplicateCount, 1, m.cl.mLabels)
		m.logger.Debug("duplicate connection request",
			LabelRank.L(local.id),
			LabelPeer.L(ctl.From),
			"state", local.conns.state(ctl.From),
		)
		return
	}
	m.startDial(local, ctl.From, false)
}

// establish installs conn as the data socket between local and peer.
func (m *manager) establish(local *Rank, peer int, conn *wire.Conn) {
	if local.killed() {
		conn.Close()
		return
	}
	if err := local.conns.establish(peer, conn); err != nil {
		conn.Close()
		if local.conns.state(peer).Terminal() {
			return
		}
		m.violation(err)
		return
	}

	delete(m.requests, pairKey{local: local.id, peer: peer})
	m.cl.cfg.msink.IncrCounterWithLabels(MetricConnEstablishedCount, 1, m.cl.mLabels)
	m.logger.Debug("data socket established", LabelRank.L(local.id), LabelPeer.L(peer))

	local.startReader(peer, conn)
	local.mail.post(mailItem{kind: mailConnReady, peer: peer})
}

func (m *manager) handleRequest(key pairKey) {
	if _, ok := m.requests[key]; ok {
		return
	}
	local := m.cl.rank(key.local)
	if local == nil {
		return
	}
	m.cl.cfg.msink.IncrCounterWithLabels(MetricConnRequestCount, 1, m.cl.mLabels)
	m.startDial(local, key.peer, key.local > key.peer)
}

// startDial connects local to peer. A reverse dial only carries the
// request for peer to dial back.
func (m *manager) startDial(local *Rank, peer int, reverse bool) {
	key := pairKey{local: local.id, peer: peer}
	now := time.Now()
	m.requests[key] = &request{started: now, lastSent: now, reverse: reverse}

	ctl, addr, err := m.connRequest(key, wire.KindConnectionRequest)
	if err != nil {
		m.fail(local, peer, err)
		return
	}
	m.wg.Add(1)
	go m.dial(key, addr, ctl, reverse, true)
}

func (m *manager) connRequest(key pairKey, kind wire.Kind) (*wire.Control, hostAddr, error) {
	rec, err := m.cl.table.Get(key.peer)
	if err != nil {
		return nil, hostAddr{}, err
	}
	addr, err := resolveRecord(m.cl.cfg.resolver, rec)
	if err != nil {
		return nil, hostAddr{}, err
	}
	return &wire.Control{
		Kind:         kind,
		From:         key.local,
		To:           key.peer,
		ToPID:        rec.PID,
		CallbackPort: m.port,
		OriginHost:   m.cl.host,
	}, addr, nil
}

// dial sends ctl to addr, retrying until the connect timeout. A oneShot
// socket is closed once ctl is written, otherwise it becomes the data
// socket. Only tracked dials fail their request.
func (m *manager) dial(key pairKey, addr hostAddr, ctl *wire.Control, oneShot, tracked bool) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.cl.ctx, m.cl.cfg.connectTimeout)
	defer cancel()

	var wc *wire.Conn
	logger := m.logger.With(LabelRank.L(key.local), LabelPeer.L(key.peer), slog.Any("addr", &addr))
	err := retry(ctx, logger, m.cl.cfg.wakeupInterval, func() error {
		conn, err := m.cl.cfg.network.Dial(ctx, addr.String())
		if err != nil {
			return err
		}
		c := wire.NewConn(conn, m.cl.maxFrame(), m.cl.allocFn())
		_ = c.SetWriteDeadline(time.Now().Add(m.cl.cfg.connectTimeout))
		if err := c.WriteControl(ctl); err != nil {
			c.Close()
			return err
		}
		_ = c.SetWriteDeadline(time.Time{})
		wc = c
		return nil
	})
	if err == nil && oneShot {
		wc.Close()
		wc = nil
	}

	res := &dialResult{key: key, conn: wc, err: err, tracked: tracked}
	select {
	case m.events <- res:
	case <-m.cl.closeCh:
		if wc != nil {
			wc.Close()
		}
	}
}

func (m *manager) handleDial(res *dialResult) {
	req := m.requests[res.key]
	local := m.cl.rank(res.key.local)

	if !res.tracked {
		if res.err != nil {
			m.logger.Debug("could not send wake up", LabelRank.L(res.key.local), LabelPeer.L(res.key.peer), LabelError.L(res.err))
		}
		return
	}

	if res.err != nil {
		if req == nil {
			m.cl.cfg.msink.IncrCounterWithLabels(MetricConnErrorCount, 1, m.cl.mLabels)
			return
		}
		m.fail(local, res.key.peer, fmt.Errorf("%w: rank %d: %w", ErrConnectionTimeout, res.key.peer, res.err))
		return
	}

	if res.conn == nil {
		return
	}
	if req == nil {
		res.conn.Close()
		return
	}
	m.establish(local, res.key.peer, res.conn)
}

// fail ends the connection attempt between local and peer. The peer stays
// unreachable for local until the job ends.
func (m *manager) fail(local *Rank, peer int, err error) {
	delete(m.requests, pairKey{local: local.id, peer: peer})
	m.cl.cfg.msink.IncrCounterWithLabels(MetricConnErrorCount, 1, m.cl.mLabels)
	if !local.conns.fail(peer, err) {
		return
	}
	m.logger.Warn("could not connect to peer", LabelRank.L(local.id), LabelPeer.L(peer), LabelError.L(err))
	local.mail.post(mailItem{kind: mailConnFailed, peer: peer, err: err})
}

func (m *manager) tick() {
	now := time.Now()
	cfg := m.cl.cfg

	for key, req := range m.requests {
		local := m.cl.rank(key.local)
		st := local.conns.state(key.peer)
		if st == ConnEstablished || st.Terminal() {
			delete(m.requests, key)
			continue
		}

		if now.Sub(req.started) > cfg.connectTimeout {
			m.fail(local, key.peer, fmt.Errorf("%w: rank %d after %s", ErrConnectionTimeout, key.peer, cfg.connectTimeout))
			continue
		}

		if !req.reverse || now.Sub(req.lastSent) < cfg.wakeupInterval || req.pokes >= cfg.wakeupBacklog {
			continue
		}
		ctl, addr, err := m.connRequest(key, wire.KindWakeup)
		if err != nil {
			continue
		}
		req.pokes++
		req.lastSent = now
		m.cl.cfg.msink.IncrCounterWithLabels(MetricWakeupCount, 1,
			withLabels(m.cl.mLabels, LabelPeer.M(strconv.Itoa(key.peer))))
		m.wg.Add(1)
		go m.dial(key, addr, ctl, true, false)
	}

	for _, r := range m.cl.localRanks() {
		if r.mail.unread() {
			r.mail.repoke()
		}
	}
}
