package p4

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/raskyld/p4/pkg/network"
	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/raskyld/p4/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// syncRounds is the number of Sync each end of a control link receives,
// one at bootstrap and one at the end of the job.
const syncRounds = 2

// controlLink is the bootstrap socket between the master and a remote
// coordinator. It stays open for the whole job.
type controlLink struct {
	group int
	conn  *wire.Conn
	syncs chan struct{}

	mu sync.Mutex
}

func newControlLink(group int, conn *wire.Conn) *controlLink {
	return &controlLink{
		group: group,
		conn:  conn,
		syncs: make(chan struct{}, syncRounds),
	}
}

func (l *controlLink) send(ctl *wire.Control) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteControl(ctl)
}

// watch reads the control link once bootstrap is done. A Die aborts the
// job, so does losing the link before the end of the job.
func (cl *cluster) watch(link *controlLink) {
	received := 0
	for {
		f, err := link.conn.ReadFrame()
		if err != nil {
			if cl.closing() || received >= syncRounds {
				return
			}
			cl.abort(fatal(-1, fmt.Errorf("%w: lost control link of group %d: %w", ErrPeerDied, link.group, err)), true)
			return
		}

		switch {
		case f.Control == nil:
			cl.abort(fatal(-1, fmt.Errorf("%w: data frame on a control link", ErrProtocolViolation)), true)
			return
		case f.Kind == wire.KindDie:
			cl.abortRemote(f.Control.Reason)
			return
		case f.Kind == wire.KindSync && received < syncRounds:
			received++
			link.syncs <- struct{}{}
		default:
			cl.abort(fatal(-1, fmt.Errorf("%w: unexpected %s on a control link", ErrProtocolViolation, f.Kind)), true)
			return
		}
	}
}

func (cl *cluster) waitSync(ctx context.Context, link *controlLink) error {
	select {
	case <-link.syncs:
		return nil
	case <-cl.closeCh:
		return cl.closeErr()
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for group %d", ErrBootstrapTime, link.group)
	}
}

// expect reads the next control frame, a Die is reported as an abort.
func expect(conn *wire.Conn, kind wire.Kind) (*wire.Control, error) {
	ctl, err := conn.ExpectControl(kind)
	var die *wire.DieError
	switch {
	case errors.As(err, &die):
		return nil, fmt.Errorf("%w: %s", ErrAborted, die.Reason)
	case errors.Is(err, wire.ErrUnexpectedKind):
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return ctl, err
}

// fail aborts a job whose ranks were not started yet and returns the
// outcome.
func (cl *cluster) fail(err error) error {
	if errors.Is(err, ErrAborted) {
		cl.abort(err, false)
	} else {
		cl.abort(fatal(-1, err), true)
	}
	cl.wait()
	return cl.result()
}

// Run starts a job as its master. The first group of pg runs in this
// process, every other group is started through the `Spawner` and joins
// with `RunRemote`. Run returns once every rank returned from main.
//
// The error is the reason of the abort if the job was aborted, else the
// first error returned by a main.
func Run(pg ProcessGroup, main Main, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return err
	}
	if main == nil {
		return fmt.Errorf("%w: nil main", ErrInvalidCfg)
	}

	pg = append(ProcessGroup{}, pg...)
	for i := range pg {
		if pg[i].Host == LocalHost {
			pg[i].Host = cfg.hostname
		}
	}
	if err := pg.Validate(); err != nil {
		return err
	}

	m := &master{
		cfg:   cfg,
		pg:    pg,
		bases: pg.BaseRanks(),
		links: make([]*controlLink, len(pg)),
	}
	return m.run(main)
}

type master struct {
	cfg   *config
	pg    ProcessGroup
	bases []int
	cl    *cluster
	table *ranktable.Table
	links []*controlLink

	mu      sync.Mutex
	handles []Handle
}

func (m *master) run(main Main) error {
	started := time.Now()

	cl, err := newCluster(m.cfg, 0, m.pg[0].Host, m.cfg.hostname, m.pg[0].Count)
	if err != nil {
		return err
	}
	m.cl = cl
	logger := cl.logger.With("component", "master")

	m.table = ranktable.New(m.pg.Size())
	for slot := 0; slot < m.pg[0].Count; slot++ {
		if err := m.table.Install(cl.localRecord(0, slot)); err != nil {
			return m.fail(err)
		}
	}

	ctx, cancel := context.WithTimeout(cl.ctx, m.cfg.bootstrapTimeout)
	defer cancel()

	if len(m.pg) > 1 {
		if err := m.gather(ctx); err != nil {
			return m.fail(err)
		}
	}

	if err := m.table.Freeze(); err != nil {
		return m.fail(fmt.Errorf("%w: %w", ErrBootstrap, err))
	}
	if err := m.pushTable(); err != nil {
		return m.fail(err)
	}

	cl.install(m.table)
	for _, link := range m.links[1:] {
		go cl.watch(link)
	}
	cl.start(main)

	cl.barrier.Wait()
	syncErr := m.sync(ctx)
	cl.barrier.Wait()
	cl.mgr.openGate()
	if syncErr != nil {
		cl.abort(fatal(-1, syncErr), true)
	} else {
		elapsed := time.Since(started)
		cl.cfg.msink.AddSampleWithLabels(MetricBootstrapDuration, float32(elapsed.Milliseconds()), cl.mLabels)
		logger.Info("job started", "ranks", m.table.Len(), "groups", len(m.pg), "took", elapsed)
	}

	cl.mainsWG.Wait()
	if err := m.sync(cl.ctx); err != nil && !cl.closing() {
		logger.Warn("end of job sync failed", LabelError.L(err))
	}
	cl.close(nil)
	cl.wait()
	m.reap()

	logger.Info("job finished")
	return cl.result()
}

func (m *master) fail(err error) error {
	res := m.cl.fail(err)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		_ = h.Kill()
	}
	return res
}

// gather spawns the remote groups and collects their ranks.
func (m *master) gather(ctx context.Context) error {
	ln, port, err := m.cl.listen()
	if err != nil {
		return err
	}
	master := network.JoinHostPort(m.pg[0].Host, port)

	executable := m.cfg.executable
	if executable == "" {
		if executable, err = os.Executable(); err != nil {
			return fmt.Errorf("%w: %w", ErrSpawn, err)
		}
	}

	for g, spec := range m.pg[1:] {
		group := g + 1
		env := RemoteEnv{Master: master, Group: group, Host: spec.Host, Count: spec.Count}
		command := spec.Executable
		if command == "" {
			command = executable
		}

		h, err := m.cfg.spawner.SpawnRemotePeer(context.Background(), spec.Host, command, env.Environ())
		if err != nil {
			return fmt.Errorf("%w: group %d on %s: %w", ErrSpawn, group, spec.Host, err)
		}
		m.mu.Lock()
		m.handles = append(m.handles, h)
		m.mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		stop := context.AfterFunc(egCtx, func() { ln.Close() })
		defer stop()

		for i := 1; i < len(m.pg); i++ {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("%w: %d of %d groups joined", ErrBootstrapTime, i-1, len(m.pg)-1)
				}
				return fmt.Errorf("%w: %w", ErrBootstrap, err)
			}
			eg.Go(func() error {
				return m.handshake(egCtx, conn)
			})
		}
		return nil
	})
	return eg.Wait()
}

func (m *master) handshake(ctx context.Context, conn net.Conn) (err error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	wc := wire.NewConn(conn, m.cl.maxFrame(), nil)
	info, err := expect(wc, wire.KindRemoteMasterInfo)
	if err != nil {
		return err
	}

	if info.Version != m.cfg.version {
		_ = wc.WriteControl(&wire.Control{
			Kind:    wire.KindInitialInfo,
			Version: m.cfg.version,
			Reason:  fmt.Sprintf("version mismatch: master runs %q", m.cfg.version),
		})
		return fmt.Errorf("%w: group %d on %s runs %q, master runs %q",
			ErrVersionMismatch, info.Group, info.Host, info.Version, m.cfg.version)
	}

	group := info.Group
	if group < 1 || group >= len(m.pg) || info.Count != m.pg[group].Count {
		return fmt.Errorf("%w: unknown group %d with %d ranks", ErrProtocolViolation, group, info.Count)
	}
	link := newControlLink(group, wc)
	m.mu.Lock()
	taken := m.links[group] != nil
	if !taken {
		m.links[group] = link
		m.cl.addControl(link)
	}
	m.mu.Unlock()
	if taken {
		return fmt.Errorf("%w: group %d joined twice", ErrProtocolViolation, group)
	}

	reply := &wire.Control{
		Kind:    wire.KindInitialInfo,
		Version: m.cfg.version,
		Count:   m.pg.Size(),
		Rank:    m.bases[group],
	}
	if m.cl.live != nil {
		reply.GossipAddr = m.cl.live.addr(m.pg[0].Host)
	}
	if err := link.send(reply); err != nil {
		return err
	}

	li, err := expect(wc, wire.KindRemoteListenerInfo)
	if err != nil {
		return err
	}
	if li.GossipAddr != "" && m.cl.live != nil {
		if err := m.cl.live.join(m.cfg.resolver, li.GossipAddr); err != nil {
			return err
		}
	}

	base, count := m.bases[group], m.pg[group].Count
	for installed := 0; ; installed++ {
		f, err := wc.ReadFrame()
		if err != nil {
			return err
		}
		if f.Control == nil {
			return fmt.Errorf("%w: data frame during bootstrap", ErrProtocolViolation)
		}
		if f.Kind == wire.KindRemoteSlaveInfoEnd {
			if installed != count {
				return fmt.Errorf("%w: group %d sent %d ranks, want %d", ErrProtocolViolation, group, installed, count)
			}
			break
		}
		if f.Kind != wire.KindRemoteSlaveInfo {
			return fmt.Errorf("%w: %w: got %s during rank collection", ErrProtocolViolation, wire.ErrUnexpectedKind, f.Kind)
		}

		si := f.Control
		if si.Group != group || si.Rank < base || si.Rank >= base+count {
			return fmt.Errorf("%w: group %d sent rank %d of group %d", ErrProtocolViolation, group, si.Rank, si.Group)
		}
		err = m.table.Install(ranktable.RankRecord{
			Rank:        si.Rank,
			Group:       group,
			Host:        si.Host,
			Port:        li.Port,
			PID:         si.PID,
			MachineKind: si.MachineKind,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
	}

	_ = conn.SetDeadline(time.Time{})
	m.cl.logger.Debug("group joined", LabelGroup.L(group), LabelHost.L(info.Host))
	return nil
}

// pushTable sends the frozen table to every remote coordinator.
func (m *master) pushTable() error {
	records := m.table.Records()
	for _, link := range m.links[1:] {
		for _, rec := range records {
			err := link.send(&wire.Control{
				Kind:        wire.KindProcTableEntry,
				Rank:        rec.Rank,
				Group:       rec.Group,
				Host:        rec.Host,
				Port:        rec.Port,
				PID:         rec.PID,
				MachineKind: rec.MachineKind,
			})
			if err != nil {
				return fmt.Errorf("%w: group %d: %w", ErrBootstrap, link.group, err)
			}
		}
		if err := link.send(&wire.Control{Kind: wire.KindProcTableEnd}); err != nil {
			return fmt.Errorf("%w: group %d: %w", ErrBootstrap, link.group, err)
		}
	}
	return nil
}

// sync waits a Sync from every remote coordinator, then answers each.
func (m *master) sync(ctx context.Context) error {
	for _, link := range m.links[1:] {
		if err := m.cl.waitSync(ctx, link); err != nil {
			return err
		}
	}
	for _, link := range m.links[1:] {
		if err := link.send(&wire.Control{Kind: wire.KindSync}); err != nil {
			return fmt.Errorf("%w: group %d: %w", ErrBootstrap, link.group, err)
		}
	}
	return nil
}

// reap waits for the spawned coordinators, killing them past the
// bootstrap timeout.
func (m *master) reap() {
	m.mu.Lock()
	handles := m.handles
	m.mu.Unlock()

	for _, h := range handles {
		h := h
		done := make(chan error, 1)
		go func() { done <- h.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				m.cl.logger.Debug("remote coordinator exited", LabelError.L(err))
			}
		case <-time.After(m.cfg.bootstrapTimeout):
			m.cl.logger.Warn("killing remote coordinator")
			_ = h.Kill()
		}
	}
}

// RunRemote joins a job as the coordinator of a remote group, with the
// parameters the master passed through env. It returns once every rank of
// the group returned from main.
func RunRemote(env RemoteEnv, main Main, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return err
	}
	if main == nil {
		return fmt.Errorf("%w: nil main", ErrInvalidCfg)
	}
	if env.Group < 1 || env.Count < 1 || env.Host == "" {
		return fmt.Errorf("%w: group %d with %d ranks on %q", ErrInvalidRemote, env.Group, env.Count, env.Host)
	}

	cl, err := newCluster(cfg, env.Group, env.Host, env.Host, env.Count)
	if err != nil {
		return err
	}
	logger := cl.logger.With("component", "remote")
	started := time.Now()

	ctx, cancel := context.WithTimeout(cl.ctx, cfg.bootstrapTimeout)
	defer cancel()

	link, table, err := joinMaster(ctx, cl, env)
	if err != nil {
		return cl.fail(err)
	}

	cl.install(table)
	go cl.watch(link)
	cl.start(main)

	cl.barrier.Wait()
	syncErr := link.send(&wire.Control{Kind: wire.KindSync})
	if syncErr == nil {
		syncErr = cl.waitSync(ctx, link)
	}
	cl.barrier.Wait()
	cl.mgr.openGate()
	if syncErr != nil {
		cl.abort(fatal(-1, syncErr), true)
	} else {
		logger.Info("joined the job", "took", time.Since(started))
	}

	cl.mainsWG.Wait()
	if !cl.closing() {
		err := link.send(&wire.Control{Kind: wire.KindSync})
		if err == nil {
			err = cl.waitSync(cl.ctx, link)
		}
		if err != nil && !cl.closing() {
			logger.Warn("end of job sync failed", LabelError.L(err))
		}
	}
	cl.close(nil)
	cl.wait()
	return cl.result()
}

// joinMaster runs the remote side of the bootstrap handshake and returns
// the rank table of the job.
func joinMaster(ctx context.Context, cl *cluster, env RemoteEnv) (*controlLink, *ranktable.Table, error) {
	host, port, err := splitHostPort(env.Master)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRemote, err)
	}
	addr, err := resolvePort(cl.cfg.resolver, host, port)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRemote, err)
	}

	var conn net.Conn
	err = retry(ctx, cl.logger, time.Second, func() error {
		c, err := cl.cfg.network.Dial(ctx, addr.String())
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial master at %s: %w", ErrBootstrap, addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	link := newControlLink(0, wire.NewConn(conn, cl.maxFrame(), nil))
	cl.addControl(link)

	err = link.send(&wire.Control{
		Kind:    wire.KindRemoteMasterInfo,
		Version: cl.cfg.version,
		Host:    env.Host,
		Group:   env.Group,
		PID:     cl.pid,
		Count:   env.Count,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	info, err := expect(link.conn, wire.KindInitialInfo)
	if err != nil {
		return nil, nil, err
	}
	if info.Reason != "" || info.Version != cl.cfg.version {
		return nil, nil, fmt.Errorf("%w: master runs %q, we run %q", ErrVersionMismatch, info.Version, cl.cfg.version)
	}

	li := &wire.Control{Kind: wire.KindRemoteListenerInfo, Port: cl.mgr.port}
	if cl.live != nil {
		li.GossipAddr = cl.live.addr(env.Host)
		if info.GossipAddr != "" {
			if err := cl.live.join(cl.cfg.resolver, info.GossipAddr); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := link.send(li); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	for slot := 0; slot < env.Count; slot++ {
		rec := cl.localRecord(info.Rank, slot)
		err := link.send(&wire.Control{
			Kind:        wire.KindRemoteSlaveInfo,
			Rank:        rec.Rank,
			Group:       rec.Group,
			Host:        rec.Host,
			PID:         rec.PID,
			MachineKind: rec.MachineKind,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
		}
	}
	if err := link.send(&wire.Control{Kind: wire.KindRemoteSlaveInfoEnd}); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	table := ranktable.New(info.Count)
	for {
		f, err := link.conn.ReadFrame()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
		}
		if f.Control == nil {
			return nil, nil, fmt.Errorf("%w: data frame during bootstrap", ErrProtocolViolation)
		}
		if f.Kind == wire.KindDie {
			return nil, nil, fmt.Errorf("%w: %s", ErrAborted, f.Control.Reason)
		}
		if f.Kind == wire.KindProcTableEnd {
			break
		}
		if f.Kind != wire.KindProcTableEntry {
			return nil, nil, fmt.Errorf("%w: %w: got %s in the rank table", ErrProtocolViolation, wire.ErrUnexpectedKind, f.Kind)
		}
		e := f.Control
		err = table.Install(ranktable.RankRecord{
			Rank:        e.Rank,
			Group:       e.Group,
			Host:        e.Host,
			Port:        e.Port,
			PID:         e.PID,
			MachineKind: e.MachineKind,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
	}
	if err := table.Freeze(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	if !stop() {
		return nil, nil, fmt.Errorf("%w: rank table", ErrBootstrapTime)
	}
	_ = conn.SetDeadline(time.Time{})
	return link, table, nil
}
