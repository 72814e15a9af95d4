package p4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/p4/pkg/monitor"
	"github.com/raskyld/p4/pkg/network"
	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/raskyld/p4/pkg/wire"
)

// maxSlots bounds the ranks of a single cluster, slot numbers are packed
// in the low bits of the rank pid.
const maxSlots = 1 << 10

// cluster is the state shared by the ranks of one host cluster and its
// coordinator.
type cluster struct {
	cfg     *config
	logger  *slog.Logger
	mLabels []metrics.Label

	group int
	// host is the name other clusters reach this one under.
	host string
	// self is the name local ranks find themselves with in the table.
	self  string
	count int
	pid   int

	mgr  *manager
	live *liveness

	// table and tree are set once by install, before any rank runs.
	mu    sync.RWMutex
	table *ranktable.Table
	tree  *tree
	ranks []*Rank

	// barrier synchronizes local ranks with the coordinator during
	// bootstrap, it holds count+1 participants.
	barrier *monitor.Barrier

	ctlMu    sync.Mutex
	controls []*controlLink
	closers  []func() error

	mainsWG  sync.WaitGroup
	lingerWG sync.WaitGroup
	errMu    sync.Mutex
	mainErr  error
	abortErr error

	ctx       context.Context
	cancel    context.CancelFunc
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErrV error
	abortOnce sync.Once
}

func newCluster(cfg *config, group int, host, self string, count int) (*cluster, error) {
	if count < 1 || count > maxSlots {
		return nil, fmt.Errorf("%w: %d ranks on %s, want [1, %d]", ErrProcessGroup, count, host, maxSlots)
	}

	logger := cfg.logger().With(LabelGroup.L(group), LabelHost.L(host))
	ctx, cancel := context.WithCancel(context.Background())
	cl := &cluster{
		cfg:     cfg,
		logger:  logger,
		mLabels: withLabels(cfg.metricLabels, LabelGroup.M(strconv.Itoa(group))),
		group:   group,
		host:    host,
		self:    self,
		count:   count,
		pid:     os.Getpid(),
		barrier: monitor.NewBarrier(count + 1),
		ctx:     ctx,
		cancel:  cancel,
		closeCh: make(chan struct{}),
	}

	mgr, err := newManager(cl)
	if err != nil {
		cancel()
		return nil, err
	}
	cl.mgr = mgr

	if cfg.gossip {
		live, err := startLiveness(cfg, group, logger, cl.groupLeft, cl.abortRemote)
		if err != nil {
			cancel()
			close(cl.closeCh)
			mgr.wait()
			return nil, err
		}
		cl.live = live
	}
	return cl, nil
}

// slotPID is the pid recorded for the rank running in slot.
func (cl *cluster) slotPID(slot int) int {
	return cl.pid<<10 | slot
}

func (cl *cluster) maxFrame() int {
	return cl.cfg.maxMessage + frameSlack
}

func (cl *cluster) allocFn() wire.Alloc {
	return func(size int) ([]byte, error) {
		return alloc(cl.cfg.alloc, size)
	}
}

// localRecord is the table entry of the rank running in slot.
func (cl *cluster) localRecord(base, slot int) ranktable.RankRecord {
	return ranktable.RankRecord{
		Rank:        base + slot,
		Group:       cl.group,
		Host:        cl.host,
		Port:        cl.mgr.port,
		PID:         cl.slotPID(slot),
		MachineKind: cl.cfg.machineKind,
	}
}

func (cl *cluster) install(table *ranktable.Table) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.table = table
	cl.tree = newTree(table)
	cl.ranks = make([]*Rank, table.Len())
}

func (cl *cluster) installed() *ranktable.Table {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.table
}

// rank returns the local rank id, nil if it does not live here.
func (cl *cluster) rank(id int) *Rank {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if id < 0 || id >= len(cl.ranks) {
		return nil
	}
	return cl.ranks[id]
}

func (cl *cluster) localRanks() []*Rank {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	out := make([]*Rank, 0, cl.count)
	for _, r := range cl.ranks {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// bind resolves the rank running in slot and registers it.
func (cl *cluster) bind(slot int) (*Rank, error) {
	table := cl.installed()
	id, err := ranktable.Resolve(table, cl.slotPID(slot), cl.self)
	if err != nil {
		return nil, fmt.Errorf("%w: slot %d: %w", ErrBootstrap, slot, err)
	}
	rec, err := table.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Group != cl.group {
		return nil, fmt.Errorf("%w: slot %d resolved to rank %d of group %d", ErrBootstrap, slot, id, rec.Group)
	}

	r := newRank(cl, rec)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.ranks[id] != nil {
		return nil, fmt.Errorf("%w: rank %d bound twice", ErrBootstrap, id)
	}
	cl.ranks[id] = r
	return r, nil
}

// start runs main on every slot. Slots wait for the coordinator at both
// bootstrap barriers before main runs.
func (cl *cluster) start(main Main) {
	for slot := 0; slot < cl.count; slot++ {
		cl.mainsWG.Add(1)
		cl.lingerWG.Add(1)
		go cl.runSlot(slot, main)
	}
}

func (cl *cluster) runSlot(slot int, main Main) {
	defer cl.lingerWG.Done()
	mainDone := sync.OnceFunc(cl.mainsWG.Done)
	defer mainDone()

	r, err := cl.bind(slot)
	if err != nil {
		cl.abort(fatal(-1, err), true)
	}
	cl.barrier.Wait()
	cl.barrier.Wait()
	if r == nil {
		return
	}
	if err := r.alive(); err != nil {
		return
	}

	r.logger.Debug("rank started")
	err = main(r)
	switch {
	case err == nil:
	case errors.Is(err, ErrKilled):
		r.logger.Info("rank terminated after being killed")
	default:
		r.logger.Error("rank failed", LabelError.L(err))
		cl.setMainErr(err)
		if IsFatal(err) && !r.soft {
			cl.abort(fatal(r.id, err), true)
		}
	}
	mainDone()

	if !r.killed() {
		r.linger()
	}
}

func (cl *cluster) setMainErr(err error) {
	cl.errMu.Lock()
	defer cl.errMu.Unlock()
	if cl.mainErr == nil {
		cl.mainErr = err
	}
}

// result is the outcome of the job as seen by this cluster.
func (cl *cluster) result() error {
	cl.errMu.Lock()
	defer cl.errMu.Unlock()
	if cl.abortErr != nil {
		return cl.abortErr
	}
	return cl.mainErr
}

func (cl *cluster) addControl(link *controlLink) {
	cl.ctlMu.Lock()
	defer cl.ctlMu.Unlock()
	cl.controls = append(cl.controls, link)
}

// onClose registers a function run when the cluster closes.
func (cl *cluster) onClose(fn func() error) {
	cl.ctlMu.Lock()
	defer cl.ctlMu.Unlock()
	cl.closers = append(cl.closers, fn)
}

func (cl *cluster) closing() bool {
	select {
	case <-cl.closeCh:
		return true
	default:
		return false
	}
}

func (cl *cluster) closeErr() error {
	if cl.closeErrV != nil {
		return cl.closeErrV
	}
	return ErrShutdown
}

// close releases every socket of the cluster. cause is nil on a clean end
// of job. It does not wait for the ranks.
func (cl *cluster) close(cause error) {
	cl.closeOnce.Do(func() {
		cl.closeErrV = cause
		close(cl.closeCh)
		cl.cancel()

		for _, r := range cl.localRanks() {
			r.conns.closeAll()
		}

		cl.ctlMu.Lock()
		controls, closers := cl.controls, cl.closers
		cl.controls, cl.closers = nil, nil
		cl.ctlMu.Unlock()
		for _, link := range controls {
			link.conn.Close()
		}
		for _, fn := range closers {
			if err := fn(); err != nil {
				cl.logger.Debug("could not release resource", LabelError.L(err))
			}
		}
		if cl.live != nil {
			cl.live.shutdown()
		}
	})
}

// wait blocks until every goroutine of the cluster exited. The cluster
// must be closed.
func (cl *cluster) wait() {
	cl.lingerWG.Wait()
	for _, r := range cl.localRanks() {
		r.readers.Wait()
	}
	cl.mgr.wait()
}

// abort terminates the job. When propagate is set, every other cluster is
// told to die as well.
func (cl *cluster) abort(err error, propagate bool) {
	cl.abortOnce.Do(func() {
		cl.errMu.Lock()
		cl.abortErr = err
		cl.errMu.Unlock()

		if cl.closing() {
			cl.logger.Debug("aborting while closing", LabelError.L(err))
		} else {
			cl.logger.Error("aborting the job", LabelError.L(err))
		}
		cl.cfg.msink.IncrCounterWithLabels(MetricAbortCount, 1, cl.mLabels)

		if propagate {
			cl.zap(err.Error())
		}
		cause := err
		if !errors.Is(err, ErrAborted) {
			cause = fmt.Errorf("%w: %w", ErrAborted, err)
		}
		cl.close(cause)
		cl.cfg.fatal(err)
	})
}

// abortRemote handles a Die sent by another cluster.
func (cl *cluster) abortRemote(reason string) {
	cl.abort(fmt.Errorf("%w: %s", ErrAborted, reason), false)
}

// zap tells every other cluster to die.
func (cl *cluster) zap(reason string) {
	die := &wire.Control{Kind: wire.KindDie, Reason: reason}
	if cl.live != nil {
		cl.live.die(reason)
	}

	var wg sync.WaitGroup
	if table := cl.installed(); table != nil {
		for _, g := range table.Groups() {
			g := g
			if g == cl.group {
				continue
			}
			rec, err := table.Get(table.Members(g)[0])
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := cl.sendControl(rec, die); err != nil {
					cl.logger.Debug("could not propagate abort", LabelGroup.L(g), LabelError.L(err))
				}
			}()
		}
	}

	cl.ctlMu.Lock()
	controls := append([]*controlLink{}, cl.controls...)
	cl.ctlMu.Unlock()
	for _, link := range controls {
		_ = link.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = link.send(die)
	}
	wg.Wait()
}

// sendControl delivers ctl to the connection manager serving rec over a
// short-lived socket.
func (cl *cluster) sendControl(rec ranktable.RankRecord, ctl *wire.Control) error {
	addr, err := resolveRecord(cl.cfg.resolver, rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cl.cfg.connectTimeout)
	defer cancel()

	conn, err := cl.cfg.network.Dial(ctx, addr.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	return wire.NewConn(conn, cl.maxFrame(), nil).WriteControl(ctl)
}

// killPeer terminates rank, wherever it lives.
func (cl *cluster) killPeer(rank int) error {
	rec, err := cl.installed().Get(rank)
	if err != nil {
		return err
	}
	if rec.Group == cl.group {
		if r := cl.rank(rank); r != nil {
			r.kill()
		}
		return nil
	}
	if err := cl.sendControl(rec, &wire.Control{Kind: wire.KindKillPeer, To: rank}); err != nil {
		return fmt.Errorf("%w: rank %d: %w", ErrPeerDied, rank, err)
	}
	return nil
}

// groupLeft marks every rank of group dead for local ranks.
func (cl *cluster) groupLeft(group int) {
	table := cl.installed()
	if table == nil || group == cl.group {
		return
	}
	cause := fmt.Errorf("host cluster %d left", group)
	for _, r := range cl.localRanks() {
		for _, peer := range table.Members(group) {
			if r.conns.markDying(peer, cause) {
				r.peerDied(peer, cause)
			}
		}
	}
}

// listen opens the bootstrap listener of a master, registered to close with
// the cluster.
func (cl *cluster) listen() (net.Listener, int, error) {
	ln, err := cl.cfg.network.Listen(network.JoinHostPort(cl.cfg.listenAddr, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bootstrap listener: %w", ErrBootstrap, err)
	}
	cl.onClose(ln.Close)
	port, err := network.Port(ln.Addr())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bootstrap listener: %w", ErrBootstrap, err)
	}
	return ln, port, nil
}
