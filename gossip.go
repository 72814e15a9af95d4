package p4

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/p4/pkg/network"
)

const (
	gossipPrefix = "p4-g"
	// eventDie carries an abort to every coordinator still in the pool.
	eventDie = "die"
	// maxDieReason keeps die events under the serf user event size limit.
	maxDieReason = 256
)

func gossipName(group int) string {
	return gossipPrefix + strconv.Itoa(group)
}

func gossipGroup(name string) (int, bool) {
	raw, ok := strings.CutPrefix(name, gossipPrefix)
	if !ok {
		return 0, false
	}
	group, err := strconv.Atoi(raw)
	return group, err == nil
}

func encodeDie(group int, reason string) []byte {
	if len(reason) > maxDieReason {
		reason = reason[:maxDieReason]
	}
	return []byte(strconv.Itoa(group) + ":" + reason)
}

func decodeDie(payload []byte) (int, string, bool) {
	raw, reason, ok := strings.Cut(string(payload), ":")
	if !ok {
		return 0, "", false
	}
	group, err := strconv.Atoi(raw)
	return group, reason, err == nil
}

// liveness detects dead host clusters by gossiping between coordinators,
// and spreads aborts alongside the direct Die frames.
type liveness struct {
	serf    *serf.Serf
	eventCh chan serf.Event
	logger  *slog.Logger
	group   int

	onLeave func(group int)
	onDie   func(reason string)

	dropCh   chan struct{}
	wg       sync.WaitGroup
	shutOnce sync.Once
}

func withLogMember(logger *slog.Logger, member serf.Member) *slog.Logger {
	return logger.With(slog.Group("node",
		slog.String("name", member.Name),
		slog.String("addr", network.JoinHostPort(member.Addr.String(), int(member.Port))),
	))
}

func startLiveness(cfg *config, group int, logger *slog.Logger, onLeave func(group int), onDie func(reason string)) (*liveness, error) {
	logger = logger.With("component", "gossip")
	l := &liveness{
		eventCh: make(chan serf.Event, 64),
		logger:  logger,
		group:   group,
		onLeave: onLeave,
		onDie:   onDie,
		dropCh:  make(chan struct{}),
	}

	sCfg := serf.DefaultConfig()
	sCfg.NodeName = gossipName(group)
	sCfg.EventCh = l.eventCh
	sCfg.LogOutput = nil
	sCfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	sCfg.MetricLabels = cfg.mlLabels
	// Host clusters are never routed by distance.
	sCfg.DisableCoordinates = true
	sCfg.ValidateNodeNames = true
	sCfg.LeavePropagateDelay = 500 * time.Millisecond

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.BindAddr = cfg.listenAddr
	if mlCfg.BindAddr == "" {
		mlCfg.BindAddr = "0.0.0.0"
	}
	mlCfg.BindPort = cfg.gossipPort
	mlCfg.AdvertisePort = cfg.gossipPort
	mlCfg.Logger = sCfg.Logger
	mlCfg.MetricLabels = cfg.mlLabels
	sCfg.MemberlistConfig = mlCfg

	s, err := serf.Create(sCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: gossip: %w", ErrBootstrap, err)
	}
	l.serf = s

	l.wg.Add(1)
	go l.handleEvents()
	return l, nil
}

func (l *liveness) handleEvents() {
	defer l.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-l.eventCh:
		case <-l.dropCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			l.memberEvent(event)
		case serf.UserEvent:
			if event.Name != eventDie {
				l.logger.Warn("received unexpected event", "event_name", event.Name)
				continue
			}
			origin, reason, ok := decodeDie(event.Payload)
			if !ok {
				l.logger.Warn("received a malformed die event")
				continue
			}
			if origin == l.group {
				continue
			}
			l.logger.Debug("die event", LabelGroup.L(origin))
			// Aborting shuts this loop down, it cannot run here.
			go l.onDie(reason)
		}
	}
}

func (l *liveness) memberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		logger := withLogMember(l.logger, member)
		switch event.EventType() {
		case serf.EventMemberJoin:
			logger.Debug("coordinator joined")
		case serf.EventMemberLeave, serf.EventMemberFailed:
			group, ok := gossipGroup(member.Name)
			if !ok {
				logger.Warn("unknown node left")
				continue
			}
			logger.Info("coordinator left", LabelGroup.L(group), "event", event.EventType().String())
			l.onLeave(group)
		default:
			logger.Debug("coordinator updated", "event", event.EventType().String())
		}
	}
}

// addr is the gossip address of l as seen by other hosts reaching this one
// under host.
func (l *liveness) addr(host string) string {
	return network.JoinHostPort(host, int(l.serf.LocalMember().Port))
}

func (l *liveness) join(resolver HostResolver, addrs ...string) error {
	resolved := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return err
		}
		ha, err := resolvePort(resolver, host, port)
		if err != nil {
			return err
		}
		resolved = append(resolved, ha.String())
	}
	if _, err := l.serf.Join(resolved, true); err != nil {
		return fmt.Errorf("%w: gossip: %w", ErrBootstrap, err)
	}
	return nil
}

// die gossips an abort to the other coordinators.
func (l *liveness) die(reason string) {
	if err := l.serf.UserEvent(eventDie, encodeDie(l.group, reason), false); err != nil {
		l.logger.Debug("could not gossip abort", LabelError.L(err))
	}
}

func (l *liveness) shutdown() {
	l.shutOnce.Do(func() {
		if err := l.serf.Leave(); err != nil {
			l.logger.Debug("could not leave gracefully", LabelError.L(err))
		}
		if err := l.serf.Shutdown(); err != nil {
			l.logger.Debug("could not shutdown", LabelError.L(err))
		}
		close(l.dropCh)
		l.wg.Wait()
	})
}
