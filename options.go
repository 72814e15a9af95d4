package p4

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/p4/pkg/network"
)

// Version is exchanged by coordinators during bootstrap. Coordinators built
// from different versions refuse to run a job together.
const Version = "p4-go/1"

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	mlLabels     []leg_metrics.Label

	listenAddr  string
	resolver    HostResolver
	network     network.Network
	spawner     Spawner
	executable  string
	codec       Codec
	alloc       Allocator
	version     string
	hostname    string
	machineKind string

	connectTimeout   time.Duration
	bootstrapTimeout time.Duration
	pollInterval     time.Duration
	wakeupInterval   time.Duration
	wakeupBacklog    int
	writeSlice       time.Duration
	inboxSize        int
	maxMessage       int

	gossip     bool
	gossipPort int

	fatal func(error)
}

// Option to pass to `Run` and `RunRemote`.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		resolver:         IdentityResolver,
		network:          network.TCP(),
		codec:            ByteOrderCodec{},
		version:          Version,
		machineKind:      runtime.GOARCH,
		connectTimeout:   30 * time.Second,
		bootstrapTimeout: 2 * time.Minute,
		pollInterval:     time.Second,
		wakeupInterval:   250 * time.Millisecond,
		wakeupBacklog:    8,
		writeSlice:       50 * time.Millisecond,
		inboxSize:        64,
		maxMessage:       DefaultMaxMessageSize,
		fatal: func(error) {
			os.Exit(1)
		},
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		cfg.hostname = hostname
	}

	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	if nw, ok := cfg.network.(*network.QUICNetwork); ok && nw.LogHandler == nil {
		nw.LogHandler = cfg.logHandler
	}

	if cfg.alloc == nil {
		cfg.alloc = HeapAllocator{}
	}

	if cfg.spawner == nil {
		cfg.spawner = &CommandSpawner{Remote: []string{"ssh", "-n"}}
	}

	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the job.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the job.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// TODO(raskyld): drop the translation once serf and memberlist use
		// the hashicorp module.
		c.mlLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithListenOn specifies which interface the listeners bind. Ports are
// always picked by the system.
func WithListenOn(addr string) Option {
	return func(c *config) error {
		c.listenAddr = addr
		return nil
	}
}

// WithHostResolver controls how host names of the process group are turned
// into dialable addresses.
func WithHostResolver(resolver HostResolver) Option {
	return func(c *config) error {
		if resolver == nil {
			return errors.New("nil resolver")
		}
		c.resolver = resolver
		return nil
	}
}

// WithNetwork replaces the TCP network carrying every socket of the job.
func WithNetwork(nw network.Network) Option {
	return func(c *config) error {
		if nw == nil {
			return errors.New("nil network")
		}
		c.network = nw
		return nil
	}
}

// WithQUIC carries every socket of the job over QUIC. It is REALLY
// important that you use mTLS since the sockets are otherwise open to
// anyone able to reach the hosts.
func WithQUIC(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return network.ErrNoTLSConfig
		}
		c.network = network.QUIC(tlsConf.Clone())
		return nil
	}
}

// WithSpawner specifies how remote groups are started.
func WithSpawner(spawner Spawner) Option {
	return func(c *config) error {
		c.spawner = spawner
		return nil
	}
}

// WithExecutable sets the default command of groups which do not name one.
func WithExecutable(path string) Option {
	return func(c *config) error {
		c.executable = path
		return nil
	}
}

// WithCodec specifies how payloads are converted between hosts of different
// data representations.
func WithCodec(codec Codec) Option {
	return func(c *config) error {
		if codec == nil {
			return errors.New("nil codec")
		}
		c.codec = codec
		return nil
	}
}

// WithAllocator specifies which `Allocator` provides message buffers.
func WithAllocator(alloc Allocator) Option {
	return func(c *config) error {
		c.alloc = alloc
		return nil
	}
}

// WithVersion overrides the version coordinators compare at bootstrap.
func WithVersion(version string) Option {
	return func(c *config) error {
		if version == "" {
			version = Version
		}
		c.version = version
		return nil
	}
}

// WithHostname specifies the name ranks use to find themselves in the rank
// table, and the name of `local` in the process group.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithMachineKind overrides the machine kind advertised for local ranks.
func WithMachineKind(kind string) Option {
	return func(c *config) error {
		if kind != "" {
			c.machineKind = kind
		}
		return nil
	}
}

// WithConnectTimeout bounds how long a rank waits for a connection to a
// peer. Expiry is fatal.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithBootstrapTimeout bounds the whole bootstrap sequence.
func WithBootstrapTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		c.bootstrapTimeout = timeout
		return nil
	}
}

// WithPollInterval controls how often a blocked rank re-checks the liveness
// of its peers.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return errors.New("poll interval must be positive")
		}
		c.pollInterval = interval
		return nil
	}
}

// WithWakeup controls how often outstanding connection requests are
// re-sent, and how many times at most.
func WithWakeup(interval time.Duration, backlog int) Option {
	return func(c *config) error {
		if interval <= 0 || backlog < 0 {
			return errors.New("invalid wakeup settings")
		}
		c.wakeupInterval = interval
		c.wakeupBacklog = backlog
		return nil
	}
}

// WithInboxSize bounds how many inbound messages are buffered per rank
// before readers stop draining sockets.
func WithInboxSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return errors.New("inbox size must be at least 1")
		}
		c.inboxSize = size
		return nil
	}
}

// WithMaxMessageSize bounds the payload of a single message.
func WithMaxMessageSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return errors.New("max message size must be at least 1")
		}
		c.maxMessage = size
		return nil
	}
}

// WithGossip enables host liveness detection between coordinators. Port 0
// lets the system pick one.
func WithGossip(port int) Option {
	return func(c *config) error {
		c.gossip = true
		c.gossipPort = port
		return nil
	}
}

// WithFatalHandler replaces `os.Exit(1)`, called once the job is aborted.
func WithFatalHandler(handler func(error)) Option {
	return func(c *config) error {
		if handler == nil {
			handler = func(error) {}
		}
		c.fatal = handler
		return nil
	}
}
