package p4

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/raskyld/p4/pkg/network"
	"github.com/raskyld/p4/pkg/ranktable"
)

// HostResolver turns a host name, as written in the process group and the
// rank table, into something the `network.Network` can dial.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking for long, since they are invoked on
// the connection establishment critical path.
//
// The same resolver is used by every coordinator of the job, so it MUST
// give the same answer everywhere.
type HostResolver func(host string) (string, error)

// IdentityResolver is the default resolver, it dials host names as is.
func IdentityResolver(host string) (string, error) {
	return host, nil
}

// StaticResolver resolves host names from a fixed table. Unknown names fall
// back to the name itself.
func StaticResolver(addrs map[string]string) HostResolver {
	return func(host string) (string, error) {
		if addr, ok := addrs[host]; ok {
			return addr, nil
		}
		return host, nil
	}
}

// hostAddr is a dialable endpoint of a host cluster.
type hostAddr struct {
	Host string
	Addr string
	Port int
}

func resolveRecord(resolver HostResolver, rec ranktable.RankRecord) (hostAddr, error) {
	return resolvePort(resolver, rec.Host, rec.Port)
}

func resolvePort(resolver HostResolver, host string, port int) (hostAddr, error) {
	addr, err := resolver(host)
	if err != nil {
		return hostAddr{}, fmt.Errorf("%w: cannot resolve %q: %w", network.ErrInvalidAddr, host, err)
	}
	return hostAddr{Host: host, Addr: addr, Port: port}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, raw, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", network.ErrInvalidAddr, err)
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port of %q: %w", network.ErrInvalidAddr, addr, err)
	}
	return host, port, nil
}

func (h hostAddr) String() string {
	return network.JoinHostPort(h.Addr, h.Port)
}

func (h *hostAddr) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", h.Host),
		slog.String("addr", h.Addr),
		slog.Int("port", h.Port),
	)
}
