// Package p4 runs a message-passing job over a set of host clusters.
//
// A job is described by a `ProcessGroup`: one line per host cluster, each
// hosting a number of *ranks*. The first cluster runs inside the *master*
// process calling `Run`, every other one is started through a `Spawner` and
// joins the job by calling `RunRemote` with the parameters the master put
// in its environment.
//
// Every rank runs the same `Main`, and talks to the others through its
// `Rank` handle: point-to-point `Rank.Send` and `Rank.Receive`, tree based
// `Rank.Broadcast` and `Rank.GlobalReduce`, and a global `Rank.Barrier`.
//
// ## How it works
//
// At bootstrap, each remote coordinator dials the master and reports the
// ranks of its cluster along with the port of its *connection manager*. The
// master aggregates the rank table, freezes it, and pushes it back to every
// coordinator. Two barrier rounds, separated by a `Sync` exchange between
// coordinators, make sure no rank starts before the whole job is assembled.
//
// Ranks of the same cluster exchange messages through in-memory queues. Ranks
// of different clusters are *lazily* connected by one data socket per pair,
// dialed by the lower rank. The higher rank asks for it through its
// connection manager, which re-sends the request until the lower rank
// notices it.
//
// A rank blocked sending to a slow peer keeps draining its own inbound
// traffic, so two ranks sending to each other never deadlock.
//
// ## Failures
//
// APIs MUST NOT model an *infallible* network. A dead peer is reported as
// `ErrPeerDied` and the job goes on. Everything else considered fatal by
// `IsFatal` aborts the whole job: the rank-tagged `FatalError` is logged,
// every other cluster is told to die, and the fatal handler runs (it exits
// the process by default). `Rank.SoftErrors` lets a rank get these errors
// back instead.
//
// Dependencies are:
//
// * [`hashicorp/serf`][dep-srf] over [`hashicorp/memberlist`][dep-mbl], for the optional liveness
//   gossip between coordinators.
// * [`quic-go/quic-go`][dep-qgo], for the optional QUIC `network.Network`.
// * [`hashicorp/go-metrics`][dep-gmt], to let you chose where metrics go.
// * [`protobuf/encoding/protowire`][dep-pbw], for the wire encoding of frames.
// * [`cenkalti/backoff`][dep-bko], to retry connection attempts.
//
// [dep-srf]: https://pkg.go.dev/github.com/hashicorp/serf/serf
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-qgo]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-gmt]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-pbw]: https://pkg.go.dev/google.golang.org/protobuf/encoding/protowire
// [dep-bko]: https://pkg.go.dev/github.com/cenkalti/backoff/v4
package p4
