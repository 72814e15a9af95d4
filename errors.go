package p4

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg    = errors.New("p4: invalid options")
	ErrAborted       = errors.New("p4: job aborted")
	ErrProcessGroup  = errors.New("p4: invalid process group")
	ErrInvalidRemote = errors.New("p4: invalid remote environment")

	ErrVersionMismatch = errors.New("bootstrap: version mismatch")
	ErrSpawn           = errors.New("bootstrap: could not spawn remote peer")
	ErrBootstrap       = errors.New("bootstrap: failed to assemble the job")
	ErrBootstrapTime   = errors.New("bootstrap: timed out")

	ErrProtocolViolation = errors.New("listener: protocol violation")
	ErrConnectionTimeout = errors.New("listener: could not connect to peer in time")

	ErrPeerDied   = errors.New("transport: peer died")
	ErrAllocation = errors.New("transport: could not allocate buffer")
	ErrBadFilter  = errors.New("transport: invalid kind or rank")
	ErrShutdown   = errors.New("transport: shutting down")
	ErrKilled     = errors.New("transport: rank was killed")
)

// FatalError is the rank-tagged diagnostic of an error which terminates the
// whole job.
type FatalError struct {
	Rank int
	Err  error
}

func (fe *FatalError) Error() string {
	if fe.Rank < 0 {
		return fmt.Sprintf("p4 fatal: %s", fe.Err)
	}
	return fmt.Sprintf("p4 fatal on rank %d: %s", fe.Rank, fe.Err)
}

func (fe *FatalError) Unwrap() error {
	return fe.Err
}

// IsFatal reports whether err must abort the job. Peer deaths, bad filters
// and the consequences of a shutdown are left to the caller.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPeerDied),
		errors.Is(err, ErrBadFilter),
		errors.Is(err, ErrKilled),
		errors.Is(err, ErrShutdown),
		errors.Is(err, ErrAborted):
		return false
	}
	return true
}

func fatal(rank int, err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}
	return &FatalError{Rank: rank, Err: err}
}
