package p4

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(fmt.Errorf("%w: rank 3", ErrPeerDied)))
	assert.False(t, IsFatal(ErrBadFilter))
	assert.False(t, IsFatal(ErrKilled))
	assert.True(t, IsFatal(ErrProtocolViolation))
	assert.True(t, IsFatal(fmt.Errorf("%w: rank 1", ErrConnectionTimeout)))
	assert.True(t, IsFatal(errors.New("user failure")))
}

func TestFatalError(t *testing.T) {
	fe := fatal(2, fmt.Errorf("%w: oops", ErrAllocation))
	assert.Equal(t, "p4 fatal on rank 2: transport: could not allocate buffer: oops", fe.Error())
	assert.ErrorIs(t, fe, ErrAllocation)

	// Already tagged errors keep their rank.
	assert.Same(t, fe, fatal(5, fmt.Errorf("wrapped: %w", fe)))
	assert.Equal(t, "p4 fatal: boom", fatal(-1, errors.New("boom")).Error())
}
