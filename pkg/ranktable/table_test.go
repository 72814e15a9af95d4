package ranktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeRanks(t *testing.T) *Table {
	t.Helper()
	tb := New(3)
	require.NoError(t, tb.Install(RankRecord{Rank: 0, Group: 0, Host: "hostA", Port: 7000, PID: 100}))
	require.NoError(t, tb.Install(RankRecord{Rank: 1, Group: 0, Host: "hostA", Port: 7000, PID: 101}))
	require.NoError(t, tb.Install(RankRecord{Rank: 2, Group: 1, Host: "hostB", Port: 7100, PID: 200}))
	return tb
}

func TestTable_Install(t *testing.T) {
	tb := New(2)

	t.Run("out of range ranks are refused", func(t *testing.T) {
		require.ErrorIs(t, tb.Install(RankRecord{Rank: 2}), ErrRankOutOfRange)
		require.ErrorIs(t, tb.Install(RankRecord{Rank: -1}), ErrRankOutOfRange)
	})

	t.Run("a rank is installed exactly once", func(t *testing.T) {
		require.NoError(t, tb.Install(RankRecord{Rank: 1, Host: "a"}))
		require.ErrorIs(t, tb.Install(RankRecord{Rank: 1, Host: "b"}), ErrDuplicateRank)
		rec, err := tb.Get(1)
		require.NoError(t, err)
		assert.Equal(t, "a", rec.Host)
	})

	t.Run("freeze refuses incomplete tables", func(t *testing.T) {
		require.ErrorIs(t, tb.Freeze(), ErrTableIncomplete)
		require.False(t, tb.Frozen())
		_, err := tb.Get(0)
		require.ErrorIs(t, err, ErrRankOutOfRange)
	})

	t.Run("frozen tables are read-only", func(t *testing.T) {
		require.NoError(t, tb.Install(RankRecord{Rank: 0, Host: "a"}))
		require.NoError(t, tb.Freeze())
		require.True(t, tb.Frozen())
		require.ErrorIs(t, tb.Install(RankRecord{Rank: 0}), ErrTableFrozen)
		require.NoError(t, tb.Freeze(), "freezing twice is a no-op")
	})
}

func TestTable_Groups(t *testing.T) {
	tb := threeRanks(t)
	require.NoError(t, tb.Freeze())

	assert.Equal(t, []int{0, 1}, tb.Groups())
	assert.Equal(t, []int{0, 1}, tb.Members(0))
	assert.Equal(t, []int{2}, tb.Members(1))
	assert.Len(t, tb.Records(), 3)
}

func TestResolve(t *testing.T) {
	tb := threeRanks(t)
	require.NoError(t, tb.Freeze())

	t.Run("pid and host match", func(t *testing.T) {
		rank, err := Resolve(tb, 101, "hostA")
		require.NoError(t, err)
		assert.Equal(t, 1, rank)
	})

	t.Run("unique pid match is accepted when the hostname differs", func(t *testing.T) {
		rank, err := Resolve(tb, 200, "hostB.eth1.example")
		require.NoError(t, err)
		assert.Equal(t, 2, rank)
	})

	t.Run("unknown pid fails", func(t *testing.T) {
		_, err := Resolve(tb, 999, "hostA")
		require.ErrorIs(t, err, ErrRankUnresolved)
	})
}

// Known ambiguity of the fallback: pids are only unique per host, so two
// ranks on different hosts may share one and the fallback cannot decide.
func TestResolve_AmbiguousPidAcrossHosts(t *testing.T) {
	tb := New(2)
	require.NoError(t, tb.Install(RankRecord{Rank: 0, Group: 0, Host: "hostA", PID: 42}))
	require.NoError(t, tb.Install(RankRecord{Rank: 1, Group: 1, Host: "hostB", PID: 42}))
	require.NoError(t, tb.Freeze())

	rank, err := Resolve(tb, 42, "hostB")
	require.NoError(t, err, "exact host match still disambiguates")
	assert.Equal(t, 1, rank)

	_, err = Resolve(tb, 42, "hostC")
	require.ErrorIs(t, err, ErrRankAmbiguous)
}
