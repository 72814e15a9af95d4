package p4

import (
	"fmt"
	"testing"

	"github.com/raskyld/p4/pkg/ranktable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T, counts ...int) *ranktable.Table {
	t.Helper()
	n := 0
	for _, c := range counts {
		n += c
	}

	table := ranktable.New(n)
	rank := 0
	for g, c := range counts {
		for i := 0; i < c; i++ {
			require.NoError(t, table.Install(ranktable.RankRecord{
				Rank:        rank,
				Group:       g,
				Host:        fmt.Sprintf("host%d", g),
				Port:        7000 + g,
				PID:         100 + i,
				MachineKind: "amd64",
			}))
			rank++
		}
	}
	require.NoError(t, table.Freeze())
	return table
}

func TestTree_Shape(t *testing.T) {
	tr := newTree(testTable(t, 2, 1, 3))

	assert.Equal(t, 0, tr.root())
	assert.Equal(t, []int{-1, 0, 0, 0, 3, 3}, tr.parent)
	assert.Equal(t, []int{2, 3, 1}, tr.children[0])
	assert.Equal(t, []int{4, 5}, tr.children[3])
	assert.Empty(t, tr.children[2])
}

func TestTree_BroadcastExactlyOnce(t *testing.T) {
	layouts := [][]int{
		{1},
		{4},
		{2, 1},
		{2, 1, 3},
		{1, 1, 1, 1, 1, 1, 1},
		{5, 3, 8, 1, 2},
	}

	for _, layout := range layouts {
		tr := newTree(testTable(t, layout...))
		n := len(tr.parent)

		for origin := 0; origin < n; origin++ {
			origin := origin
			t.Run(fmt.Sprintf("%v from %d", layout, origin), func(t *testing.T) {
				received := make([]int, n)
				queue := append([]int{}, tr.fanout(origin)...)
				for len(queue) > 0 {
					rank := queue[0]
					queue = queue[1:]
					received[rank]++
					queue = append(queue, tr.forwards(rank, origin)...)
				}

				for rank, count := range received {
					if rank == origin {
						assert.Zero(t, count, "origin got its own broadcast")
						continue
					}
					assert.Equal(t, 1, count, "rank %d", rank)
				}
			})
		}
	}
}

func TestTree_ForwardsSkipOrigin(t *testing.T) {
	tr := newTree(testTable(t, 3))

	assert.Equal(t, []int{2}, tr.forwards(0, 1))
	assert.Equal(t, []int{1, 2}, tr.forwards(0, 0))
	assert.Equal(t, []int{1, 2}, tr.fanout(0))
	assert.Equal(t, []int{0}, tr.fanout(2))
}
