package p4

import (
	"github.com/raskyld/p4/pkg/ranktable"
)

// tree is the broadcast spanning tree of a job.
//
// Clusters, ordered by group, form a binary tree of their coordinators,
// the lowest rank of each cluster. Inside a cluster, ranks form a binary
// tree rooted at the coordinator. Rank 0 is the root.
type tree struct {
	parent   []int
	children [][]int
}

func newTree(table *ranktable.Table) *tree {
	n := table.Len()
	t := &tree{
		parent:   make([]int, n),
		children: make([][]int, n),
	}

	groups := table.Groups()
	members := make([][]int, len(groups))
	for c, g := range groups {
		members[c] = table.Members(g)
	}

	link := func(parent, child int) {
		t.parent[child] = parent
		t.children[parent] = append(t.children[parent], child)
	}

	for c, local := range members {
		if c == 0 {
			t.parent[local[0]] = -1
		}
		for _, cc := range []int{2*c + 1, 2*c + 2} {
			if cc < len(members) {
				link(local[0], members[cc][0])
			}
		}
		for i := range local {
			for _, ci := range []int{2*i + 1, 2*i + 2} {
				if ci < len(local) {
					link(local[i], local[ci])
				}
			}
		}
	}
	return t
}

func (t *tree) root() int {
	for r, p := range t.parent {
		if p < 0 {
			return r
		}
	}
	return 0
}

// fanout returns the ranks origin sends a broadcast to: its subtree edges,
// plus the root when origin is not the root.
func (t *tree) fanout(origin int) []int {
	out := append([]int{}, t.children[origin]...)
	if root := t.root(); origin != root {
		out = append(out, root)
	}
	return out
}

// forwards returns where rank relays a broadcast started by origin. The
// origin covers its own subtree so it is never relayed to.
func (t *tree) forwards(rank, origin int) []int {
	out := make([]int, 0, len(t.children[rank]))
	for _, c := range t.children[rank] {
		if c != origin {
			out = append(out, c)
		}
	}
	return out
}
