// Package ranktable holds the globally agreed mapping from logical ranks to
// the host, port and process that own them.
//
// A [Table] is written by a single bootstrap goroutine, then frozen. After
// [Table.Freeze] returns, it is read-only and safe for concurrent use.
package ranktable

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	ErrRankOutOfRange  = errors.New("ranktable: rank is out of range")
	ErrDuplicateRank   = errors.New("ranktable: rank installed twice")
	ErrTableFrozen     = errors.New("ranktable: table is frozen")
	ErrTableIncomplete = errors.New("ranktable: table has missing ranks")
	ErrRankUnresolved  = errors.New("ranktable: no entry matches this process")
	ErrRankAmbiguous   = errors.New("ranktable: several entries match this process")
)

// RankRecord describes one rank of the job.
type RankRecord struct {
	Rank int
	// Group is the cluster this rank belongs to, ranks of the same group
	// live on the same host and share local transport.
	Group int
	Host  string
	// Port is the port of the connection manager serving this rank.
	Port        int
	PID         int
	MachineKind string
}

func (rec RankRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("rank", rec.Rank),
		slog.Int("group", rec.Group),
		slog.String("host", rec.Host),
		slog.Int("port", rec.Port),
		slog.Int("pid", rec.PID),
	)
}

type Table struct {
	lk        sync.RWMutex
	records   []RankRecord
	installed []bool
	frozen    bool
}

// New allocates a table for size ranks.
func New(size int) *Table {
	return &Table{
		records:   make([]RankRecord, size),
		installed: make([]bool, size),
	}
}

// Install records rec at index rec.Rank. Each rank can only be installed
// once and nothing can be installed after Freeze.
func (t *Table) Install(rec RankRecord) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.frozen {
		return ErrTableFrozen
	}
	if rec.Rank < 0 || rec.Rank >= len(t.records) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrRankOutOfRange, rec.Rank, len(t.records))
	}
	if t.installed[rec.Rank] {
		return fmt.Errorf("%w: %d", ErrDuplicateRank, rec.Rank)
	}
	t.records[rec.Rank] = rec
	t.installed[rec.Rank] = true
	return nil
}

// Freeze makes the table read-only. It fails if any rank is missing.
func (t *Table) Freeze() error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.frozen {
		return nil
	}
	for rank, ok := range t.installed {
		if !ok {
			return fmt.Errorf("%w: rank %d", ErrTableIncomplete, rank)
		}
	}
	t.frozen = true
	return nil
}

func (t *Table) Frozen() bool {
	t.lk.RLock()
	defer t.lk.RUnlock()
	return t.frozen
}

func (t *Table) Len() int {
	return len(t.records)
}

func (t *Table) Get(rank int) (RankRecord, error) {
	t.lk.RLock()
	defer t.lk.RUnlock()
	if rank < 0 || rank >= len(t.records) || !t.installed[rank] {
		return RankRecord{}, fmt.Errorf("%w: %d", ErrRankOutOfRange, rank)
	}
	return t.records[rank], nil
}

// Records returns a copy of the installed records, in rank order.
func (t *Table) Records() []RankRecord {
	t.lk.RLock()
	defer t.lk.RUnlock()
	out := make([]RankRecord, 0, len(t.records))
	for rank, rec := range t.records {
		if t.installed[rank] {
			out = append(out, rec)
		}
	}
	return out
}

// Groups returns the distinct group ids, ascending.
func (t *Table) Groups() []int {
	var groups []int
	for _, rec := range t.Records() {
		if !slices.Contains(groups, rec.Group) {
			groups = append(groups, rec.Group)
		}
	}
	slices.Sort(groups)
	return groups
}

// Members returns the ranks of group, ascending.
func (t *Table) Members(group int) []int {
	var ranks []int
	for _, rec := range t.Records() {
		if rec.Group == group {
			ranks = append(ranks, rec.Rank)
		}
	}
	return ranks
}
