package p4

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LocalHost is the process group alias of the master host.
const LocalHost = "local"

// GroupSpec describes the ranks of one host cluster.
type GroupSpec struct {
	Host string
	// Count is the number of ranks of the cluster.
	Count int
	// Executable started by the spawner for remote clusters. Empty means
	// the master's own executable.
	Executable string
}

// ProcessGroup is the description of a job. The first group runs inside
// the master process, every other one is started through the `Spawner`.
type ProcessGroup []GroupSpec

// ParseProcessGroup reads one "host count [executable]" group per line.
// Blank lines and everything following a '#' are ignored. The `local` host
// is replaced by masterHost.
func ParseProcessGroup(r io.Reader, masterHost string) (ProcessGroup, error) {
	var pg ProcessGroup
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: line %d: expected \"host count [executable]\"", ErrProcessGroup, line)
		}

		count, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: invalid count: %w", ErrProcessGroup, line, err)
		}

		spec := GroupSpec{Host: fields[0], Count: count}
		if spec.Host == LocalHost {
			spec.Host = masterHost
		}
		if len(fields) == 3 {
			spec.Executable = fields[2]
		}
		pg = append(pg, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcessGroup, err)
	}
	if err := pg.Validate(); err != nil {
		return nil, err
	}
	return pg, nil
}

// Validate checks every group has a host and at least one rank.
func (pg ProcessGroup) Validate() error {
	if len(pg) == 0 {
		return fmt.Errorf("%w: no group", ErrProcessGroup)
	}
	for i, spec := range pg {
		if spec.Host == "" {
			return fmt.Errorf("%w: group %d has no host", ErrProcessGroup, i)
		}
		if spec.Count < 1 {
			return fmt.Errorf("%w: group %d on %s has %d ranks", ErrProcessGroup, i, spec.Host, spec.Count)
		}
	}
	return nil
}

// Size is the number of ranks of the job.
func (pg ProcessGroup) Size() int {
	n := 0
	for _, spec := range pg {
		n += spec.Count
	}
	return n
}

// BaseRanks returns the first rank of every group.
func (pg ProcessGroup) BaseRanks() []int {
	bases := make([]int, len(pg))
	next := 0
	for i, spec := range pg {
		bases[i] = next
		next += spec.Count
	}
	return bases
}
