package ranktable

import "fmt"

// Resolve finds the rank owned by the process identified by pid on host.
//
// An entry matching both pid and host wins. When the hostname matches
// nothing, which happens on hosts with several network interfaces, a single
// entry carrying pid is accepted instead. Anything else is an error.
//
// NB: the fallback assumes pids are unique across the whole job. That is
// not true across distinct hosts, two processes on different machines may
// share a pid, and then resolution fails with ErrRankAmbiguous.
func Resolve(t *Table, pid int, host string) (int, error) {
	exact := -1
	exactCount := 0
	byPid := -1
	byPidCount := 0

	for _, rec := range t.Records() {
		if rec.PID != pid {
			continue
		}
		byPid = rec.Rank
		byPidCount++
		if rec.Host == host {
			exact = rec.Rank
			exactCount++
		}
	}

	switch {
	case exactCount == 1:
		return exact, nil
	case exactCount > 1:
		return -1, fmt.Errorf("%w: pid %d on %s", ErrRankAmbiguous, pid, host)
	case byPidCount == 1:
		return byPid, nil
	case byPidCount > 1:
		return -1, fmt.Errorf("%w: pid %d matches %d entries and host %s none", ErrRankAmbiguous, pid, byPidCount, host)
	default:
		return -1, fmt.Errorf("%w: pid %d on %s", ErrRankUnresolved, pid, host)
	}
}
