package queue

import (
	"math/rand"
	"time"

	"github.com/oakline/orderflow/internal/queue/domain"
)

// Per-type retry delay tables. The index is the number of retries already
// scheduled, capped at the last entry. KILL_SWITCH retries fast because it is
// a safety action; universe sync is slow and low-urgency.
var backoffTables = map[domain.JobType][]time.Duration{
	domain.JobSubmitOrder:       {1 * time.Second, 5 * time.Second, 15 * time.Second},
	domain.JobKillSwitch:        {500 * time.Millisecond, 2 * time.Second, 5 * time.Second},
	domain.JobSyncAssetUniverse: {1 * time.Minute, 5 * time.Minute, 10 * time.Minute},
}

var defaultBackoffTable = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// backoffBase returns the table entry without jitter.
func backoffBase(t domain.JobType, attempts int) time.Duration {
	table, ok := backoffTables[t]
	if !ok {
		table = defaultBackoffTable
	}
	idx := attempts
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// Backoff returns the delay before retry number attempts+1 for a job of type
// t, with up to 20% uniform jitter so a batch of items failing together (for
// example during a venue outage) does not retry in lockstep.
func Backoff(t domain.JobType, attempts int) time.Duration {
	base := backoffBase(t, attempts)
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1))
	return base + jitter
}
