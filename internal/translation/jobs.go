package translation

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultJobTableCapacity is the number of translated jobs kept for share
// submission. At one job every 30s this covers half an hour of stale submits.
const DefaultJobTableCapacity = 64

// JobEntry maps a downstream job id back to the upstream job it was built from
type JobEntry struct {
	DownstreamJobID uint32
	UpstreamJobID   string
	Time            uint32
	Version         uint32
}

// JobTable assigns sequential downstream job ids and remembers the upstream
// parameters needed to rebuild a mining.submit. It holds at most Capacity
// entries and evicts the oldest insertion first.
//
// The table is owned by a single Translator and is not meant to be shared.
type JobTable struct {
	entries  *lru.Cache[uint32, JobEntry]
	capacity int
	next     uint32
}

// NewJobTable creates a table holding up to capacity entries
func NewJobTable(capacity int) (*JobTable, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("job table capacity must be positive, got %d", capacity)
	}

	entries, err := lru.New[uint32, JobEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create job table: %w", err)
	}

	return &JobTable{entries: entries, capacity: capacity}, nil
}

// Insert stores a job and returns its downstream id. Ids start at 0 and
// increase by one per insertion, wrapping at 2^32.
func (jt *JobTable) Insert(upstreamJobID string, time, version uint32) uint32 {
	id := jt.next
	jt.next++

	// Lookups only Peek, so recency is insertion order and Add evicts the oldest.
	jt.entries.Add(id, JobEntry{
		DownstreamJobID: id,
		UpstreamJobID:   upstreamJobID,
		Time:            time,
		Version:         version,
	})

	return id
}

// Lookup returns the entry for a downstream job id. A miss means the job
// was never issued or has been evicted.
func (jt *JobTable) Lookup(id uint32) (JobEntry, bool) {
	return jt.entries.Peek(id)
}

// Len returns the number of live entries
func (jt *JobTable) Len() int {
	return jt.entries.Len()
}

// Capacity returns the maximum number of live entries
func (jt *JobTable) Capacity() int {
	return jt.capacity
}
