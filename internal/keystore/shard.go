package keystore

import (
	"hash/fnv"
	"sync"
)

// shardCount is N from spec §7: a striped-lock map sized to give the
// common case (many distinct keys, low contention per key) good
// throughput without one mutex per key.
const shardCount = 64

// shardedLocks serialises per-key mutation so that the composite
// check-then-debit step of one evaluate→execute pair is linearisable
// against every other pair for the same key, while distinct keys proceed
// in parallel (spec §5).
type shardedLocks struct {
	mus [shardCount]sync.Mutex
}

func (s *shardedLocks) lock(key string) func() {
	idx := fnv32(key) % shardCount
	s.mus[idx].Lock()
	return s.mus[idx].Unlock
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
