package scheduling

import (
	"hash/fnv"
	"sync"
)

// keyLock serializes mutations per entity with a fixed pool of striped
// mutexes. Two concurrent controller calls on the same entity always land on
// the same stripe, preventing lost updates to status/job_ref; distinct
// entities almost always proceed in parallel. Bounded memory, no eviction.
type keyLock struct {
	stripes [64]sync.Mutex
}

func (l *keyLock) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// Lock acquires the stripe for key and returns its unlock function.
func (l *keyLock) Lock(key string) func() {
	m := l.stripe(key)
	m.Lock()
	return m.Unlock
}
