package index

import (
	"hash/fnv"
	"sync"
)

// keyLock serializes operations per key using a fixed set of mutex stripes.
// Two writers for the same unit ID always contend on the same stripe, so the
// vector upsert and the metadata upsert for one unit never interleave with a
// concurrent write for that unit.
type keyLock struct {
	stripes []sync.Mutex
}

func newKeyLock(n int) *keyLock {
	if n <= 0 {
		n = 64
	}
	return &keyLock{stripes: make([]sync.Mutex, n)}
}

func (l *keyLock) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m
}
