// Package lockstripe provides a fixed-size pool of mutexes indexed by a
// hash of a logical key. Multiple keys intentionally share a lock,
// bounding memory at the cost of rare false contention.
package lockstripe

import (
	"hash/fnv"
	"sync"
)

// Striper serializes operations on logical string keys.
type Striper struct {
	stripes []sync.Mutex
}

// New creates a striper with n locks. n must be positive.
func New(n int) *Striper {
	if n <= 0 {
		n = 1
	}

	return &Striper{stripes: make([]sync.Mutex, n)}
}

func (s *Striper) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(s.stripes)
}

// Lock acquires the stripe lock for key.
func (s *Striper) Lock(key string) {
	s.stripes[s.index(key)].Lock()
}

// Unlock releases the stripe lock for key.
func (s *Striper) Unlock(key string) {
	s.stripes[s.index(key)].Unlock()
}

// Len returns the number of stripes.
func (s *Striper) Len() int {
	return len(s.stripes)
}
