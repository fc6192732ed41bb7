// Package threadlock serializes turns per conversation thread.
//
// Each thread id owns one mutex. Concurrent requests for the same thread
// queue on that mutex and run one at a time; requests for different
// threads never contend. Entries are reference counted: Acquire takes a
// reference, Release drops it, and the entry is removed only when the
// last reference goes. A goroutine parked in Lock always holds a
// reference to the entry it is waiting on, so the mutex under it can
// never be swapped out.
//
// Invariants:
//   - Acquire returns the same mutex for a thread id while any reference
//     to it is outstanding.
//   - Release never removes a mutex another acquirer still references.
package threadlock

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry maps thread ids to their serialization mutexes.
type Registry struct {
	mu     sync.Mutex
	locks  map[uuid.UUID]*entry
	logger zerolog.Logger
}

// NewRegistry creates an empty lock registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		locks:  map[uuid.UUID]*entry{},
		logger: logger,
	}
}

// Acquire returns the mutex for threadID and takes a reference on it,
// creating the entry on first use. The caller locks and unlocks the
// returned mutex itself and must pair every Acquire with exactly one
// Release after unlocking; the registry lock is held only for the map
// access, never across the turn.
func (r *Registry) Acquire(threadID uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[threadID]
	if !ok {
		e = &entry{}
		r.locks[threadID] = e
	}
	e.refs++
	return &e.mu
}

// Release drops one reference on threadID's mutex and removes the entry
// when the last reference goes. Returns true when the entry was removed.
// An entry with outstanding references stays registered even if its mutex
// is momentarily free, so waiters queued on it keep the lock they block on.
func (r *Registry) Release(threadID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[threadID]
	if !ok {
		return false
	}

	e.refs--
	if e.refs > 0 {
		return false
	}

	delete(r.locks, threadID)
	r.logger.Debug().Str("thread_id", threadID.String()).Msg("Released thread lock")
	return true
}

// Len reports how many thread locks are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
