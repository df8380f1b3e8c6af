package scheduler

import (
	"sync"
	"time"

	"contestbot/internal/domain"
)

// TimerFactory starts a timer that invokes fn once after d.
// The returned func stops the timer; it reports whether the stop prevented the
// fire. Implementations MUST NOT invoke fn synchronously from the factory call.
type TimerFactory func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

type regEntry struct {
	stop func() bool
	ver  uint64
}

// Registry is the in-memory index of currently-armed timers, keyed by task
// identity. It is ephemeral: never persisted, rebuilt from the task store on
// startup and by every reconciliation pass.
//
// All mutation is a single atomic map operation per key, so at most one live
// timer can exist per key at any time. Entries carry a version so a stale
// timer callback (from an entry that was since removed and re-armed) is
// ignored instead of firing twice.
type Registry struct {
	mu       sync.Mutex
	newTimer TimerFactory
	entries  map[domain.Key]*regEntry
	ver      uint64
}

// NewRegistry builds a registry. A nil factory uses real time.AfterFunc timers;
// tests inject a fake to avoid wall clocks.
func NewRegistry(factory TimerFactory) *Registry {
	if factory == nil {
		factory = afterFunc
	}
	return &Registry{
		newTimer: factory,
		entries:  map[domain.Key]*regEntry{},
	}
}

// Arm registers key and starts a timer firing after delay (clamped to zero).
// It is add-if-absent: if the key is already armed, nothing happens and Arm
// returns false. The key is registered before the timer starts, so a
// concurrent reconciliation pass cannot double-arm it.
//
// When the timer fires, the entry removes itself (whatever fire goes on to
// do), freeing the key to be re-armed if the task is ever recreated.
func (r *Registry) Arm(key domain.Key, delay time.Duration, fire func()) bool {
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.ver++
	ver := r.ver
	e := &regEntry{ver: ver}
	r.entries[key] = e
	e.stop = r.newTimer(delay, func() {
		if !r.release(key, ver) {
			// Entry was cancelled or replaced after this timer was scheduled.
			return
		}
		fire()
	})
	return true
}

// release removes the entry for key if it still holds the given version.
func (r *Registry) release(key domain.Key, ver uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.ver != ver {
		return false
	}
	delete(r.entries, key)
	return true
}

// Remove stops and drops the timer for key. Removing an absent key is a no-op.
func (r *Registry) Remove(key domain.Key) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if e.stop != nil {
		_ = e.stop()
	}
	return true
}

// Contains reports whether key currently has a live timer.
func (r *Registry) Contains(key domain.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns a snapshot of armed keys (diagnostics only).
func (r *Registry) Keys() []domain.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]domain.Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clear stops every timer and empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[domain.Key]*regEntry{}
	r.mu.Unlock()

	for _, e := range entries {
		if e.stop != nil {
			_ = e.stop()
		}
	}
}
