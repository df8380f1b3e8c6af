package scheduler

import (
	"sync"
	"testing"
	"time"

	"contestbot/internal/domain"
)

// fakeTimers captures timer callbacks so tests control firing order without
// wall clocks. Callbacks are never invoked from the factory call itself.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (f *fakeTimers) factory(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// fire invokes the i-th timer's callback, like time.AfterFunc expiring.
func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	t := f.timers[i]
	if t.stopped || t.fired {
		f.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func key(typ domain.TaskType, ref int64) domain.Key {
	return domain.Key{Type: typ, ReferenceID: ref}
}

func TestRegistryArmIsAddIfAbsent(t *testing.T) {
	t.Parallel()
	ft := &fakeTimers{}
	r := NewRegistry(ft.factory)
	k := key(domain.TaskPostPublish, 1)

	if !r.Arm(k, time.Minute, func() {}) {
		t.Fatal("first Arm should succeed")
	}
	if r.Arm(k, time.Minute, func() {}) {
		t.Fatal("second Arm for the same key should be rejected")
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if ft.count() != 1 {
		t.Fatalf("timers created = %d, want 1", ft.count())
	}
}

func TestRegistryFireRemovesEntryAndRunsOnce(t *testing.T) {
	t.Parallel()
	ft := &fakeTimers{}
	r := NewRegistry(ft.factory)
	k := key(domain.TaskContestFinish, 7)

	fired := 0
	r.Arm(k, 0, func() { fired++ })

	ft.fire(0)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if r.Contains(k) {
		t.Fatal("entry should remove itself on fire")
	}

	// The slot is free again after firing.
	if !r.Arm(k, 0, func() { fired++ }) {
		t.Fatal("re-arm after fire should succeed")
	}
}

func TestRegistryRemoveSuppressesPendingFire(t *testing.T) {
	t.Parallel()
	ft := &fakeTimers{}
	r := NewRegistry(ft.factory)
	k := key(domain.TaskPostPublish, 3)

	fired := false
	r.Arm(k, time.Hour, func() { fired = true })

	if !r.Remove(k) {
		t.Fatal("Remove of an armed key should report true")
	}
	if r.Remove(k) {
		t.Fatal("Remove of an absent key should report false")
	}

	// Even if the stop raced the expiry, the version check must win.
	ft.mu.Lock()
	ft.timers[0].stopped = false
	ft.mu.Unlock()
	ft.fire(0)
	if fired {
		t.Fatal("callback ran after Remove")
	}
}

func TestRegistryStaleCallbackAfterRearmIsIgnored(t *testing.T) {
	t.Parallel()
	ft := &fakeTimers{}
	r := NewRegistry(ft.factory)
	k := key(domain.TaskContestFinish, 9)

	var got []string
	r.Arm(k, time.Hour, func() { got = append(got, "old") })
	r.Remove(k)
	r.Arm(k, time.Hour, func() { got = append(got, "new") })

	// Simulate the first timer expiring despite its stop having been called.
	ft.mu.Lock()
	ft.timers[0].stopped = false
	ft.mu.Unlock()
	ft.fire(0)
	ft.fire(1)

	if len(got) != 1 || got[0] != "new" {
		t.Fatalf("fires = %v, want only the re-armed callback", got)
	}
}

func TestRegistryConcurrentArmSingleWinner(t *testing.T) {
	t.Parallel()
	ft := &fakeTimers{}
	r := NewRegistry(ft.factory)
	k := key(domain.TaskPostPublish, 42)

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Arm(k, time.Minute, func() {}) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("concurrent Arm winners = %d, want 1", won)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryClear(t *testing.T) {
	t.Parallel()
	ft := &fakeTimers{}
	r := NewRegistry(ft.factory)
	r.Arm(key(domain.TaskPostPublish, 1), time.Hour, func() {})
	r.Arm(key(domain.TaskContestFinish, 1), time.Hour, func() {})

	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", r.Len())
	}
	for i := range ft.timers {
		if !ft.timers[i].stopped {
			t.Fatalf("timer %d not stopped by Clear", i)
		}
	}
}
