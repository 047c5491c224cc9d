// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package platform provides the small set of OS-level
// primitives the rest of the runtime builds on: a scoped mutex
// guard, a condition variable pairing (via sync.Cond), a
// monotonic high-resolution clock, and a thread-local-storage
// stand-in.
//
// Go has no native TLS and exposes no goroutine identity, so
// Local is not keyed by the calling goroutine; instead it is
// keyed explicitly by the caller (see Local.Get/Set), matching how the runtime
// actually uses it: one slot per worker goroutine that the
// caller already tracks by some handle (worker index, recorder
// pointer, etc.), not an implicit per-goroutine slot.
package platform

import (
	"sync"
	"time"
)

// start is used as the zero point for Now, so that returned
// values are small and stable within a process lifetime.
var start = time.Now()

// Now returns a monotonic timestamp in seconds.
// It is suitable for measuring elapsed time (e.g., benchmark
// mode in the command recorder) but carries no meaning across
// process boundaries.
func Now() float64 { return time.Since(start).Seconds() }

// Guard acquires mu and returns a function that releases it.
// The intended use is:
//
//	defer platform.Guard(&mu)()
//
// which acquires the mutex immediately and releases it on every
// exit path of the enclosing function, mirroring a scoped lock
// guard.
func Guard(mu *sync.Mutex) func() {
	mu.Lock()
	return mu.Unlock
}

// RGuard is Guard for a sync.RWMutex held for reading.
func RGuard(mu *sync.RWMutex) func() {
	mu.RLock()
	return mu.RUnlock
}

// WGuard is Guard for a sync.RWMutex held for writing.
func WGuard(mu *sync.RWMutex) func() {
	mu.Lock()
	return mu.Unlock
}

// Cond wraps sync.Cond with a contract matching the spec's
// condvar requirement: Wait releases L, blocks, and reacquires
// L atomically with respect to Signal/Broadcast.
type Cond struct {
	*sync.Cond
}

// NewCond creates a Cond using mu as its locker.
func NewCond(mu sync.Locker) Cond { return Cond{sync.NewCond(mu)} }

// Local is a thread-local-storage stand-in: one value of type V
// per key of type K, cleared lazily (entries are only ever removed by an
// explicit Delete, never by a background sweep).
type Local[K comparable, V any] struct {
	m sync.Map // K -> V
}

// Get returns the value stored for key, or the zero value and
// false if no value has been set.
func (l *Local[K, V]) Get(key K) (V, bool) {
	v, ok := l.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Set stores val for key.
func (l *Local[K, V]) Set(key K, val V) { l.m.Store(key, val) }

// Delete clears the slot for key, if any.
func (l *Local[K, V]) Delete(key K) { l.m.Delete(key) }
