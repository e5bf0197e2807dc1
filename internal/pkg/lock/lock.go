// Package lock provides keyed mutual exclusion.
// A Registry hands out one mutex per key, created on first use and
// discarded with Remove once the owning resource is torn down.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned by WithLockContext when the key stays held
// past the timeout.
var ErrLockTimeout = errors.New("lock: timed out waiting for key")

// Registry provides per-key locking. Game sessions are keyed by session id,
// balance operations by user id.
type Registry[K comparable] struct {
	locks sync.Map // map[K]*sync.Mutex
}

// New creates an empty Registry.
func New[K comparable]() *Registry[K] {
	return &Registry[K]{}
}

// getLock retrieves or creates the mutex for key.
func (r *Registry[K]) getLock(key K) *sync.Mutex {
	if v, ok := r.locks.Load(key); ok {
		return v.(*sync.Mutex)
	}

	// Store or load existing (handles two callers racing on a new key)
	actual, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Lock acquires the lock for key, creating it if needed.
// Do not Remove the key between Lock and Unlock; use WithLock when the
// critical section may tear the key down.
func (r *Registry[K]) Lock(key K) {
	r.getLock(key).Lock()
}

// Unlock releases the lock for key.
func (r *Registry[K]) Unlock(key K) {
	if v, ok := r.locks.Load(key); ok {
		v.(*sync.Mutex).Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (r *Registry[K]) TryLock(key K) bool {
	return r.getLock(key).TryLock()
}

// LockWithTimeout attempts to acquire the lock within timeout.
// Returns false if the timeout or ctx expired first.
func (r *Registry[K]) LockWithTimeout(ctx context.Context, key K, timeout time.Duration) bool {
	_, ok := r.lockWithTimeout(ctx, key, timeout)
	return ok
}

func (r *Registry[K]) lockWithTimeout(ctx context.Context, key K, timeout time.Duration) (*sync.Mutex, bool) {
	mu := r.getLock(key)

	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return mu, true
	case <-timeoutCtx.Done():
		// The waiting goroutine still acquires the mutex eventually; hand it straight back.
		go func() {
			<-done
			mu.Unlock()
		}()
		return nil, false
	}
}

// WithLock runs fn while holding the lock for key.
// The mutex acquired is the one released, even if fn removes the key.
func (r *Registry[K]) WithLock(key K, fn func() error) error {
	mu := r.getLock(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// WithLockContext runs fn while holding the lock for key, giving up with
// ErrLockTimeout when it cannot be acquired within timeout.
func (r *Registry[K]) WithLockContext(ctx context.Context, key K, timeout time.Duration, fn func() error) error {
	mu, ok := r.lockWithTimeout(ctx, key, timeout)
	if !ok {
		return ErrLockTimeout
	}
	defer mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// IsLocked reports whether key is currently held.
// This is a point-in-time check and may change immediately after.
func (r *Registry[K]) IsLocked(key K) bool {
	if v, ok := r.locks.Load(key); ok {
		mu := v.(*sync.Mutex)
		if mu.TryLock() {
			mu.Unlock()
			return false
		}
		return true
	}
	return false
}

// Remove discards the lock for key. Goroutines already holding or waiting on
// it keep their reference; the next Lock for key creates a fresh mutex.
func (r *Registry[K]) Remove(key K) {
	r.locks.Delete(key)
}

// Len returns the number of live keys.
func (r *Registry[K]) Len() int {
	n := 0
	r.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Ordered locks two keys in a fixed order so that concurrent pairs never deadlock.
// It returns the function that releases both.
func Ordered(r *Registry[int64], a, b int64) func() {
	if a == b {
		r.Lock(a)
		return func() { r.Unlock(a) }
	}
	first, second := a, b
	if b < a {
		first, second = b, a
	}
	r.Lock(first)
	r.Lock(second)
	return func() {
		r.Unlock(second)
		r.Unlock(first)
	}
}
