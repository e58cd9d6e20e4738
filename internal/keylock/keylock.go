// Package keylock provides one exclusive-access boundary per key with a bounded wait.
package keylock

import (
	"context"
	"sync"
	"time"

	apperrors "portfolio-orchestrator/internal/errors"
)

// Locker hands out exclusive access per key. Waiters give up after the configured
// wait and receive a ConflictError so the caller can retry.
type Locker struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// New creates a Locker. A non-positive wait means callers only wait for ctx.
func New(wait time.Duration) *Locker {
	return &Locker{
		wait:  wait,
		slots: make(map[string]*slot),
	}
}

// Acquire blocks until the key is free, the wait elapses, or ctx is done.
// The returned function releases the key and must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	s := l.ref(key)

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.unref(key)
			})
		}, nil
	case <-timeout:
		l.unref(key)
		return nil, apperrors.NewConflictError(key)
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the key only if it is free right now.
func (l *Locker) TryAcquire(key string) (func(), bool) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.unref(key)
			})
		}, true
	default:
		l.unref(key)
		return nil, false
	}
}

func (l *Locker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held returns the number of keys currently referenced. Used by tests.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
