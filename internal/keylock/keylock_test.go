package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "portfolio-orchestrator/internal/errors"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	l := New(time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "bot-1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if l.Held() != 0 {
		t.Errorf("slots leaked: %d", l.Held())
	}
}

func TestAcquireDifferentKeysDoNotBlock(t *testing.T) {
	l := New(50 * time.Millisecond)
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, "bot-a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	releaseB, err := l.Acquire(ctx, "bot-b")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	releaseB()
}

func TestAcquireTimesOutWithConflict(t *testing.T) {
	l := New(20 * time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "bot-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = l.Acquire(ctx, "bot-1")
	if !apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if apperrors.KindOf(err) != apperrors.KindConflict {
		t.Errorf("kind = %s", apperrors.KindOf(err))
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(time.Second)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	if _, ok := l.TryAcquire("k"); !ok {
		t.Error("key should be free after release")
	}
}
