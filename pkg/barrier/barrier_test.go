package barrier

import (
	"context"
	"sync"
	"testing"
	"time"
)

func Test_BeginQuery_EndQuery_Keeps_Counter_Balanced(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.BeginQuery(); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}

	if got := b.NumberOfQueries(); got != 1 {
		t.Fatalf("NumberOfQueries = %d, want 1", got)
	}

	if err := b.EndQuery(); err != nil {
		t.Fatalf("EndQuery: %v", err)
	}

	if got := b.NumberOfQueries(); got != 0 {
		t.Fatalf("NumberOfQueries = %d, want 0", got)
	}
}

func Test_WaitDrained_Returns_Immediately_When_Counter_Already_Zero(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := b.WaitDrained(ctx); err != nil {
		t.Fatalf("WaitDrained: %v", err)
	}
}

func Test_WaitDrained_Blocks_Until_Last_Query_Ends(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.BeginQuery(); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}

	drained := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		drained <- b.WaitDrained(ctx)
	}()

	select {
	case err := <-drained:
		t.Fatalf("WaitDrained returned early (err=%v) while a query is still running", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.EndQuery(); err != nil {
		t.Fatalf("EndQuery: %v", err)
	}

	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("WaitDrained: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDrained did not unblock after EndQuery")
	}
}

func Test_WaitDrained_Respects_Context_Cancellation(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.BeginQuery(); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := b.WaitDrained(ctx); err == nil {
		t.Fatal("WaitDrained should have returned context deadline error")
	}
}

func Test_LockRegionShared_Allows_Concurrent_Readers_But_Excludes_Exclusive(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	releaseA, err := b.LockRegionShared()
	if err != nil {
		t.Fatalf("LockRegionShared (A): %v", err)
	}

	releaseB, err := b.LockRegionShared()
	if err != nil {
		t.Fatalf("LockRegionShared (B) should not block on another shared holder: %v", err)
	}

	exclusiveAcquired := make(chan struct{})

	go func() {
		release, err := b.LockRegionExclusive()
		if err != nil {
			return
		}

		close(exclusiveAcquired)
		release()
	}()

	select {
	case <-exclusiveAcquired:
		t.Fatal("exclusive lock acquired while shared locks still held")
	case <-time.After(50 * time.Millisecond):
	}

	releaseA()
	releaseB()

	select {
	case <-exclusiveAcquired:
	case <-time.After(2 * time.Second):
		t.Fatal("exclusive lock never acquired after shared locks released")
	}
}

func Test_BeginPublish_Serializes_Concurrent_Publishers(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	const n = 8

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)

	wg.Add(n)

	for range n {
		go func() {
			defer wg.Done()

			release, err := b.BeginPublish()
			if err != nil {
				t.Errorf("BeginPublish: %v", err)
				return
			}

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()

			release()
		}()
	}

	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("max concurrent publishers = %d, want 1", maxSeen)
	}
}
