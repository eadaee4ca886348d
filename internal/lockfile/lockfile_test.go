package lockfile

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	c := NewCoordinator(t.TempDir())

	lock, err := c.Acquire("vm1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !c.Held("vm1") {
		t.Fatal("lock not reported as held")
	}

	if _, err := c.Acquire("vm1"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire: got %v, want ErrLockHeld", err)
	}

	// A different key is independent.
	other, err := c.Acquire("vm2")
	if err != nil {
		t.Fatalf("acquire vm2: %v", err)
	}
	other.Release()

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.Held("vm1") {
		t.Fatal("lock still held after release")
	}
	if _, err := c.Acquire("vm1"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	c := NewCoordinator(t.TempDir())
	lock, err := c.Acquire("vm1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestInspect(t *testing.T) {
	c := NewCoordinator(t.TempDir())

	info, err := c.Inspect("vm1")
	if err != nil {
		t.Fatalf("inspect free: %v", err)
	}
	if info != nil {
		t.Fatalf("inspect free: got %+v, want nil", info)
	}

	lock, err := c.Acquire("vm1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	info, err = c.Inspect("vm1")
	if err != nil {
		t.Fatalf("inspect held: %v", err)
	}
	if info == nil {
		t.Fatal("inspect held: got nil")
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.AcquiredAt.IsZero() {
		t.Fatal("acquired time not recorded")
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	c := NewCoordinator(t.TempDir())
	want := errors.New("boom")
	if err := c.WithLock("vm1", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
	if c.Held("vm1") {
		t.Fatal("lock leaked after failing fn")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	c := NewCoordinator(t.TempDir())

	const workers = 16
	var wins atomic.Int32
	var winner atomic.Pointer[Lock]
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, err := c.Acquire("shared")
			if err == nil {
				wins.Add(1)
				winner.Store(lock)
				return
			}
			if !errors.Is(err, ErrLockHeld) {
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
	winner.Load().Release()
}
