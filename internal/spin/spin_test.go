package spin_test

import (
	"sync"
	"testing"

	"gosuda.org/shmq/internal/spin"
)

func TestLockUnlock(t *testing.T) {
	var word uint64
	var l spin.Lock
	l.Init(&word)

	l.Lock()
	if word != 1 {
		t.Fatalf("lock word = %d, want 1", word)
	}
	l.Unlock()
	if word != 0 {
		t.Fatalf("lock word = %d, want 0", word)
	}
}

func TestZero(t *testing.T) {
	word := uint64(1)
	var l spin.Lock
	l.Init(&word)

	l.Zero()
	if word != 0 {
		t.Fatalf("lock word = %d, want 0", word)
	}

	// The zeroed lock must be acquirable.
	l.Lock()
	l.Unlock()
}

// Two views of the same cell behave like one lock, the way two processes
// mapping the same segment share a lock word.
func TestSharedViews(t *testing.T) {
	var word uint64
	var a, b spin.Lock
	a.Init(&word)
	b.Init(&word)

	a.Lock()
	if word != 1 {
		t.Fatalf("lock word = %d, want 1", word)
	}
	b.Unlock()
	if word != 0 {
		t.Fatalf("lock word = %d, want 0", word)
	}

	b.Lock()
	b.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	const (
		holders    = 8
		increments = 10_000
	)

	var word uint64
	counter := 0

	var wg sync.WaitGroup
	wg.Add(holders)
	for i := 0; i < holders; i++ {
		go func() {
			defer wg.Done()
			// Each holder gets its own view, as a process would.
			var l spin.Lock
			l.Init(&word)
			for j := 0; j < increments; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != holders*increments {
		t.Fatalf("counter = %d, want %d", counter, holders*increments)
	}
}
