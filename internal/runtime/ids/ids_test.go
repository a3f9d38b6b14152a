package ids

import (
	"strings"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewULIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := 0; i < total; i++ {
		generated[i] = NewULID()
	}

	for i := 0; i < total; i++ {
		if len(generated[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(generated[i]))
		}
		if _, err := ulid.Parse(generated[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if generated[i-1] >= generated[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", generated[i-1], generated[i])
		}
	}
}

func TestNewULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, goroutines*perGoroutine)
		wg   sync.WaitGroup
	)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := NewULID()
				mu.Lock()
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestNewInstanceID(t *testing.T) {
	t.Run("prefixes service name", func(t *testing.T) {
		id := NewInstanceID("myservice")
		if !strings.HasPrefix(id, "myservice-") {
			t.Fatalf("expected service name prefix, got %s", id)
		}
		if _, err := ulid.Parse(strings.TrimPrefix(id, "myservice-")); err != nil {
			t.Fatalf("expected ULID suffix, got %v", err)
		}
	})

	t.Run("empty name falls back to bare ULID", func(t *testing.T) {
		id := NewInstanceID("  ")
		if _, err := ulid.Parse(id); err != nil {
			t.Fatalf("expected bare ULID, got %q (%v)", id, err)
		}
	})
}
