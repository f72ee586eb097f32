package multimutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMutexExclusion checks that holders of the same ID are serialized while
// different IDs do not block each other.
func TestMutexExclusion(t *testing.T) {
	t.Parallel()

	m := NewMutex[string]()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.Lock("a")
			counter++
			m.Unlock("a")
		}()
	}

	// A different ID is independent of the goroutines above.
	m.Lock("b")
	m.Unlock("b")

	wg.Wait()
	require.Equal(t, 50, counter)
	require.Empty(t, m.mutexes)
}

// TestMutexDoubleUnlock asserts unlocking an unknown ID panics.
func TestMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	m := NewMutex[int]()
	require.Panics(t, func() {
		m.Unlock(1)
	})
}
