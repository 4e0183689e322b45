// ABOUTME: Tests for the host port allocator
// ABOUTME: Covers acquire/release ordering, exhaustion, and concurrent exclusivity

package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_AcquireRelease(t *testing.T) {
	a, err := NewAllocator(8100, 4)
	require.NoError(t, err)

	p1, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 8100, p1)

	p2, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 8101, p2)

	a.Release(p1)

	// Lowest free port is reused.
	p3, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 8100, p3)
}

func TestAllocator_Exhausted(t *testing.T) {
	a, err := NewAllocator(8100, 2)
	require.NoError(t, err)

	_, err = a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	require.NoError(t, err)

	_, err = a.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAllocator_DoubleReleaseIsNoOp(t *testing.T) {
	a, err := NewAllocator(8100, 2)
	require.NoError(t, err)

	p1, err := a.Acquire()
	require.NoError(t, err)

	a.Release(p1)
	a.Release(p1)
	a.Release(9999)

	assert.Equal(t, 0, a.InUse())

	// The pool must not have been corrupted: both ports still allocatable.
	_, err = a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAllocator_InvalidRange(t *testing.T) {
	_, err := NewAllocator(0, 10)
	assert.Error(t, err)

	_, err = NewAllocator(65530, 10)
	assert.Error(t, err)

	_, err = NewAllocator(8100, 0)
	assert.Error(t, err)
}

func TestAllocator_ConcurrentExclusivity(t *testing.T) {
	const workers = 32
	a, err := NewAllocator(8100, workers)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Acquire()
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[p], "port %d handed out twice", p)
			seen[p] = true
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers)
}
