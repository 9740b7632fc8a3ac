package lockfree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestArenaAllocUnique tests that allocated handles are distinct and stable
func TestArenaAllocUnique(t *testing.T) {
	a := NewArena[item](nil)

	n := 3*ChunkSize + 17
	seen := make(map[Handle]bool, n)
	ptrs := make(map[Handle]*item, n)
	for i := 0; i < n; i++ {
		h := a.Alloc()
		require.NotEqual(t, Nil, h)
		require.False(t, seen[h], "handle %d handed out twice", h)
		seen[h] = true
		ptrs[h] = a.Get(h)
		ptrs[h].key = i
	}
	assert.Equal(t, 4, a.Chunks())

	// growth must not move earlier payloads
	for h, p := range ptrs {
		assert.Same(t, p, a.Get(h))
	}
}

// TestArenaFreeReuse tests that freed handles are recycled before growing
func TestArenaFreeReuse(t *testing.T) {
	a := NewArena[item](nil)

	h := a.Alloc()
	a.Free(h)
	assert.Equal(t, h, a.Alloc())
	assert.Equal(t, 1, a.Chunks())
}

// TestArenaOnGrow tests the bulk initialisation hook
func TestArenaOnGrow(t *testing.T) {
	calls := 0
	a := NewArena[item](func(fresh []*item) {
		calls++
		for i, v := range fresh {
			v.key = 1000 + i
		}
	})

	first := a.Alloc()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1000, a.Get(first).key)

	for i := 1; i < ChunkSize; i++ {
		h := a.Alloc()
		assert.GreaterOrEqual(t, a.Get(h).key, 1000)
	}
	assert.Equal(t, 1, calls)

	a.Alloc()
	assert.Equal(t, 2, calls)
}

// TestArenaReset tests dropping all chunks
func TestArenaReset(t *testing.T) {
	a := NewArena[item](nil)
	for i := 0; i < ChunkSize+1; i++ {
		a.Alloc()
	}
	require.Equal(t, 2, a.Chunks())

	a.ResetNonThreadSafe()
	assert.Equal(t, 0, a.Chunks())

	h := a.Alloc()
	assert.Equal(t, Handle(1), h)
	assert.Equal(t, 0, a.Get(h).key)
}

// TestArenaConcurrentAlloc tests concurrent allocation across refills
func TestArenaConcurrentAlloc(t *testing.T) {
	a := NewArena[item](nil)

	goroutines := 8
	perGoroutine := 1500
	results := make([][]Handle, goroutines)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				h := a.Alloc()
				results[g] = append(results[g], h)
				if i%4 == 0 {
					a.Free(h)
					results[g] = results[g][:len(results[g])-1]
				}
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[Handle]bool)
	for _, hs := range results {
		for _, h := range hs {
			assert.False(t, seen[h], "handle %d owned twice", h)
			seen[h] = true
		}
	}
}
