package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorStartsAtGivenValue(t *testing.T) {
	a := NewAllocator(5)
	assert.Equal(t, uint64(5), a.Next())
	assert.Equal(t, uint64(6), a.Next())
}

func TestAllocatorDefaultStartsAtOne(t *testing.T) {
	a := NewReactionIDAllocator()
	assert.Equal(t, uint64(1), a.Next())
	assert.Equal(t, uint64(2), a.Next())
}

func TestAllocatorConcurrentUseYieldsUniqueValues(t *testing.T) {
	a := NewTaskIDAllocator()
	const n = 1000
	seen := make(chan uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- a.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool, n)
	for v := range seen {
		require.False(t, unique[v], "duplicate id allocated: %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, n)
}

func TestPoolAndGroupIDAllocatorsStartAfterReservedIDs(t *testing.T) {
	assert.Equal(t, uint64(2), NewPoolIDAllocator().Next())
	assert.Equal(t, uint64(1), NewGroupIDAllocator().Next())
}

func TestPriorityString(t *testing.T) {
	cases := map[Priority]string{
		IDLE:     "IDLE",
		LOW:      "LOW",
		NORMAL:   "NORMAL",
		HIGH:     "HIGH",
		REALTIME: "REALTIME",
		Priority(99): "UNKNOWN",
	}
	for p, want := range cases {
		assert.Equal(t, want, p.String())
	}
}

func TestHashEventTypeIsStableAndDistinct(t *testing.T) {
	h1 := HashEventType("myapp/sensors.Reading")
	h2 := HashEventType("myapp/sensors.Reading")
	h3 := HashEventType("myapp/sensors.Other")

	assert.Equal(t, h1, h2, "hash must be stable across calls")
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1.String(), 32)
}
