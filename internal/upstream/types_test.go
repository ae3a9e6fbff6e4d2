package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDGeneratorStartsAt100AndNeverReservedID(t *testing.T) {
	g := NewIDGenerator()
	first := g.Next()
	assert.Equal(t, int64(100), first)

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		id := g.Next()
		assert.NotEqual(t, int64(subscriptionCorrelationID), id)
		assert.False(t, seen[id], "correlation id %d reused", id)
		seen[id] = true
	}
}

func TestIDGeneratorMonotonicallyIncreasing(t *testing.T) {
	g := NewIDGenerator()
	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestIDGeneratorConcurrentUseNeverDuplicates(t *testing.T) {
	g := NewIDGenerator()
	const n = 200
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func() { ids <- g.Next() }()
	}
	seen := map[int64]bool{}
	for i := 0; i < n; i++ {
		id := <-ids
		assert.False(t, seen[id], "duplicate id %d under concurrent use", id)
		seen[id] = true
	}
}
