package ids

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDGenerator_Version4(t *testing.T) {
	id := UUIDGenerator{}.Generate()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.Len(t, id, 36)
}

func TestUUIDGenerator_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := UUIDGenerator{}.Generate()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSequence_ListThenPrefix(t *testing.T) {
	gen := NewSequence("s", "a", "b")

	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Equal(t, "s-3", gen.Generate())
	assert.Equal(t, "s-4", gen.Generate())
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	gen := NewSequence("id")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			defer mu.Unlock()
			seen[id] = true
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
}

func TestOr(t *testing.T) {
	assert.IsType(t, UUIDGenerator{}, Or(nil))
}
