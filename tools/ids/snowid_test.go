package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUniqueAndIncreasing(t *testing.T) {
	prev := Generate()
	for i := 0; i < 5000; i++ {
		id := Generate()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerateConcurrent(t *testing.T) {
	const workers, per = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*per)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id := Generate()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}

func TestSetNodeIDOutOfRange(t *testing.T) {
	SetNodeID(5000)
	id := Generate()
	assert.Equal(t, int64(1), (id>>12)&0x3FF)
	SetNodeID(7)
	id = Generate()
	assert.Equal(t, int64(7), (id>>12)&0x3FF)
	SetNodeID(1)
}
