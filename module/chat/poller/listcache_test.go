package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCacheSkipsWithinValidity(t *testing.T) {
	c := NewListCache[string](8, 50*time.Millisecond)
	var calls atomic.Int32
	fetch := func(context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"u1", "u2"}, nil
	}

	v, err := c.Get(context.Background(), "members:c1", fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, v)
	_, _ = c.Get(context.Background(), "members:c1", fetch)
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		_, _ = c.Get(context.Background(), "members:c1", fetch)
		return calls.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestListCacheDoesNotCacheErrors(t *testing.T) {
	c := NewListCache[string](8, time.Minute)
	var calls atomic.Int32
	fetch := func(context.Context) ([]string, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return []string{"u1"}, nil
	}

	_, err := c.Get(context.Background(), "k", fetch)
	assert.Error(t, err)
	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, v)
}

func TestListCacheSharesInflightFetch(t *testing.T) {
	c := NewListCache[int](8, time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]int, error) {
		calls.Add(1)
		<-release
		return []int{1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", fetch)
			assert.NoError(t, err)
			assert.Equal(t, []int{1}, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestListCacheInvalidate(t *testing.T) {
	c := NewListCache[int](8, time.Minute)
	var calls atomic.Int32
	fetch := func(context.Context) ([]int, error) { calls.Add(1); return []int{1}, nil }

	_, _ = c.Get(context.Background(), "k", fetch)
	c.Invalidate("k")
	_, _ = c.Get(context.Background(), "k", fetch)
	assert.Equal(t, int32(2), calls.Load())
}
