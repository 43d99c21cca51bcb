package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, ok, err := m.Acquire(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Acquire(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire on the same key must fail")

	// A different key is independent.
	release2, ok, err := m.Acquire(ctx, "photos/dog.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	release2()

	release()
	_, ok, err = m.Acquire(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.True(t, ok, "released key must be acquirable again")
}

func TestMemoryConcurrentAcquire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const goroutines = 32
	wins := make(chan struct{}, goroutines)
	done := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, ok, _ := m.Acquire(ctx, "same-key"); ok {
				wins <- struct{}{}
			}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	assert.Len(t, wins, 1, "exactly one goroutine may hold the lock")
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("not-a-url", 30*time.Second)
	assert.Error(t, err)
}
