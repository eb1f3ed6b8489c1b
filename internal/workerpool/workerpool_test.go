package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := New(2)
	ctx := context.Background()

	require.NoError(t, pool.Acquire(ctx))
	require.NoError(t, pool.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = pool.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire should have blocked while the pool was full")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third Acquire should have unblocked after Release")
	}
}

func TestPoolAcquireRespectsContext(t *testing.T) {
	pool := New(1)
	require.NoError(t, pool.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolInfinityNeverBlocks(t *testing.T) {
	pool := New(Infinity)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Acquire(ctx))
	}
	// Release on an unbounded pool is a no-op; it must not panic.
	pool.Release()
}

func TestPoolMinimumSizeIsOne(t *testing.T) {
	pool := New(0)
	ctx := context.Background()
	require.NoError(t, pool.Acquire(ctx))

	ctx2, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Acquire(ctx2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultSize(t *testing.T) {
	assert.Equal(t, 8, DefaultSize(4))
	assert.Equal(t, 2, DefaultSize(1))
}
