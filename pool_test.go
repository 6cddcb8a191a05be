package memcached

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirecache/memcached/internal/testutils"
	"github.com/wirecache/memcached/protocol"
)

// mockConstructor builds healthy connections over scripted mocks and
// counts how many were dialed.
func mockConstructor(dialed *atomic.Int32) func(ctx context.Context) (*Conn, error) {
	return func(ctx context.Context) (*Conn, error) {
		if dialed != nil {
			dialed.Add(1)
		}
		return NewConn(testutils.NewConnectionMock(), protocol.NewCodec(protocol.TextProtocol, 0)), nil
	}
}

func testPoolImplementations(t *testing.T, test func(t *testing.T, factory PoolFactory)) {
	t.Run("puddle", func(t *testing.T) { test(t, NewPuddlePool) })
	t.Run("channel", func(t *testing.T) { test(t, NewChannelPool) })
}

func TestPoolAcquireRelease(t *testing.T) {
	testPoolImplementations(t, func(t *testing.T, factory PoolFactory) {
		var dialed atomic.Int32
		pool, err := factory(mockConstructor(&dialed), 2)
		require.NoError(t, err)
		defer pool.Close()

		res, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.NotNil(t, res.Value())
		assert.Equal(t, int32(1), dialed.Load())

		res.Release()

		// A released connection is reused, not re-dialed.
		res, err = pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), dialed.Load())
		res.Release()
	})
}

func TestPoolCapacityBound(t *testing.T) {
	testPoolImplementations(t, func(t *testing.T, factory PoolFactory) {
		const maxSize = 3

		var dialed atomic.Int32
		pool, err := factory(mockConstructor(&dialed), maxSize)
		require.NoError(t, err)
		defer pool.Close()

		resources := make([]Resource, maxSize)
		for i := range resources {
			resources[i], err = pool.Acquire(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, int32(maxSize), dialed.Load())

		// The K+1th acquire must wait until a lease comes back.
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = pool.Acquire(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		resources[0].Release()
		res, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(maxSize), dialed.Load(), "no connection beyond the cap is ever dialed")

		res.Release()
		for _, r := range resources[1:] {
			r.Release()
		}
	})
}

func TestPoolDestroyFreesSlot(t *testing.T) {
	testPoolImplementations(t, func(t *testing.T, factory PoolFactory) {
		var dialed atomic.Int32
		pool, err := factory(mockConstructor(&dialed), 1)
		require.NoError(t, err)
		defer pool.Close()

		res, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		res.Destroy()

		res, err = pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), dialed.Load(), "destroy must free the slot for a fresh dial")
		res.Release()
	})
}

func TestPoolConstructorFailure(t *testing.T) {
	testPoolImplementations(t, func(t *testing.T, factory PoolFactory) {
		pool, err := factory(func(ctx context.Context) (*Conn, error) {
			return nil, assert.AnError
		}, 1)
		require.NoError(t, err)
		defer pool.Close()

		_, err = pool.Acquire(context.Background())
		require.ErrorIs(t, err, assert.AnError)

		// The failed dial must not leak the slot.
		pool2, err := factory(mockConstructor(nil), 1)
		require.NoError(t, err)
		defer pool2.Close()
	})
}

func TestPoolAcquireAllIdle(t *testing.T) {
	testPoolImplementations(t, func(t *testing.T, factory PoolFactory) {
		pool, err := factory(mockConstructor(nil), 3)
		require.NoError(t, err)
		defer pool.Close()

		a, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		b, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		a.Release()
		b.Release()

		idle := pool.AcquireAllIdle()
		assert.Len(t, idle, 2)
		for _, res := range idle {
			res.ReleaseUnused()
		}
	})
}

func TestNonBlockingChannelPoolExhaustion(t *testing.T) {
	pool, err := NewNonBlockingChannelPool(mockConstructor(nil), 1)
	require.NoError(t, err)
	defer pool.Close()

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted, "full non-blocking pool fails fast")

	res.Release()
	res, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	res.Release()
}

func TestChannelPoolDropsBrokenConnections(t *testing.T) {
	var dialed atomic.Int32
	pool, err := NewChannelPool(mockConstructor(&dialed), 1)
	require.NoError(t, err)
	defer pool.Close()

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Break the connection, then release it: it must not rejoin the
	// idle set.
	res.Value().Close()
	require.True(t, res.Value().IsBroken())
	res.Release()

	res, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Value().IsBroken(), "a broken connection must never be handed out again")
	assert.Equal(t, int32(2), dialed.Load())
	res.Release()
}

func TestChannelPoolClosedAcquire(t *testing.T) {
	pool, err := NewChannelPool(mockConstructor(nil), 1)
	require.NoError(t, err)

	pool.Close()

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestChannelPoolStats(t *testing.T) {
	pool, err := NewChannelPool(mockConstructor(nil), 2)
	require.NoError(t, err)
	defer pool.Close()

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.AcquireCount)
	assert.Equal(t, uint64(1), stats.CreatedConns)
	assert.Equal(t, int32(1), stats.TotalConns)
	assert.Equal(t, int32(1), stats.ActiveConns)

	res.Release()
	stats = pool.Stats()
	assert.Equal(t, int32(1), stats.IdleConns)
	assert.Equal(t, int32(0), stats.ActiveConns)
}
