package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/guestctl/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestFutureResolveOnce(t *testing.T) {
	f := New[int]()
	require.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))
	assert.False(t, f.Fail(errors.New("late")))
	assert.False(t, f.Cancel())

	for i := 0; i < 3; i++ {
		v, err := f.Await(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	}
}

func TestFutureCancelIsStable(t *testing.T) {
	f := New[string]()
	require.True(t, f.Cancel())
	assert.False(t, f.Resolve("x"))

	for i := 0; i < 3; i++ {
		_, err := f.Await(context.Background(), 0)
		assert.ErrorIs(t, err, protocol.ErrCancelled)
	}
}

func TestFutureTimeoutLeavesIncomplete(t *testing.T) {
	f := New[int]()
	start := time.Now()
	_, err := f.Await(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// a later resolution is still observable by a fresh wait
	require.True(t, f.Resolve(5))
	v, err := f.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestFutureContextDone(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Await(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureConcurrentResolvers(t *testing.T) {
	f := New[int]()
	var wins int
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		g.Go(func() error {
			if f.Resolve(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, wins)

	first, err := f.Await(context.Background(), time.Second)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		v, err := f.Await(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, first, v)
	}
}

func TestRegistryRingSkipsLiveSlots(t *testing.T) {
	r := NewRegistry[int](4)

	var counts []uint32
	for i := 0; i < 4; i++ {
		c, _, err := r.Register()
		require.NoError(t, err)
		counts = append(counts, c)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3}, counts)

	_, _, err := r.Register()
	assert.ErrorIs(t, err, protocol.ErrResourceExhausted)

	// free slot 2; the ring must land on it and nothing else
	f, ok := r.Take(2)
	require.True(t, ok)
	f.Resolve(0)

	c, _, err := r.Register()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c)
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry[int](0)
	_, f1, err := r.Register()
	require.NoError(t, err)
	_, f2, err := r.Register()
	require.NoError(t, err)

	assert.Equal(t, 2, r.CancelAll())
	assert.Equal(t, 0, r.Len())

	for _, f := range []*Future[int]{f1, f2} {
		_, err := f.Await(context.Background(), time.Second)
		assert.ErrorIs(t, err, protocol.ErrCancelled)
	}
}
