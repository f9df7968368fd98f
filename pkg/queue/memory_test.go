package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Send(ctx, "first", "a"))
	require.NoError(t, q.Send(ctx, "second", "b"))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "first", msg.Body)

	msg, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", msg.Body)

	msg, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMemoryQueueDepthExcludesProcessing(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Send(ctx, "one", "a"))
	require.NoError(t, q.Send(ctx, "two", "b"))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, q.Delete(ctx, msg.Receipt))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestMemoryQueueReceiveWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	start := time.Now()
	msg, err := q.ReceiveWait(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryQueueReceiveWaitWakesOnSend(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Send(ctx, "late", "a")
	}()

	msg, err := q.ReceiveWait(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "late", msg.Body)
}

func TestMemoryQueueReceiveWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemoryQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.ReceiveWait(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueuePurge(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Send(ctx, "one", "a"))
	require.NoError(t, q.Purge(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestMemoryRegistryReusesQueues(t *testing.T) {
	r := NewMemoryRegistry()

	a, err := r.ServiceQueue("ghcr.io/example/subset:stable")
	require.NoError(t, err)
	b, err := r.ServiceQueue("ghcr.io/example/subset:stable")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := r.ServiceQueue("ghcr.io/example/reproject:stable")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
}
