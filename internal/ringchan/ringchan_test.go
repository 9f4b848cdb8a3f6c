package ringchan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrySendDropsNewestWhenFull(t *testing.T) {
	rc := New[int](3)
	for i := 1; i <= 5; i++ {
		sent := rc.TrySend(i)
		assert.Equal(t, i <= 3, sent, "send %d", i)
	}

	assert.Equal(t, []int{1, 2, 3}, rc.Drain())
	m := rc.GetMetrics()
	assert.EqualValues(t, 3, m.Written)
	assert.EqualValues(t, 2, m.Dropped)
	assert.EqualValues(t, 3, m.Processed)
}

func TestForceSendOverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 1; i <= 5; i++ {
		rc.ForceSend(i)
	}

	assert.Equal(t, []int{3, 4, 5}, rc.Drain())
	assert.EqualValues(t, 2, rc.GetMetrics().Overwritten)
}

func TestTrySendNeverBlocksUnderContention(t *testing.T) {
	rc := New[int](4)
	var wg sync.WaitGroup
	done := make(chan struct{})

	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.TrySend(i)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producers blocked on a full channel")
	}
	m := rc.GetMetrics()
	assert.EqualValues(t, 8000, m.Written+m.Dropped)
	assert.Equal(t, 4, rc.Len())
}

func TestReceiveContext(t *testing.T) {
	rc := New[string](1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rc.ReceiveContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		rc.TrySend("job")
	}()
	v, err := rc.ReceiveContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job", v)
}

func TestCloseKeepsBufferedItemsAndIgnoresLateSends(t *testing.T) {
	rc := New[int](2)
	rc.TrySend(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.TrySend(2))
	assert.False(t, rc.ForceSend(3))

	v, err := rc.ReceiveContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = rc.ReceiveContext(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.EqualValues(t, 2, rc.GetMetrics().Dropped)
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
