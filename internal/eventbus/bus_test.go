package eventbus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	key string
	seq int
}

func TestSameKeyKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}

	b := New(4, 256, func(_ context.Context, it item) error {
		mu.Lock()
		seen[it.key] = append(seen[it.key], it.seq)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, b.Publish(k, item{key: k, seq: i}))
		}
	}
	require.NoError(t, b.Close(context.Background()))

	for _, k := range []string{"a", "b", "c"} {
		require.Len(t, seen[k], 50)
		for i, s := range seen[k] {
			assert.Equal(t, i, s)
		}
	}
	st := b.Stats()
	assert.Equal(t, int64(150), st.PublishedCount)
	assert.Equal(t, int64(150), st.ProcessedCount)
}

func TestPublishFullQueueDrops(t *testing.T) {
	release := make(chan struct{})
	b := New(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})

	require.NoError(t, b.Publish("k", 1))
	// The consumer may or may not have taken the first event yet.
	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = b.Publish("k", 2)
	}
	assert.ErrorIs(t, full, ErrQueueFull)
	assert.GreaterOrEqual(t, b.Stats().DroppedCount, int64(1))

	close(release)
	require.NoError(t, b.Close(context.Background()))
	assert.ErrorIs(t, b.Publish("k", 3), ErrClosed)
}

func TestHandlerErrorsAreCounted(t *testing.T) {
	b := New(2, 16, func(_ context.Context, v int) error {
		if v%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(strconv.Itoa(i), i))
	}
	require.NoError(t, b.Close(context.Background()))
	st := b.Stats()
	assert.Equal(t, int64(5), st.FailedCount)
	assert.Equal(t, int64(5), st.ProcessedCount)
}

func TestCloseHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	b := New(1, 4, func(ctx context.Context, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, b.Publish("k", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
	close(release)
}
