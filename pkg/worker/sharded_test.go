package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedPoolKeepsKeyOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	p := NewShardedPool(4, 2048, func(_ context.Context, w [2]int) error {
		key := fmt.Sprintf("key-%d", w[0])
		mu.Lock()
		seen[key] = append(seen[key], w[1])
		mu.Unlock()
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	// Interleave sequences for several keys so they spread across lanes.
	for seq := 0; seq < 200; seq++ {
		for key := 0; key < 8; key++ {
			require.NoError(t, p.Submit(fmt.Sprintf("key-%d", key), [2]int{key, seq}))
		}
	}
	require.NoError(t, p.Stop(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 8)
	for key, got := range seen {
		require.Len(t, got, 200, key)
		for i, v := range got {
			require.Equal(t, i, v, "sequence for %s scrambled at position %d", key, i)
		}
	}
}

func TestShardedPoolSameKeySameLane(t *testing.T) {
	p := NewShardedPool(8, 1, func(context.Context, int) error { return nil })
	assert.Equal(t, p.laneFor("sensor-a"), p.laneFor("sensor-a"))
}

func TestShardedPoolDropsWhenLaneFull(t *testing.T) {
	block := make(chan struct{})
	p := NewShardedPool(2, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	// One key pins one lane: first item occupies its worker, second fills
	// the lane queue, a third must be dropped.
	var dropped bool
	for i := 0; i < 4; i++ {
		if err := p.Submit("same-key", i); errors.Is(err, ErrQueueFull) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "expected ErrQueueFull once the lane is at capacity")
	assert.Greater(t, p.Stats().Dropped, int64(0))

	close(block)
	require.NoError(t, p.Stop(2*time.Second))
}

func TestShardedPoolLifecycle(t *testing.T) {
	p := NewShardedPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, p.Submit("k", 1), ErrPoolNotStarted)
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit("k", 1), ErrPoolStopped)
}
