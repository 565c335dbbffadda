package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowBurstAndRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(2, 3, WithClock(clock))

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("market:overview"), "token %d", i)
	}
	assert.False(t, l.Allow("market:overview"))
	assert.True(t, l.Allow("symbols:top"), "keys have separate buckets")

	clock.Advance(500 * time.Millisecond)
	assert.True(t, l.Allow("market:overview"))
	assert.False(t, l.Allow("market:overview"))

	clock.Advance(time.Hour)
	assert.InDelta(t, 3.0, l.Tokens("market:overview"), 1e-9)
}

func TestWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(1, 1, WithClock(clock))
	require.True(t, l.Allow("k"))

	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background(), "k") }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestWaitCancelled(t *testing.T) {
	l := New(0.001, 1)
	require.True(t, l.Allow("k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, "k"), context.Canceled)

	zero := New(0, 1)
	require.True(t, zero.Allow("k"))
	assert.ErrorIs(t, zero.Wait(context.Background(), "k"), ErrLimited)
}
