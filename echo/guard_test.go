package echo

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCompletionGuard_FinishOnce(t *testing.T) {
	t.Parallel()

	var g completionGuard
	var calls int

	won := g.tryFinish(nil, func(error) { calls++ })
	require.True(t, won)
	require.Equal(t, 1, calls)

	won = g.tryFinish(status.Error(codes.Canceled, "late"), func(error) { calls++ })
	assert.False(t, won)
	assert.Equal(t, 1, calls, "terminal action must run at most once")
}

func TestCompletionGuard_ConcurrentRace(t *testing.T) {
	t.Parallel()

	// Simulate read-done, write-done, cancel-notify and an alarm all
	// racing to terminate the same call.
	for i := 0; i < 200; i++ {
		var g completionGuard
		var winners atomic.Int32

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.tryFinish(nil, func(error) { winners.Add(1) })
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), winners.Load(), "exactly one completion path must win")
	}
}

func TestCompletionGuard_IfNotFinished(t *testing.T) {
	t.Parallel()

	var g completionGuard

	ran := false
	g.ifNotFinished(func() { ran = true })
	require.True(t, ran, "gated work must run before the terminal action")

	g.tryFinish(nil, func(error) {})

	ran = false
	g.ifNotFinished(func() { ran = true })
	assert.False(t, ran, "no gated work may run after the terminal action")
}
