package echo

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarm_FiresOnce(t *testing.T) {
	t.Parallel()

	var a Alarm
	fired := make(chan struct{})
	a.Set(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}
}

func TestAlarm_CancelPreventsCallback(t *testing.T) {
	t.Parallel()

	var a Alarm
	var fired atomic.Bool
	a.Set(50*time.Millisecond, func() { fired.Store(true) })
	a.Cancel()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled alarm must not fire")
}

func TestAlarm_CancelIdempotent(t *testing.T) {
	t.Parallel()

	var a Alarm

	// Cancelling a never-armed alarm is a no-op.
	a.Cancel()

	fired := make(chan struct{})
	a.Set(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	// Cancelling an already-fired alarm is a no-op.
	a.Cancel()
	a.Cancel()
}

func TestAlarm_RearmReplacesPending(t *testing.T) {
	t.Parallel()

	var a Alarm
	var first atomic.Bool
	second := make(chan struct{})

	a.Set(time.Hour, func() { first.Store(true) })
	a.Set(time.Millisecond, func() { close(second) })

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed alarm did not fire")
	}
	require.False(t, first.Load(), "replaced callback must not fire")
}
