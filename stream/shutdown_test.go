package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

func TestShutdown_ImmediateDiscardsQueueAndCompletesBoth(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var discardErr error
	a.mu.Lock()
	a.writeQueue = append(a.writeQueue, &sendEntry{socket: a, data: []byte("x"), callback: func(e error, n int) { discardErr = e }})
	a.mu.Unlock()

	var events []EventType
	a.RegisterSession(FuncSession(func(ev Event) { events = append(events, ev.Type) }))

	require.NoError(t, a.Shutdown(ShutdownBoth, ShutdownImmediate))

	assert.ErrorIs(t, discardErr, ntio.New(ntio.CodeCancelled))
	assert.Equal(t, StateShutdownBoth, a.State())
	assert.Equal(t, []EventType{
		EventShutdownInitiated,
		EventShutdownSend,
		EventShutdownReceive,
		EventShutdownComplete,
	}, events)
}

func TestShutdown_GracefulDefersUntilWriteQueueDrains(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	// Force a non-empty queue by queuing an entry that blocks on the send
	// limiter rather than relying on filling the OS buffer.
	a.SetSendRateLimiter(blockingLimiter{})
	entryDone := make(chan struct{})
	require.NoError(t, a.Send(ntio.FromString("graceful"), SendOptions{}, func(error, int) { close(entryDone) }))

	require.NoError(t, a.Shutdown(ShutdownSend, ShutdownGraceful))

	a.mu.Lock()
	pending := a.pendingSendShutdown
	sd := a.sendShutdown
	a.mu.Unlock()
	assert.True(t, pending)
	assert.False(t, sd)

	// Allow the limiter to admit the queued send and drain the queue.
	a.SetSendRateLimiter(reactor.Unlimited)
	a.drainWriteQueue()
	<-entryDone

	a.mu.Lock()
	sd = a.sendShutdown
	pending = a.pendingSendShutdown
	a.mu.Unlock()
	assert.True(t, sd, "deferred shutdown(2) must fire once the write queue drains")
	assert.False(t, pending)
}

func TestShutdown_ReceiveLocalCompletesQueuedReceivesWithEOF(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var gotErr error
	entry := &recvEntry{socket: a, minSize: 1, maxSize: 1, callback: func(e error, data []byte) { gotErr = e }}
	a.mu.Lock()
	a.readQueue = append(a.readQueue, entry)
	a.mu.Unlock()

	require.NoError(t, a.Shutdown(ShutdownReceive, ShutdownImmediate))
	assert.ErrorIs(t, gotErr, ntio.New(ntio.CodeEOF))
}

type blockingLimiter struct{}

func (blockingLimiter) Acquire(int) (bool, time.Time) { return false, time.Time{} }
