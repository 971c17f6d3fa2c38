package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

func TestSend_ImmediateWriteDeliversCallbackWithFullCount(t *testing.T) {
	d := newTestDemux(t)
	a, b := openSocketPair(t, d)

	done := make(chan struct{})
	var gotErr error
	var gotN int
	err := a.Send(ntio.FromString("hello"), SendOptions{}, func(e error, n int) {
		gotErr, gotN = e, n
		close(done)
	})
	require.NoError(t, err)
	<-done
	assert.NoError(t, gotErr)
	assert.Equal(t, 5, gotN)

	buf := make([]byte, 16)
	n, rerr := unix.Read(b.fd, buf)
	require.NoError(t, rerr)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSend_AfterShutdownSendReturnsEOF(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	require.NoError(t, a.Shutdown(ShutdownSend, ShutdownImmediate))
	err := a.Send(ntio.FromString("x"), SendOptions{}, func(error, int) {})
	assert.ErrorIs(t, err, ntio.New(ntio.CodeEOF))
}

func TestSend_QueueFullReturnsWouldBlock(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	a.SetWriteWatermarks(Watermarks{Low: 0, High: 0})

	a.mu.Lock()
	a.writeQueue = append(a.writeQueue, &sendEntry{socket: a, data: make([]byte, 1)})
	a.mu.Unlock()

	err := a.Send(ntio.FromString("y"), SendOptions{}, func(error, int) {})
	assert.ErrorIs(t, err, ntio.New(ntio.CodeWouldBlock))
}

func TestSend_CancelBeforeStartSucceeds(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var cbErr error
	tok := Token(1)
	entry := &sendEntry{socket: a, data: make([]byte, 1), token: tok}
	entry.callback = func(e error, n int) { cbErr = e }
	a.mu.Lock()
	a.writeQueue = append(a.writeQueue, entry)
	a.mu.Unlock()
	a.cancels.register(tok, entry)

	require.NoError(t, a.Cancel(tok))
	assert.ErrorIs(t, cbErr, ntio.New(ntio.CodeCancelled))
}

func TestSend_CancelAfterStartedReturnsInvalid(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	tok := Token(2)
	entry := &sendEntry{socket: a, data: []byte("z"), token: tok, started: true, callback: func(error, int) {}}
	a.mu.Lock()
	a.writeQueue = append(a.writeQueue, entry)
	a.mu.Unlock()
	a.cancels.register(tok, entry)

	err := a.Cancel(tok)
	assert.ErrorIs(t, err, ntio.New(ntio.CodeInvalid))
}

func TestSend_WatermarkAlternation(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	a.SetWriteWatermarks(Watermarks{Low: 1, High: 2})

	var events []EventType
	a.RegisterSession(FuncSession(func(ev Event) { events = append(events, ev.Type) }))

	a.mu.Lock()
	a.writeQueue = append(a.writeQueue,
		&sendEntry{socket: a, data: make([]byte, 2), callback: func(error, int) {}},
		&sendEntry{socket: a, data: make([]byte, 2), callback: func(error, int) {}},
	)
	newSize := a.writeQueueSizeLocked()
	high, low := a.updateWriteWatermarkLocked(newSize)
	a.mu.Unlock()
	a.emitWatermarks(true, high, low)

	require.Contains(t, events, EventWriteQueueHighWatermark)

	a.mu.Lock()
	a.writeQueue = nil
	newSize = a.writeQueueSizeLocked()
	high, low = a.updateWriteWatermarkLocked(newSize)
	a.mu.Unlock()
	a.emitWatermarks(true, high, low)

	assert.Contains(t, events, EventWriteQueueLowWatermark)
}
