package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

func TestReceive_ImmediateDeliveryFromBufferedData(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	a.mu.Lock()
	a.readBuf = []byte("buffered")
	a.mu.Unlock()

	var gotErr error
	var gotData []byte
	require.NoError(t, a.Receive(ReceiveOptions{}, func(e error, data []byte) {
		gotErr, gotData = e, data
	}))
	assert.NoError(t, gotErr)
	assert.Equal(t, "buffered", string(gotData))
}

func TestReceive_AsyncDeliveryAfterPeerWrite(t *testing.T) {
	d := newTestDemux(t)
	a, b := openSocketPair(t, d)

	done := make(chan struct{})
	var gotData []byte
	require.NoError(t, a.Receive(ReceiveOptions{}, func(e error, data []byte) {
		gotData = data
		close(done)
	}))

	_, err := unix.Write(b.fd, []byte("async"))
	require.NoError(t, err)

	select {
	case <-done:
	default:
		pumpUntil(t, d, func() bool {
			select {
			case <-done:
				return true
			default:
				return false
			}
		})
	}
	assert.Equal(t, "async", string(gotData))
}

func TestReceive_AfterShutdownReceiveCompletesWithEOF(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	a.mu.Lock()
	a.recvShutdown = true
	a.mu.Unlock()

	var gotErr error
	require.NoError(t, a.Receive(ReceiveOptions{}, func(e error, data []byte) { gotErr = e }))
	assert.ErrorIs(t, gotErr, ntio.New(ntio.CodeEOF))
}

func TestReceive_PeerEOFFailsQueuedReceivesWithEOF(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var gotErr error
	done := make(chan struct{})
	entry := &recvEntry{socket: a, minSize: 1, maxSize: 1, callback: func(e error, data []byte) {
		gotErr = e
		close(done)
	}}
	a.mu.Lock()
	a.readQueue = append(a.readQueue, entry)
	a.mu.Unlock()

	a.handlePeerEOF()
	<-done
	assert.ErrorIs(t, gotErr, ntio.New(ntio.CodeEOF))

	// Subsequent receives complete synchronously with eof too.
	var gotErr2 error
	require.NoError(t, a.Receive(ReceiveOptions{}, func(e error, data []byte) { gotErr2 = e }))
	assert.ErrorIs(t, gotErr2, ntio.New(ntio.CodeEOF))
}

func TestReceive_CancelPendingEntrySucceeds(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	tok := Token(9)
	var gotErr error
	entry := &recvEntry{socket: a, minSize: 1, maxSize: 1, token: tok, callback: func(e error, data []byte) { gotErr = e }}
	a.mu.Lock()
	a.readQueue = append(a.readQueue, entry)
	a.mu.Unlock()
	a.cancels.register(tok, entry)

	require.NoError(t, a.Cancel(tok))
	assert.ErrorIs(t, gotErr, ntio.New(ntio.CodeCancelled))
}

func TestReceive_ReadQueueFlowControlAppliedAndRelaxed(t *testing.T) {
	d := newTestDemux(t)
	a, b := openSocketPair(t, d)
	a.SetReadWatermarks(Watermarks{Low: 2, High: 4})

	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte('a' + i)
	}
	_, err := unix.Write(b.fd, payload)
	require.NoError(t, err)

	pumpUntil(t, d, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.readFlowApplied
	})

	var gotData []byte
	require.NoError(t, a.Receive(ReceiveOptions{MaxSize: 9}, func(e error, data []byte) { gotData = data }))
	assert.Equal(t, string(payload[:9]), string(gotData))

	a.mu.Lock()
	flowStillApplied := a.readFlowApplied
	a.mu.Unlock()
	assert.False(t, flowStillApplied, "draining below the low watermark must relax flow control")
}
