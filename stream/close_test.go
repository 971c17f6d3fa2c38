package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/ntio"
)

func TestClose_DrainsQueuesAndInvokesCallback(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var sendErr error
	a.mu.Lock()
	a.writeQueue = append(a.writeQueue, &sendEntry{socket: a, data: []byte("pending"), callback: func(e error, n int) { sendErr = e }})
	a.mu.Unlock()

	var closeErr error
	var closeCalled bool
	require.NoError(t, a.Close(func(err error) { closeErr = err; closeCalled = true }))

	pumpUntil(t, d, func() bool { return closeCalled })

	assert.NoError(t, closeErr)
	assert.ErrorIs(t, sendErr, ntio.New(ntio.CodeConnectionDead))
	assert.Equal(t, StateClosed, a.State())
}

func TestClose_TwiceReturnsInvalid(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	require.NoError(t, a.Close(func(error) {}))
	pumpUntil(t, d, func() bool { return a.State() == StateClosed })

	err := a.Close(func(error) {})
	assert.ErrorIs(t, err, ntio.New(ntio.CodeInvalid))
}

func TestClose_NotifiesManagerOnClosed(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var closedSocket *Socket
	a.RegisterManager(closeOnlyManager{onClosed: func(s *Socket) { closedSocket = s }})

	require.NoError(t, a.Close(nil))
	pumpUntil(t, d, func() bool { return a.State() == StateClosed })
	assert.Same(t, a, closedSocket)
}

type closeOnlyManager struct {
	onClosed func(*Socket)
}

func (m closeOnlyManager) OnEstablished(*Socket) {}
func (m closeOnlyManager) OnClosed(s *Socket)    { m.onClosed(s) }
