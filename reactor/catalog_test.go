package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOwner struct {
	readable, writable, errored, notified int
}

func (s *stubOwner) OnReadable()      { s.readable++ }
func (s *stubOwner) OnWritable()      { s.writable++ }
func (s *stubOwner) OnError()         { s.errored++ }
func (s *stubOwner) OnNotifications() { s.notified++ }

func TestCatalog_AddRejectsDuplicateAndNegativeHandles(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	_, err := c.Add(3, &stubOwner{})
	require.NoError(t, err)

	_, err = c.Add(3, &stubOwner{})
	assert.Error(t, err, "duplicate handle must be rejected")

	_, err = c.Add(-1, &stubOwner{})
	assert.Error(t, err, "negative handle must be rejected")
}

func TestCatalog_LookupAndMarkProcessingOngoingRejectsDetached(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	owner := &stubOwner{}
	_, err := c.Add(5, owner)
	require.NoError(t, err)

	var detachFired bool
	err = c.RemoveAndGetReadyToDetach(5, func() { detachFired = true }, func(e *Entry) {
		e.AnnounceDetached()
	})
	require.NoError(t, err)
	assert.True(t, detachFired)

	_, ok := c.LookupAndMarkProcessingOngoing(5)
	assert.False(t, ok, "a fully detached entry must not be handed out for processing")
}

func TestCatalog_DetachWaitsForInFlightProcessingToDrain(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	owner := &stubOwner{}
	_, err := c.Add(7, owner)
	require.NoError(t, err)

	e, ok := c.LookupAndMarkProcessingOngoing(7)
	require.True(t, ok)
	assert.Equal(t, int32(1), e.ProcessingCount())

	err = c.RemoveAndGetReadyToDetach(7, func() {}, func(e *Entry) {
		e.AnnounceDetached()
	})
	require.NoError(t, err)

	// Detach announced, but processing is still in flight: not yet safe.
	assert.False(t, e.readyToDetach())

	e.DecrementProcessCounter()
	assert.True(t, e.readyToDetach(), "processing counter draining to zero makes the entry safe to reclaim")
}

func TestCatalog_RemoveAndGetReadyToDetachRejectsDoubleDetach(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	_, err := c.Add(9, &stubOwner{})
	require.NoError(t, err)

	err = c.RemoveAndGetReadyToDetach(9, func() {}, func(e *Entry) { e.AnnounceDetached() })
	require.NoError(t, err)

	err = c.RemoveAndGetReadyToDetach(9, func() {}, func(e *Entry) { e.AnnounceDetached() })
	assert.Error(t, err, "detach must not be requested twice for the same entry")
}

func TestEntry_AnnounceDispatchesToOwnerByDefault(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	owner := &stubOwner{}
	e, err := c.Add(11, owner)
	require.NoError(t, err)

	e.ShowReadable(ShowOptions{})
	assert.True(t, e.AnnounceReadable())
	assert.Equal(t, 1, owner.readable)
}

func TestEntry_PerEventCallbackTakesPrecedenceOverOwner(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	owner := &stubOwner{}
	e, err := c.Add(13, owner)
	require.NoError(t, err)

	var calls int
	e.ShowReadableCallback(func() { calls++ }, ShowOptions{})
	assert.True(t, e.AnnounceReadable())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, owner.readable, "installing a callback must bypass the owner for that event")
}

func TestEntry_HideClearsOnlyTheTargetedBit(t *testing.T) {
	c := NewCatalog(LevelTriggered, false)
	e, err := c.Add(17, &stubOwner{})
	require.NoError(t, err)

	e.ShowReadable(ShowOptions{})
	e.ShowWritable(ShowOptions{})
	e.HideReadable()

	i := e.Interest()
	assert.False(t, i.WantReadable())
	assert.True(t, i.WantWritable())
}
