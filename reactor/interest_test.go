package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterest_ZeroValueIsEmpty(t *testing.T) {
	i := NewInterest()
	assert.True(t, i.IsEmpty())
	assert.False(t, i.WantReadableOrWritable())
	assert.Equal(t, LevelTriggered, i.Trigger())
	assert.False(t, i.OneShot())
}

func TestInterest_SettersAreImmutable(t *testing.T) {
	base := NewInterest()
	withReadable := base.WithReadable()

	assert.False(t, base.WantReadable(), "WithReadable must not mutate the receiver")
	assert.True(t, withReadable.WantReadable())
	assert.True(t, withReadable.WantReadableOrWritable())
	assert.False(t, withReadable.IsEmpty())

	cleared := withReadable.WithoutReadable()
	assert.True(t, cleared.IsEmpty())
}

func TestInterest_TriggerAndOneShotDoNotAffectEmptiness(t *testing.T) {
	i := NewInterest().WithTrigger(EdgeTriggered).WithOneShot(true)
	assert.True(t, i.IsEmpty())
	assert.Equal(t, EdgeTriggered, i.Trigger())
	assert.True(t, i.OneShot())
}

func TestInterest_AllBitsIndependent(t *testing.T) {
	i := NewInterest().WithReadable().WithWritable().WithError().WithNotifications()
	assert.True(t, i.WantReadable())
	assert.True(t, i.WantWritable())
	assert.True(t, i.WantError())
	assert.True(t, i.WantNotifications())

	i = i.WithoutWritable()
	assert.True(t, i.WantReadable())
	assert.False(t, i.WantWritable())
	assert.True(t, i.WantError())
	assert.True(t, i.WantNotifications())
}
