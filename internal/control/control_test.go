package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannel_RequestAndClear(t *testing.T) {
	c := New()
	assert.False(t, c.IsStopRequested("t1"))

	c.RequestStop("t1")
	assert.True(t, c.IsStopRequested("t1"))
	assert.False(t, c.IsStopRequested("t2"))

	c.Clear("t1")
	assert.False(t, c.IsStopRequested("t1"))
}

func TestChannel_TTLExpiry(t *testing.T) {
	c := NewWithTTL(10 * time.Millisecond)
	c.RequestStop("t1")
	assert.True(t, c.IsStopRequested("t1"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.IsStopRequested("t1"))
}

func TestChannel_IndependentTasks(t *testing.T) {
	c := New()
	c.RequestStop("a")
	c.RequestStop("b")
	c.Clear("a")

	assert.False(t, c.IsStopRequested("a"))
	assert.True(t, c.IsStopRequested("b"))
}
