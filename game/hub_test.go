package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubSendAndBroadcast(t *testing.T) {
	h := NewHub(4)
	a := h.Register("a")
	b := h.Register("b")

	assert.True(t, h.Send("a", "hello"))
	assert.False(t, h.Send("missing", "hello"))
	assert.Equal(t, 2, h.Broadcast("all"))

	assert.Equal(t, "hello", <-a)
	assert.Equal(t, "all", <-a)
	assert.Equal(t, "all", <-b)
	assert.Empty(t, b)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	slow := h.Register("slow")
	fast := h.Register("fast")

	assert.Equal(t, 2, h.Broadcast(1))
	<-fast
	assert.Equal(t, 1, h.Broadcast(2))

	assert.False(t, h.Has("slow"))
	assert.True(t, h.Has("fast"))
	assert.Equal(t, 1, h.Len())

	assert.Equal(t, 1, <-slow)
	_, open := <-slow
	assert.False(t, open, "dropped subscriber channel is closed")
}

func TestHubUnregister(t *testing.T) {
	h := NewHub(0)
	ch := h.Register("a")

	assert.True(t, h.Unregister("a"))
	assert.False(t, h.Unregister("a"))
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Broadcast("nobody"))
}

func TestHubRegisterReplacesChannel(t *testing.T) {
	h := NewHub(2)
	old := h.Register("a")
	cur := h.Register("a")

	_, open := <-old
	assert.False(t, open)
	assert.True(t, h.Send("a", "x"))
	assert.Equal(t, "x", <-cur)
	assert.Equal(t, 1, h.Len())
}
