package webrtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_PutGetEvict(t *testing.T) {
	p := NewPool()
	assert.Nil(t, p.Get("call-1"))
	assert.Equal(t, 0, p.Len())

	conn := &Conn{CallID: "call-1"}
	p.Put(conn)
	assert.Same(t, conn, p.Get("call-1"))
	assert.Equal(t, 1, p.Len())

	p.Evict("call-1")
	assert.Nil(t, p.Get("call-1"))
	assert.Equal(t, 0, p.Len())

	// Evicting an absent call is a no-op.
	p.Evict("call-1")
}

func TestPool_PutReplacesAndClosesOld(t *testing.T) {
	p := NewPool()
	old := &Conn{CallID: "call-1"}
	p.Put(old)

	replacement := &Conn{CallID: "call-1"}
	p.Put(replacement)

	assert.Same(t, replacement, p.Get("call-1"))
	assert.Equal(t, 1, p.Len())

	// Re-putting the same conn must not close it.
	p.Put(replacement)
	assert.Same(t, replacement, p.Get("call-1"))
}

func TestConn_ConnectLatency(t *testing.T) {
	c := &Conn{CallID: "call-1"}
	assert.Equal(t, time.Duration(0), c.ConnectLatency())

	start := time.Unix(100, 0)
	c.MarkConnectStart(start)
	c.MarkGathered(start.Add(300 * time.Millisecond))
	c.MarkConnected(start.Add(750 * time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, c.GatherLatency())
	assert.Equal(t, 750*time.Millisecond, c.ConnectLatency())
}

func TestConn_MediaState(t *testing.T) {
	c := &Conn{CallID: "call-1"}
	state := c.MediaState()
	assert.False(t, state.HasLocalStream)
	assert.False(t, state.HasRemoteStream)

	c.SetRemote(true)
	state = c.MediaState()
	assert.True(t, state.HasRemoteStream)
}
