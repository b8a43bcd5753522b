package webrtc

import (
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"peercall/internal/domain"
)

// Conn is the live connection state of one call: the peer, the captured
// media, and the senders the media is attached through. The pool owns the
// entry; callers mutate it only through its methods.
type Conn struct {
	CallID string

	mu          sync.Mutex
	peer        *Peer
	media       *LocalMedia
	videoSender *pion.RTPSender
	audioSender *pion.RTPSender

	cameraOn  bool
	micOn     bool
	hasRemote bool

	connectStart   time.Time
	connectLatency time.Duration
	gatherLatency  time.Duration
}

// Peer returns the current peer connection.
func (c *Conn) Peer() *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Media returns the captured local media.
func (c *Conn) Media() *LocalMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// SetRemote records whether a remote track has arrived.
func (c *Conn) SetRemote(has bool) {
	c.mu.Lock()
	c.hasRemote = has
	c.mu.Unlock()
}

// MarkConnectStart records when connection establishment began.
func (c *Conn) MarkConnectStart(now time.Time) {
	c.mu.Lock()
	c.connectStart = now
	c.mu.Unlock()
}

// MarkConnected records the establishment latency.
func (c *Conn) MarkConnected(now time.Time) {
	c.mu.Lock()
	if !c.connectStart.IsZero() {
		c.connectLatency = now.Sub(c.connectStart)
	}
	c.mu.Unlock()
}

// MarkGathered records how long ICE candidate gathering took, measured
// from the same start as connection establishment.
func (c *Conn) MarkGathered(now time.Time) {
	c.mu.Lock()
	if !c.connectStart.IsZero() {
		c.gatherLatency = now.Sub(c.connectStart)
	}
	c.mu.Unlock()
}

// GatherLatency returns how long the last candidate gathering took.
func (c *Conn) GatherLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatherLatency
}

// ConnectLatency returns how long the last establishment took.
func (c *Conn) ConnectLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLatency
}

// MediaState returns a snapshot of the local/remote media flags.
func (c *Conn) MediaState() domain.MediaStreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.MediaStreamState{
		HasLocalStream:  c.media != nil,
		HasRemoteStream: c.hasRemote,
		CameraEnabled:   c.cameraOn,
		MicEnabled:      c.micOn,
	}
}

// close releases the peer and capture devices.
func (c *Conn) close() {
	c.mu.Lock()
	peer, media := c.peer, c.media
	c.peer, c.media = nil, nil
	c.videoSender, c.audioSender = nil, nil
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	if media != nil {
		media.Close()
	}
}

// Pool tracks the live connections keyed by call id. Entries are added
// when a session connects and evicted when the call reaches a terminal
// state; eviction closes the peer and releases capture devices.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Conn)}
}

// Get returns the connection for a call, or nil if none is pooled.
func (p *Pool) Get(callID string) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[callID]
}

// Put registers a connection. An existing entry for the same call is
// closed first.
func (p *Pool) Put(conn *Conn) {
	p.mu.Lock()
	old := p.conns[conn.CallID]
	p.conns[conn.CallID] = conn
	p.mu.Unlock()

	if old != nil && old != conn {
		old.close()
	}
}

// Evict removes and closes the connection for a call. Evicting an absent
// call is a no-op.
func (p *Pool) Evict(callID string) {
	p.mu.Lock()
	conn := p.conns[callID]
	delete(p.conns, callID)
	p.mu.Unlock()

	if conn != nil {
		conn.close()
	}
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
