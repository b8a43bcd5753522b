package webrtc

import (
	"context"

	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
	"peercall/internal/quality"
)

// Hooks are the callbacks a session wires into its connection. All hooks
// fire on Pion's goroutines; implementations must not block.
type Hooks struct {
	OnCandidate func(c domain.CandidatePayload)
	OnState     func(state string)
	OnTrack     func(kind string)
}

// Manager builds and tracks peer connections, one per live call. It hides
// the capture and Pion plumbing behind call-id keyed operations so the
// lifecycle engine never touches a PeerConnection directly.
type Manager struct {
	ice      []domain.ICEServer
	acquirer Acquirer
	clk      clock.Clock
	pool     *Pool
}

// NewManager creates a Manager using the given ICE servers and capture
// backend.
func NewManager(ice []domain.ICEServer, acquirer Acquirer, clk clock.Clock) *Manager {
	return &Manager{
		ice:      ice,
		acquirer: acquirer,
		clk:      clk,
		pool:     NewPool(),
	}
}

// Pool exposes the connection pool, mainly for inspection in tests.
func (m *Manager) Pool() *Pool { return m.pool }

// Connect acquires local media for the call and builds a peer connection
// around it. Media acquisition failures surface before any signaling
// happens so a media-denied call never reaches the remote party.
func (m *Manager) Connect(ctx context.Context, callID string, kind domain.CallKind, tier quality.Tier, hooks Hooks) error {
	media, err := m.acquirer.Acquire(kind, tier.Profile())
	if err != nil {
		return err
	}

	conn := &Conn{
		CallID: callID,
		media:  media,
	}
	if err := m.buildPeer(conn, hooks); err != nil {
		media.Close()
		return err
	}
	conn.MarkConnectStart(m.clk.Now())

	m.pool.Put(conn)
	logrus.WithFields(logrus.Fields{
		"component": "webrtc",
		"call_id":   callID,
		"kind":      string(kind),
		"tier":      tier.String(),
	}).Info("peer connection created")
	return nil
}

// buildPeer creates a fresh Peer around conn's media and attaches the
// tracks. conn must not yet be visible to other goroutines or must hold
// no peer.
func (m *Manager) buildPeer(conn *Conn, hooks Hooks) error {
	peer, err := NewPeer(m.ice, conn.media.Selector())
	if err != nil {
		return err
	}

	peer.OnLocalCandidate(func(c domain.CandidatePayload) {
		if hooks.OnCandidate != nil {
			hooks.OnCandidate(c)
		}
	})
	peer.OnRemoteTrack(func(kind string) {
		conn.SetRemote(true)
		if hooks.OnTrack != nil {
			hooks.OnTrack(kind)
		}
	})
	peer.OnGatheringComplete(func() {
		conn.MarkGathered(m.clk.Now())
	})
	peer.OnStateChange(func(state string) {
		if state == "connected" {
			conn.MarkConnected(m.clk.Now())
		}
		if hooks.OnState != nil {
			hooks.OnState(state)
		}
	})

	if track := conn.media.VideoTrack(); track != nil {
		sender, err := peer.AddTrack(track)
		if err != nil {
			peer.Close()
			return err
		}
		conn.videoSender = sender
		conn.cameraOn = true
	}
	if track := conn.media.AudioTrack(); track != nil {
		sender, err := peer.AddTrack(track)
		if err != nil {
			peer.Close()
			return err
		}
		conn.audioSender = sender
		conn.micOn = true
	}

	conn.peer = peer
	return nil
}

// CreateOffer produces the local offer for a call.
func (m *Manager) CreateOffer(callID string) (string, error) {
	conn := m.pool.Get(callID)
	if conn == nil {
		return "", domain.ErrNoSuchCall
	}
	return conn.Peer().CreateOffer()
}

// HandleOffer applies a remote offer and returns the local answer.
func (m *Manager) HandleOffer(callID, sdp string) (string, error) {
	conn := m.pool.Get(callID)
	if conn == nil {
		return "", domain.ErrNoSuchCall
	}
	return conn.Peer().HandleOffer(sdp)
}

// ApplyAnswer applies a remote answer to the call's connection.
func (m *Manager) ApplyAnswer(callID, sdp string) error {
	conn := m.pool.Get(callID)
	if conn == nil {
		return domain.ErrNoSuchCall
	}
	return conn.Peer().ApplyAnswer(sdp)
}

// ApplyRemoteCandidate adds a remote ICE candidate to the call's
// connection.
func (m *Manager) ApplyRemoteCandidate(callID string, c domain.CandidatePayload) error {
	conn := m.pool.Get(callID)
	if conn == nil {
		return domain.ErrNoSuchCall
	}
	return conn.Peer().ApplyRemoteCandidate(c)
}

// Reconnect recovers the call's connection and returns the offer to
// re-signal. A still-open peer is recovered in place with an ICE restart,
// keeping its negotiated media; only when that is impossible is the peer
// torn down and rebuilt around the already-captured media. Capture
// devices are never reopened.
func (m *Manager) Reconnect(ctx context.Context, callID string, hooks Hooks) (string, error) {
	conn := m.pool.Get(callID)
	if conn == nil {
		return "", domain.ErrNoSuchCall
	}

	if peer := conn.Peer(); peer != nil && canRestart(peer.ConnectionState()) {
		offer, err := peer.CreateRestartOffer()
		if err == nil {
			conn.MarkConnectStart(m.clk.Now())
			logrus.WithFields(logrus.Fields{
				"component": "webrtc",
				"call_id":   callID,
			}).Info("ICE restart offer created")
			return offer, nil
		}
		logrus.WithFields(logrus.Fields{
			"component": "webrtc",
			"call_id":   callID,
		}).WithError(err).Warn("ICE restart failed, rebuilding peer")
	}

	conn.mu.Lock()
	old := conn.peer
	conn.peer = nil
	conn.videoSender, conn.audioSender = nil, nil
	conn.hasRemote = false
	conn.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if err := m.buildPeer(conn, hooks); err != nil {
		return "", err
	}
	conn.MarkConnectStart(m.clk.Now())

	logrus.WithFields(logrus.Fields{
		"component": "webrtc",
		"call_id":   callID,
	}).Info("peer connection rebuilt for reconnect")
	return conn.Peer().CreateOffer()
}

// canRestart reports whether a peer in the given state can be recovered
// with an ICE restart. Fresh and closed connections have no transport to
// restart.
func canRestart(state string) bool {
	switch state {
	case "connected", "disconnected", "failed":
		return true
	}
	return false
}

// ApplyTier re-acquires local media at the tier's profile and swaps the
// outgoing tracks in place. Audio-only calls ignore tier changes.
func (m *Manager) ApplyTier(ctx context.Context, callID string, tier quality.Tier) error {
	conn := m.pool.Get(callID)
	if conn == nil {
		return domain.ErrNoSuchCall
	}

	conn.mu.Lock()
	kind := domain.KindAudio
	if conn.media != nil {
		kind = conn.media.Kind()
	}
	conn.mu.Unlock()

	if kind != domain.KindVideo {
		return nil
	}

	media, err := m.acquirer.Acquire(kind, tier.Profile())
	if err != nil {
		return err
	}

	conn.mu.Lock()
	old := conn.media
	conn.media = media

	if conn.videoSender != nil && conn.cameraOn {
		if err := conn.videoSender.ReplaceTrack(media.VideoTrack()); err != nil {
			conn.media = old
			conn.mu.Unlock()
			media.Close()
			return &domain.SignalingError{Op: "replace video track", Err: err}
		}
	}
	if conn.audioSender != nil && conn.micOn {
		if err := conn.audioSender.ReplaceTrack(media.AudioTrack()); err != nil {
			logrus.WithField("component", "webrtc").WithError(err).Warn("audio track swap failed, keeping previous audio")
		}
	}
	conn.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// SampleStats condenses the live connection's statistics into a metrics
// snapshot.
func (m *Manager) SampleStats(ctx context.Context, callID string) (*domain.ConnectionMetrics, error) {
	conn := m.pool.Get(callID)
	if conn == nil {
		return nil, domain.ErrNoSuchCall
	}
	peer := conn.Peer()
	if peer == nil {
		return nil, domain.ErrConnectionFailed
	}

	metrics := collectMetrics(peer.GetStats(), m.clk.Now())
	metrics.ConnectLatency = conn.ConnectLatency()
	metrics.GatherLatency = conn.GatherLatency()
	return metrics, nil
}

// ToggleCamera flips outgoing video on or off and returns the new state.
// Off detaches the track from the sender; the capture device stays open
// so re-enabling is instant.
func (m *Manager) ToggleCamera(callID string) (bool, error) {
	conn := m.pool.Get(callID)
	if conn == nil {
		return false, domain.ErrNoSuchCall
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.videoSender == nil || conn.media == nil {
		return false, domain.ErrConnectionFailed
	}

	if conn.cameraOn {
		if err := conn.videoSender.ReplaceTrack(nil); err != nil {
			return conn.cameraOn, &domain.SignalingError{Op: "mute video", Err: err}
		}
		conn.cameraOn = false
	} else {
		if err := conn.videoSender.ReplaceTrack(conn.media.VideoTrack()); err != nil {
			return conn.cameraOn, &domain.SignalingError{Op: "unmute video", Err: err}
		}
		conn.cameraOn = true
	}
	return conn.cameraOn, nil
}

// ToggleMicrophone flips outgoing audio on or off and returns the new
// state.
func (m *Manager) ToggleMicrophone(callID string) (bool, error) {
	conn := m.pool.Get(callID)
	if conn == nil {
		return false, domain.ErrNoSuchCall
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.audioSender == nil || conn.media == nil {
		return false, domain.ErrConnectionFailed
	}

	if conn.micOn {
		if err := conn.audioSender.ReplaceTrack(nil); err != nil {
			return conn.micOn, &domain.SignalingError{Op: "mute audio", Err: err}
		}
		conn.micOn = false
	} else {
		if err := conn.audioSender.ReplaceTrack(conn.media.AudioTrack()); err != nil {
			return conn.micOn, &domain.SignalingError{Op: "unmute audio", Err: err}
		}
		conn.micOn = true
	}
	return conn.micOn, nil
}

// MediaState reports the call's local media flags.
func (m *Manager) MediaState(callID string) domain.MediaStreamState {
	conn := m.pool.Get(callID)
	if conn == nil {
		return domain.MediaStreamState{}
	}
	return conn.MediaState()
}

// ConnectionState reports the call's peer connection state, or "closed"
// if no connection is pooled.
func (m *Manager) ConnectionState(callID string) string {
	conn := m.pool.Get(callID)
	if conn == nil {
		return "closed"
	}
	peer := conn.Peer()
	if peer == nil {
		return "closed"
	}
	return peer.ConnectionState()
}

// Release evicts the call's connection, closing the peer and capture
// devices. Releasing an unknown call is a no-op.
func (m *Manager) Release(callID string) {
	m.pool.Evict(callID)
}
