// Package webrtc owns the peer connections and local media of live calls.
package webrtc

import (
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/mediadevices"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"peercall/internal/domain"
)

// Peer wraps a Pion PeerConnection for one call session.
type Peer struct {
	pc *pion.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	// candidates received before the remote description; flushed once it
	// is applied.
	pending []domain.CandidatePayload
}

// NewPeer creates a PeerConnection configured for a two-party call: the
// codec selector's encoders plus NACK retransmission, everything bundled
// onto a single transport.
func NewPeer(iceServers []domain.ICEServer, selector *mediadevices.CodecSelector) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, &domain.SignalingError{Op: "register codecs", Err: err}
	}
	selector.Populate(m)

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, &domain.SignalingError{Op: "create nack responder", Err: err}
	}
	i.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, &domain.SignalingError{Op: "create nack generator", Err: err}
	}
	i.Add(generator)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, &domain.SignalingError{Op: "create peer connection", Err: err}
	}

	return &Peer{pc: pc}, nil
}

// AddTrack attaches a local media track in send/receive mode and returns
// the sender so callers can swap or mute the track later.
func (p *Peer) AddTrack(track mediadevices.Track) (*pion.RTPSender, error) {
	tr, err := p.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, &domain.SignalingError{Op: "add track", Err: err}
	}
	return tr.Sender(), nil
}

// OnLocalCandidate registers the callback for locally discovered ICE
// candidates. Loopback candidates are filtered; a nil candidate from Pion
// marks the end of gathering and is not forwarded.
func (p *Peer) OnLocalCandidate(send func(c domain.CandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			logrus.WithField("component", "webrtc").Debug("ICE gathering complete")
			return
		}

		j := c.ToJSON()
		if isLoopback(j.Candidate) {
			return
		}

		sdpMid := ""
		if j.SDPMid != nil {
			sdpMid = *j.SDPMid
		}
		sdpMLineIndex := 0
		if j.SDPMLineIndex != nil {
			sdpMLineIndex = int(*j.SDPMLineIndex)
		}

		send(domain.CandidatePayload{
			Version:       domain.PayloadVersion,
			Candidate:     j.Candidate,
			SDPMid:        sdpMid,
			SDPMLineIndex: sdpMLineIndex,
		})
	})
}

// OnGatheringComplete registers the callback fired when local ICE
// candidate gathering finishes.
func (p *Peer) OnGatheringComplete(fn func()) {
	p.pc.OnICEGatheringStateChange(func(state pion.ICEGatheringState) {
		if state == pion.ICEGatheringStateComplete {
			fn()
		}
	})
}

// OnRemoteTrack registers the callback invoked when a remote track
// arrives. Packets are drained in the background so RTCP feedback keeps
// flowing; rendering is the application's concern.
func (p *Peer) OnRemoteTrack(fn func(kind string)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		logrus.WithFields(logrus.Fields{
			"component": "webrtc",
			"kind":      track.Kind().String(),
			"codec":     codec.MimeType,
		}).Info("remote track added")

		go drainTrack(track)
		fn(track.Kind().String())
	})
}

// OnStateChange registers the callback for peer connection state
// transitions.
func (p *Peer) OnStateChange(fn func(state string)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		fn(state.String())
	})
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", &domain.SignalingError{Op: "create offer", Err: err}
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", &domain.SignalingError{Op: "set local description", Err: err}
	}
	return offer.SDP, nil
}

// CreateRestartOffer creates an offer with ICE restart enabled, used when
// recovering a failed connection without renegotiating media.
func (p *Peer) CreateRestartOffer() (string, error) {
	offer, err := p.pc.CreateOffer(&pion.OfferOptions{ICERestart: true})
	if err != nil {
		return "", &domain.SignalingError{Op: "create restart offer", Err: err}
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", &domain.SignalingError{Op: "set local description", Err: err}
	}

	// The restart opens a fresh offer/answer round; the next remote
	// answer must be applied, not dropped as a duplicate.
	p.mu.Lock()
	p.remoteSet = false
	p.mu.Unlock()

	return offer.SDP, nil
}

// HandleOffer applies a remote offer and returns the local answer.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	err := p.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", &domain.SignalingError{Op: "set remote offer", Err: err}
	}
	p.remoteDescriptionSet()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", &domain.SignalingError{Op: "create answer", Err: err}
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", &domain.SignalingError{Op: "set local description", Err: err}
	}
	return answer.SDP, nil
}

// ApplyAnswer applies a remote answer. Re-applying after the description
// is already set is a no-op, so duplicate answer delivery is harmless.
func (p *Peer) ApplyAnswer(sdp string) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return &domain.SignalingError{Op: "set remote answer", Err: err}
	}
	p.remoteDescriptionSet()
	return nil
}

// ApplyRemoteCandidate adds a remote ICE candidate. Candidates that arrive
// before the remote description are held and applied once it is set.
func (p *Peer) ApplyRemoteCandidate(c domain.CandidatePayload) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.addCandidate(c)
}

func (p *Peer) remoteDescriptionSet() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			logrus.WithField("component", "webrtc").WithError(err).Warn("pended candidate rejected")
		}
	}
}

func (p *Peer) addCandidate(c domain.CandidatePayload) error {
	sdpMLineIndex := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return &domain.SignalingError{Op: "add ice candidate", Err: err}
	}
	return nil
}

// ConnectionState returns the current peer connection state.
func (p *Peer) ConnectionState() string {
	return p.pc.ConnectionState().String()
}

// GetStats returns the raw Pion statistics report.
func (p *Peer) GetStats() pion.StatsReport {
	return p.pc.GetStats()
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func isLoopback(candidate string) bool {
	// 127.0.0.1 and ::1 candidates never reach the remote party.
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
