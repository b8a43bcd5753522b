package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a Call.
type CallStatus string

const (
	// StatusCalling means the caller has created the call and is waiting
	// for the receiver to pick up.
	StatusCalling CallStatus = "calling"
	// StatusRinging means the receiver has accepted and is setting up media.
	StatusRinging CallStatus = "ringing"
	// StatusActive means the peer connection is established.
	StatusActive CallStatus = "active"
	// StatusEnded means the call completed normally.
	StatusEnded CallStatus = "ended"
	// StatusDeclined means the receiver rejected the call.
	StatusDeclined CallStatus = "declined"
	// StatusFailed means setup or connection recovery failed.
	StatusFailed CallStatus = "failed"
)

// Terminal reports whether the status is final. A terminal Call is immutable.
func (s CallStatus) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusFailed
}

// CallKind selects the media profile of a call.
type CallKind string

const (
	KindVideo CallKind = "video"
	KindAudio CallKind = "audio"
)

// Valid reports whether the kind is one of the known values.
func (k CallKind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

// Call identifies a single signaling-coordinated session between two
// identities. The lifecycle engine owns the record while the session is
// live and persists it through the CallStore.
type Call struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Kind       CallKind   `json:"kind"`
	Status     CallStatus `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// DurationSeconds is computed when the call ends, from AnsweredAt
	// (or StartedAt if never answered) to EndedAt.
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	EndReason       string `json:"end_reason,omitempty"`
}

// NewCall creates a Call record in the calling state.
func NewCall(roomID, callerID, receiverID string, kind CallKind, now time.Time) *Call {
	return &Call{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Kind:       kind,
		Status:     StatusCalling,
		StartedAt:  now,
	}
}

// Participant reports whether userID is the caller or the receiver.
func (c *Call) Participant(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// PeerOf returns the other participant's identity, or "" if userID is not
// part of the call.
func (c *Call) PeerOf(userID string) string {
	switch userID {
	case c.CallerID:
		return c.ReceiverID
	case c.ReceiverID:
		return c.CallerID
	}
	return ""
}

// CallPatch is a partial update applied to a persisted Call. Nil fields
// are left untouched.
type CallPatch struct {
	Status          *CallStatus
	AnsweredAt      *time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	EndReason       *string
}

// ConnectionMetrics is the ephemeral per-call view of connection health.
// It is recomputed on a fixed interval from the live connection and
// discarded when the call ends; it is never persisted.
type ConnectionMetrics struct {
	// ConnectLatency is how long the last connection establishment took.
	ConnectLatency time.Duration
	// GatherLatency is how long ICE candidate gathering took.
	GatherLatency time.Duration
	// BandwidthBps is the estimated available outgoing bandwidth.
	BandwidthBps float64
	// PacketLoss is the fraction of packets lost, in [0, 1].
	PacketLoss float64
	// Jitter is the receive jitter.
	Jitter time.Duration
	// RoundTripTime is the current selected-pair RTT.
	RoundTripTime time.Duration

	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64

	SampledAt time.Time
}

// MediaStreamState is the engine's read-only view of local media, owned by
// the peer connection manager and exposed to UI/analytics.
type MediaStreamState struct {
	HasLocalStream  bool
	HasRemoteStream bool
	CameraEnabled   bool
	MicEnabled      bool
}
