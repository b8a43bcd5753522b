package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PayloadVersion is stamped on every signal payload so the wire format can
// evolve. Receivers reject versions they do not understand.
const PayloadVersion = 1

// MaxPayloadBytes bounds the serialized payload of a single signal.
// Session descriptions for a two-track call fit comfortably below this.
const MaxPayloadBytes = 64 * 1024

// SignalKind distinguishes the three handshake message types.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice_candidate"
)

// Priority reports whether signals of this kind bypass batching.
// Offers and answers are dispatched immediately; candidates are batched.
func (k SignalKind) Priority() bool {
	return k == SignalOffer || k == SignalAnswer
}

// Valid reports whether the kind is one of the known values.
func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalCandidate
}

// Signal is one unit of the offer/answer/candidate exchange. Signals are
// write-once and ordered by creation time within a call; the core never
// mutates or deletes them.
type Signal struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Kind       SignalKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewSignal builds a signal with a fresh id and creation time.
func NewSignal(callID, senderID, receiverID string, kind SignalKind, payload json.RawMessage, now time.Time) *Signal {
	return &Signal{
		ID:         uuid.NewString(),
		CallID:     callID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  now,
	}
}

// DescriptionPayload carries a session description for offer and answer
// signals.
type DescriptionPayload struct {
	Version int    `json:"version"`
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate.
type CandidatePayload struct {
	Version       int    `json:"version"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// EncodeDescription marshals a session description payload.
func EncodeDescription(sdpType, sdp string) (json.RawMessage, error) {
	raw, err := json.Marshal(DescriptionPayload{Version: PayloadVersion, Type: sdpType, SDP: sdp})
	if err != nil {
		return nil, fmt.Errorf("encode description payload: %w", err)
	}
	return raw, nil
}

// EncodeCandidate marshals an ICE candidate payload.
func EncodeCandidate(candidate, sdpMid string, sdpMLineIndex int) (json.RawMessage, error) {
	raw, err := json.Marshal(CandidatePayload{
		Version:       PayloadVersion,
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("encode candidate payload: %w", err)
	}
	return raw, nil
}

// DecodeDescription unmarshals and version-checks an offer/answer payload.
func DecodeDescription(raw json.RawMessage) (*DescriptionPayload, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed description: " + err.Error()}
	}
	if p.Version != PayloadVersion {
		return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("unsupported payload version %d", p.Version)}
	}
	if p.SDP == "" {
		return nil, &ValidationError{Field: "sdp", Reason: "empty session description"}
	}
	return &p, nil
}

// DecodeCandidate unmarshals and version-checks a candidate payload.
func DecodeCandidate(raw json.RawMessage) (*CandidatePayload, error) {
	var p CandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed candidate: " + err.Error()}
	}
	if p.Version != PayloadVersion {
		return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("unsupported payload version %d", p.Version)}
	}
	if p.Candidate == "" {
		return nil, &ValidationError{Field: "candidate", Reason: "empty candidate"}
	}
	return &p, nil
}

// ValidatePayload checks size and shape of a signal payload before it is
// handed to the transport.
func ValidatePayload(kind SignalKind, raw json.RawMessage) error {
	if len(raw) == 0 {
		return &ValidationError{Field: "payload", Reason: "empty payload"}
	}
	if len(raw) > MaxPayloadBytes {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(raw), MaxPayloadBytes)}
	}
	switch kind {
	case SignalOffer, SignalAnswer:
		_, err := DecodeDescription(raw)
		return err
	case SignalCandidate:
		_, err := DecodeCandidate(raw)
		return err
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown signal kind %q", kind)}
	}
}
