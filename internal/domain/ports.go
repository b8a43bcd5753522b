package domain

import (
	"context"
	"time"
)

// CallStore persists call records and their signals. Implementations back
// onto an external durable store; records for terminal calls are immutable.
type CallStore interface {
	CreateCall(ctx context.Context, call *Call) error
	UpdateCall(ctx context.Context, id string, patch CallPatch) (*Call, error)
	GetCall(ctx context.Context, id string) (*Call, error)
	AppendSignal(ctx context.Context, sig *Signal) error
	// ListSignals returns all signals for a call ordered by creation time.
	ListSignals(ctx context.Context, callID string) ([]*Signal, error)
}

// SignalTransport delivers signals and call-change notifications between
// the two parties. Delivery is at-least-once with per-call monotonic
// ordering by creation time; consumers must tolerate duplicates.
type SignalTransport interface {
	// SendSignal delivers a single signal to its receiver.
	SendSignal(ctx context.Context, sig *Signal) error
	// SendBatch delivers a group of signals as one flush, preserving order.
	SendBatch(ctx context.Context, sigs []*Signal) error
	// SubscribeSignals yields signals addressed to receiverID until ctx ends.
	SubscribeSignals(ctx context.Context, receiverID string) (<-chan *Signal, error)
	// SubscribeCalls yields new and updated call records in which userID is
	// a participant until ctx ends.
	SubscribeCalls(ctx context.Context, userID string) (<-chan *Call, error)
	Close() error
}

// Authorizer is the external permission collaborator consulted before any
// connection work begins.
type Authorizer interface {
	CanInitiateCall(ctx context.Context, userID, roomID, receiverID string) (bool, error)
}

// CallQualityReport is a point-in-time quality sample forwarded to the
// analytics sink.
type CallQualityReport struct {
	CallID       string
	Tier         string
	BandwidthBps float64
	PacketLoss   float64
	Jitter       time.Duration
	SampledAt    time.Time
}

// CallUsageReport summarizes a finished call for the analytics sink.
type CallUsageReport struct {
	CallID          string
	Kind            CallKind
	Status          CallStatus
	DurationSeconds int64
	Reconnects      int
}

// ErrorEvent describes an error forwarded to the analytics sink.
type ErrorEvent struct {
	CallID   string
	Category ErrorCategory
	Message  string
	At       time.Time
}

// AnalyticsSink receives fire-and-forget monitoring data. Implementations
// must never block or fail the call path; errors are swallowed internally.
type AnalyticsSink interface {
	RecordCallQuality(report CallQualityReport)
	RecordUsage(report CallUsageReport)
	RecordError(event ErrorEvent)
}

// ICEServer holds one STUN/TURN relay-discovery endpoint.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}
