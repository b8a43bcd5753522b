package domain

import "time"

// Event is a tagged lifecycle notification published on the engine's bus.
// Each variant carries a strongly-typed payload so listeners can switch
// exhaustively instead of inspecting loosely-typed callback arguments.
type Event interface {
	// EventCallID returns the call the event belongs to ("" for engine-level
	// events).
	EventCallID() string
	isEvent()
}

// CallCreated is published when a new outgoing call record has been
// persisted in the calling state.
type CallCreated struct{ Call *Call }

// IncomingCall is published when the transport announces a new call whose
// receiver is the local identity.
type IncomingCall struct{ Call *Call }

// CallUpdated is published when a persisted call record changed
// (any status transition, observed locally or via the transport).
type CallUpdated struct{ Call *Call }

// CallDeclined is published when the receiver rejected a call.
type CallDeclined struct{ Call *Call }

// CallEnded is published once when a call reaches the ended state.
type CallEnded struct{ Call *Call }

// SignalReceived is published for every signal applied to a local session.
type SignalReceived struct{ Signal *Signal }

// ConnectionStateChanged reports transitions of the underlying peer
// connection ("new", "connecting", "connected", "disconnected", "failed",
// "closed"). Mid-call recovery is visible only through these transitions,
// never as hard errors.
type ConnectionStateChanged struct {
	ID    string
	State string
	At    time.Time
}

// RemoteTrackAdded reports that a remote media track became available.
type RemoteTrackAdded struct {
	ID    string
	Track string // "audio" or "video"
}

// QualityChanged reports an automatic or manual video tier change.
type QualityChanged struct {
	ID     string
	Tier   string
	Manual bool
}

// CallError reports a surfaced error. Terminal reports whether the engine
// has given up on the session (for example after the retry budget is
// exhausted); the decision to end the call stays with the caller.
type CallError struct {
	ID       string
	Err      error
	Category ErrorCategory
	Terminal bool
}

func (e CallCreated) EventCallID() string            { return e.Call.ID }
func (e IncomingCall) EventCallID() string           { return e.Call.ID }
func (e CallUpdated) EventCallID() string            { return e.Call.ID }
func (e CallDeclined) EventCallID() string           { return e.Call.ID }
func (e CallEnded) EventCallID() string              { return e.Call.ID }
func (e SignalReceived) EventCallID() string         { return e.Signal.CallID }
func (e ConnectionStateChanged) EventCallID() string { return e.ID }
func (e RemoteTrackAdded) EventCallID() string       { return e.ID }
func (e QualityChanged) EventCallID() string         { return e.ID }
func (e CallError) EventCallID() string              { return e.ID }

func (CallCreated) isEvent()            {}
func (IncomingCall) isEvent()           {}
func (CallUpdated) isEvent()            {}
func (CallDeclined) isEvent()           {}
func (CallEnded) isEvent()              {}
func (SignalReceived) isEvent()         {}
func (ConnectionStateChanged) isEvent() {}
func (RemoteTrackAdded) isEvent()       {}
func (QualityChanged) isEvent()         {}
func (CallError) isEvent()              {}
