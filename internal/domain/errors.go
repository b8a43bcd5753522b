package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for engine operations. These enable reliable
// classification with errors.Is.

// Call lifecycle errors.
var (
	// ErrCallAlreadyActive indicates a non-terminal call already exists for
	// this (caller, receiver, room) tuple.
	ErrCallAlreadyActive = errors.New("call already active")

	// ErrNoSuchCall indicates the call id is unknown to this engine.
	ErrNoSuchCall = errors.New("no such call")

	// ErrCallTerminal indicates the call has already reached a terminal state.
	ErrCallTerminal = errors.New("call already in terminal state")

	// ErrNotReceiver indicates answerCall was invoked by someone other than
	// the call's receiver.
	ErrNotReceiver = errors.New("only the receiver can answer a call")
)

// Engine state errors.
var (
	// ErrEngineNotRunning indicates the engine has not been started.
	ErrEngineNotRunning = errors.New("engine is not running")

	// ErrEngineAlreadyRunning indicates Start was called twice.
	ErrEngineAlreadyRunning = errors.New("engine is already running")
)

// Connection errors.
var (
	// ErrConnectionFailed indicates the peer connection reached a failed
	// state and recovery is being attempted or has been exhausted.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrRetriesExhausted indicates the reconnection budget ran out.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

	// ErrStaleAttempt indicates a reconnection completed for a call
	// generation that has since been superseded or ended.
	ErrStaleAttempt = errors.New("stale reconnection attempt")
)

// MediaAcquisitionError reports camera/microphone denial or hardware
// failure. It is user-facing and never retried automatically.
type MediaAcquisitionError struct {
	Device string // "camera", "microphone" or "media"
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Device, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// SignalingError reports a failure in the offer/answer/candidate exchange.
// Op names the operation that failed. Candidate failures are logged and
// swallowed by callers; offer/answer failures propagate.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s failed: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// ValidationError reports a malformed or oversized signal payload,
// rejected before it reaches the transport.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal %s: %s", e.Field, e.Reason)
}

// RateLimitError reports that an identity exceeded the send budget for an
// operation. The operation fails instead of queuing; back-pressure is
// pushed to the caller.
type RateLimitError struct {
	Identity   string
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s (retry after %s)", e.Identity, e.Op, e.RetryAfter)
}

// PermissionError reports that the authorization check rejected a call
// attempt. The call is never started.
type PermissionError struct {
	UserID string
	RoomID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s is not permitted to start a call in room %s", e.UserID, e.RoomID)
}

// ErrorCategory is the coarse, user-facing classification attached to
// surfaced errors so the application layer can pick an actionable message.
type ErrorCategory string

const (
	CategoryPermission ErrorCategory = "permission"
	CategoryMedia      ErrorCategory = "media"
	CategoryNetwork    ErrorCategory = "network"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryValidation ErrorCategory = "validation"
	CategoryInternal   ErrorCategory = "internal"
)

// Categorize maps an error to its user-facing category.
func Categorize(err error) ErrorCategory {
	var (
		mediaErr      *MediaAcquisitionError
		signalErr     *SignalingError
		validationErr *ValidationError
		rateErr       *RateLimitError
		permErr       *PermissionError
	)
	switch {
	case errors.As(err, &permErr):
		return CategoryPermission
	case errors.As(err, &mediaErr):
		return CategoryMedia
	case errors.As(err, &rateErr):
		return CategoryRateLimit
	case errors.As(err, &validationErr):
		return CategoryValidation
	case errors.As(err, &signalErr),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrRetriesExhausted):
		return CategoryNetwork
	default:
		return CategoryInternal
	}
}
