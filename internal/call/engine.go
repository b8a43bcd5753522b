package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
	"peercall/internal/quality"
	"peercall/internal/resilience"
	"peercall/internal/signal"
	"peercall/internal/webrtc"
)

// connectTimeout bounds how long a reconnect attempt waits for the peer
// connection to come up before the attempt counts as failed.
const connectTimeout = 10 * time.Second

// initialVideoTier is where video calls start before the quality
// controller has seen any statistics.
const initialVideoTier = quality.TierHigh

// PeerManager is the engine's view of the connection layer. The
// webrtc.Manager satisfies it; tests substitute a fake.
type PeerManager interface {
	Connect(ctx context.Context, callID string, kind domain.CallKind, tier quality.Tier, hooks webrtc.Hooks) error
	CreateOffer(callID string) (string, error)
	HandleOffer(callID, sdp string) (string, error)
	ApplyAnswer(callID, sdp string) error
	ApplyRemoteCandidate(callID string, c domain.CandidatePayload) error
	Reconnect(ctx context.Context, callID string, hooks webrtc.Hooks) (string, error)
	ApplyTier(ctx context.Context, callID string, tier quality.Tier) error
	SampleStats(ctx context.Context, callID string) (*domain.ConnectionMetrics, error)
	ToggleCamera(callID string) (bool, error)
	ToggleMicrophone(callID string) (bool, error)
	MediaState(callID string) domain.MediaStreamState
	ConnectionState(callID string) string
	Release(callID string)
}

// Deps are the collaborators an Engine is wired with.
type Deps struct {
	Identity    string
	Store       domain.CallStore
	Transport   domain.SignalTransport
	Dispatcher  *signal.Dispatcher
	Peers       PeerManager
	Authorizer  domain.Authorizer
	Analytics   domain.AnalyticsSink
	Reconnector *resilience.Reconnector
	Clock       clock.Clock

	// SampleInterval overrides the quality controller's sampling period
	// when positive.
	SampleInterval time.Duration
}

// session is the live state of one call in this process. Each session
// owns a context that cancels its quality loop and any pending
// reconnects the moment the call leaves this engine.
type session struct {
	caller bool
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	call *domain.Call

	qc     *quality.Controller
	qcOnce sync.Once

	reconnecting atomic.Bool
	reconnects   atomic.Int32
}

func (s *session) snapshot() domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.call
}

func (s *session) update(call *domain.Call) {
	s.mu.Lock()
	s.call = call
	s.mu.Unlock()
}

// Engine is the call lifecycle state machine. It coordinates the store,
// the transport, the connection layer, quality control, and recovery,
// and publishes every transition on its event bus. All mutable state is
// keyed by call id; concurrent calls may run, but at most one
// non-terminal call exists per (caller, receiver, room) tuple.
type Engine struct {
	identity    string
	store       domain.CallStore
	transport   domain.SignalTransport
	dispatcher  *signal.Dispatcher
	peers       PeerManager
	auth        domain.Authorizer
	sink        domain.AnalyticsSink
	reconnector *resilience.Reconnector
	clk         clock.Clock
	bus         *Bus
	log         *logrus.Entry

	sampleInterval time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*session
}

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		identity:       deps.Identity,
		store:          deps.Store,
		transport:      deps.Transport,
		dispatcher:     deps.Dispatcher,
		peers:          deps.Peers,
		auth:           deps.Authorizer,
		sink:           deps.Analytics,
		reconnector:    deps.Reconnector,
		clk:            deps.Clock,
		sampleInterval: deps.SampleInterval,
		bus:            NewBus(),
		log:            logrus.WithField("component", "call"),
		sessions:       make(map[string]*session),
	}
}

// Start subscribes to the transport and begins routing signals and call
// updates. It returns once the subscriptions are live.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return domain.ErrEngineAlreadyRunning
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.mu.Unlock()

	sigCh, err := e.transport.SubscribeSignals(e.ctx, e.identity)
	if err != nil {
		e.shutdown()
		return err
	}
	callCh, err := e.transport.SubscribeCalls(e.ctx, e.identity)
	if err != nil {
		e.shutdown()
		return err
	}

	go e.signalLoop(sigCh)
	go e.callLoop(callCh)

	e.log.WithField("identity", e.identity).Info("engine started")
	return nil
}

// Stop tears down every live session and shuts the engine down.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		call := s.snapshot()
		if err := e.EndCall(context.Background(), call.ID, "shutdown"); err != nil {
			e.log.WithField("call_id", call.ID).WithError(err).Warn("end call on shutdown failed")
		}
	}
	e.shutdown()
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
	e.bus.Close()
	e.log.Info("engine stopped")
}

// Events subscribes to the engine's event stream.
func (e *Engine) Events() (<-chan domain.Event, func()) {
	return e.bus.Subscribe()
}

// StartCall begins an outgoing call: authorization, call record, local
// media, peer connection, and the initial offer, in that order. Any
// failure after the record exists marks it failed and cleans up fully.
func (e *Engine) StartCall(ctx context.Context, roomID, receiverID string, kind domain.CallKind) (*domain.Call, error) {
	if !e.isRunning() {
		return nil, domain.ErrEngineNotRunning
	}
	if !kind.Valid() {
		return nil, &domain.ValidationError{Field: "kind", Reason: "unknown call kind"}
	}
	if e.hasSessionFor(e.identity, receiverID, roomID) {
		return nil, domain.ErrCallAlreadyActive
	}

	allowed, err := e.auth.CanInitiateCall(ctx, e.identity, roomID, receiverID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.PermissionError{UserID: e.identity, RoomID: roomID}
	}

	call := domain.NewCall(roomID, e.identity, receiverID, kind, e.clk.Now())
	if err := e.store.CreateCall(ctx, call); err != nil {
		return nil, err
	}

	s := e.newSession(call, true)
	if err := e.peers.Connect(s.ctx, call.ID, kind, initialVideoTier, e.hooks(s)); err != nil {
		e.failSetup(ctx, s, err)
		return nil, err
	}

	offer, err := e.peers.CreateOffer(call.ID)
	if err != nil {
		e.failSetup(ctx, s, err)
		return nil, err
	}
	if err := e.dispatchDescription(ctx, s, domain.SignalOffer, offer); err != nil {
		e.failSetup(ctx, s, err)
		return nil, err
	}

	e.bus.Publish(domain.CallCreated{Call: call})
	e.log.WithFields(logrus.Fields{
		"call_id":  call.ID,
		"receiver": receiverID,
		"kind":     string(kind),
	}).Info("call started")
	return call, nil
}

// AnswerCall accepts an incoming call: the receiver acquires media,
// builds its connection, answers the persisted offer, and replays any
// candidates that arrived before the pickup.
func (e *Engine) AnswerCall(ctx context.Context, callID string) error {
	if !e.isRunning() {
		return domain.ErrEngineNotRunning
	}

	call, err := e.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.ReceiverID != e.identity {
		return domain.ErrNotReceiver
	}
	if call.Status.Terminal() {
		return domain.ErrCallTerminal
	}
	if e.hasSessionFor(call.CallerID, call.ReceiverID, call.RoomID) {
		return domain.ErrCallAlreadyActive
	}

	now := e.clk.Now()
	ringing := domain.StatusRinging
	call, err = e.store.UpdateCall(ctx, callID, domain.CallPatch{
		Status:     &ringing,
		AnsweredAt: &now,
	})
	if err != nil {
		return err
	}

	s := e.newSession(call, false)
	if err := e.peers.Connect(s.ctx, call.ID, call.Kind, initialVideoTier, e.hooks(s)); err != nil {
		e.failSetup(ctx, s, err)
		return err
	}

	if err := e.replaySignals(ctx, s); err != nil {
		e.failSetup(ctx, s, err)
		return err
	}

	e.bus.Publish(domain.CallUpdated{Call: call})
	e.log.WithField("call_id", callID).Info("call answered")
	return nil
}

// DeclineCall rejects an incoming call without ever touching media or
// the connection layer.
func (e *Engine) DeclineCall(ctx context.Context, callID string) error {
	if !e.isRunning() {
		return domain.ErrEngineNotRunning
	}

	call, err := e.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.ReceiverID != e.identity {
		return domain.ErrNotReceiver
	}

	now := e.clk.Now()
	declined := domain.StatusDeclined
	call, err = e.store.UpdateCall(ctx, callID, domain.CallPatch{
		Status:  &declined,
		EndedAt: &now,
	})
	if err != nil {
		return err
	}

	e.bus.Publish(domain.CallDeclined{Call: call})
	e.log.WithField("call_id", callID).Info("call declined")
	return nil
}

// EndCall ends a call from either side. Ending a call that is already
// terminal is a no-op, so both parties (and retries) can call it safely.
func (e *Engine) EndCall(ctx context.Context, callID, reason string) error {
	if !e.isRunning() {
		return domain.ErrEngineNotRunning
	}

	call, err := e.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.Terminal() {
		e.teardown(callID, nil)
		return nil
	}

	now := e.clk.Now()
	ended := domain.StatusEnded
	duration := callDuration(call, now)
	call, err = e.store.UpdateCall(ctx, callID, domain.CallPatch{
		Status:          &ended,
		EndedAt:         &now,
		DurationSeconds: &duration,
		EndReason:       &reason,
	})
	if err != nil {
		if errors.Is(err, domain.ErrCallTerminal) {
			e.teardown(callID, nil)
			return nil
		}
		return err
	}

	e.teardown(callID, call)
	e.bus.Publish(domain.CallEnded{Call: call})
	e.log.WithFields(logrus.Fields{
		"call_id":  callID,
		"duration": duration,
		"reason":   reason,
	}).Info("call ended")
	return nil
}

// ToggleCamera flips outgoing video for the call and returns the new
// state.
func (e *Engine) ToggleCamera(callID string) (bool, error) {
	if e.session(callID) == nil {
		return false, domain.ErrNoSuchCall
	}
	return e.peers.ToggleCamera(callID)
}

// ToggleMicrophone flips outgoing audio for the call and returns the new
// state.
func (e *Engine) ToggleMicrophone(callID string) (bool, error) {
	if e.session(callID) == nil {
		return false, domain.ErrNoSuchCall
	}
	return e.peers.ToggleMicrophone(callID)
}

// SetManualQuality pins the call's video tier, disabling automatic
// adjustment until AutoQuality is called.
func (e *Engine) SetManualQuality(ctx context.Context, callID string, tier quality.Tier) error {
	s := e.session(callID)
	if s == nil {
		return domain.ErrNoSuchCall
	}
	s.mu.Lock()
	qc := s.qc
	s.mu.Unlock()
	if qc == nil {
		return e.peers.ApplyTier(ctx, callID, tier)
	}
	return qc.SetManual(ctx, tier)
}

// AutoQuality re-enables automatic tier selection for the call.
func (e *Engine) AutoQuality(callID string) error {
	s := e.session(callID)
	if s == nil {
		return domain.ErrNoSuchCall
	}
	s.mu.Lock()
	qc := s.qc
	s.mu.Unlock()
	if qc != nil {
		qc.EnableAuto()
	}
	return nil
}

// ConnectionState reports the call's peer connection state.
func (e *Engine) ConnectionState(callID string) string {
	return e.peers.ConnectionState(callID)
}

// MediaState reports the call's local media flags.
func (e *Engine) MediaState(callID string) domain.MediaStreamState {
	return e.peers.MediaState(callID)
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// hasSessionFor reports whether a non-terminal session already exists
// for the (caller, receiver, room) tuple. Calls for other tuples may
// run concurrently.
func (e *Engine) hasSessionFor(callerID, receiverID, roomID string) bool {
	e.mu.Lock()
	live := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		call := s.snapshot()
		if call.CallerID == callerID && call.ReceiverID == receiverID &&
			call.RoomID == roomID && !call.Status.Terminal() {
			return true
		}
	}
	return false
}

func (e *Engine) session(callID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[callID]
}

func (e *Engine) newSession(call *domain.Call, caller bool) *session {
	ctx, cancel := context.WithCancel(e.ctx)
	s := &session{
		caller: caller,
		ctx:    ctx,
		cancel: cancel,
		call:   call,
	}
	e.mu.Lock()
	e.sessions[call.ID] = s
	e.mu.Unlock()
	return s
}

// teardown removes the session for callID and releases everything it
// holds. If endedCall is non-nil its usage is reported. Safe to call
// when no session exists.
func (e *Engine) teardown(callID string, endedCall *domain.Call) {
	e.mu.Lock()
	s := e.sessions[callID]
	delete(e.sessions, callID)
	e.mu.Unlock()

	e.reconnector.Cancel(callID)
	e.reconnector.Forget(callID)

	if s == nil {
		return
	}
	s.cancel()
	e.peers.Release(callID)

	if e.dispatcher != nil {
		if err := e.dispatcher.Flush(context.Background()); err != nil {
			e.log.WithField("call_id", callID).WithError(err).Warn("final flush failed")
		}
	}

	if endedCall != nil {
		e.sink.RecordUsage(domain.CallUsageReport{
			CallID:          endedCall.ID,
			Kind:            endedCall.Kind,
			Status:          endedCall.Status,
			DurationSeconds: endedCall.DurationSeconds,
			Reconnects:      int(s.reconnects.Load()),
		})
	}
}

// failSetup marks a freshly created call as failed and cleans up the
// session. Used when setup dies between record creation and the first
// offer.
func (e *Engine) failSetup(ctx context.Context, s *session, cause error) {
	call := s.snapshot()
	category := domain.Categorize(cause)

	failed := domain.StatusFailed
	now := e.clk.Now()
	reasonStr := string(category)
	updated, err := e.store.UpdateCall(ctx, call.ID, domain.CallPatch{
		Status:    &failed,
		EndedAt:   &now,
		EndReason: &reasonStr,
	})
	if err != nil {
		e.log.WithField("call_id", call.ID).WithError(err).Warn("marking call failed")
	}

	e.teardown(call.ID, nil)
	e.bus.Publish(domain.CallError{ID: call.ID, Err: cause, Category: category, Terminal: true})
	if updated != nil {
		e.bus.Publish(domain.CallUpdated{Call: updated})
	}
	e.sink.RecordError(domain.ErrorEvent{
		CallID:   call.ID,
		Category: category,
		Message:  cause.Error(),
		At:       now,
	})
}

// hooks wires a session's connection callbacks into the engine. Hooks
// fire on the connection layer's goroutines and only hand off work.
func (e *Engine) hooks(s *session) webrtc.Hooks {
	return webrtc.Hooks{
		OnCandidate: func(c domain.CandidatePayload) {
			e.sendCandidate(s, c)
		},
		OnState: func(state string) {
			e.handleState(s, state)
		},
		OnTrack: func(kind string) {
			call := s.snapshot()
			e.bus.Publish(domain.RemoteTrackAdded{ID: call.ID, Track: kind})
		},
	}
}

// sendCandidate queues a local candidate with the dispatcher. Candidate
// failures are logged and swallowed; one lost candidate rarely matters
// and the exchange must not die for it.
func (e *Engine) sendCandidate(s *session, c domain.CandidatePayload) {
	call := s.snapshot()
	payload, err := json.Marshal(c)
	if err != nil {
		e.log.WithField("call_id", call.ID).WithError(err).Warn("marshal candidate")
		return
	}

	sig := domain.NewSignal(call.ID, e.identity, call.PeerOf(e.identity), domain.SignalCandidate, payload, e.clk.Now())
	if err := e.dispatcher.Dispatch(s.ctx, sig); err != nil {
		e.log.WithField("call_id", call.ID).WithError(err).Warn("candidate dispatch failed")
	}
}

func (e *Engine) dispatchDescription(ctx context.Context, s *session, kind domain.SignalKind, sdp string) error {
	call := s.snapshot()
	payload, err := domain.EncodeDescription(string(kind), sdp)
	if err != nil {
		return err
	}
	sig := domain.NewSignal(call.ID, e.identity, call.PeerOf(e.identity), kind, payload, e.clk.Now())
	return e.dispatcher.Dispatch(ctx, sig)
}

func (e *Engine) handleState(s *session, state string) {
	call := s.snapshot()
	e.bus.Publish(domain.ConnectionStateChanged{ID: call.ID, State: state, At: e.clk.Now()})

	switch state {
	case "connected":
		e.reconnector.Cancel(call.ID)
		e.markActive(s)
	case "failed", "disconnected":
		if call.Status.Terminal() {
			return
		}
		if s.caller {
			e.startReconnect(s)
		} else {
			// The caller side re-offers; this side waits for it.
			e.log.WithField("call_id", call.ID).Warn("connection lost, waiting for re-offer")
		}
	}
}

// markActive moves the call to active on first connect and starts the
// quality loop. Connects after a recovery find the call already active
// and change nothing.
func (e *Engine) markActive(s *session) {
	call := s.snapshot()
	if call.Status == domain.StatusCalling || call.Status == domain.StatusRinging {
		active := domain.StatusActive
		updated, err := e.store.UpdateCall(s.ctx, call.ID, domain.CallPatch{Status: &active})
		if err != nil {
			e.log.WithField("call_id", call.ID).WithError(err).Warn("marking call active")
		} else {
			s.update(updated)
			e.bus.Publish(domain.CallUpdated{Call: updated})
		}
	}

	if call.Kind != domain.KindVideo {
		return
	}
	s.qcOnce.Do(func() {
		opts := []quality.Option{
			quality.WithChangeHook(func(tier quality.Tier, manual bool) {
				e.bus.Publish(domain.QualityChanged{ID: call.ID, Tier: tier.String(), Manual: manual})
			}),
		}
		if e.sampleInterval > 0 {
			opts = append(opts, quality.WithInterval(e.sampleInterval))
		}
		qc := quality.NewController(call.ID, e.peers, e.peers, e.sink, e.clk, initialVideoTier, opts...)
		s.mu.Lock()
		s.qc = qc
		s.mu.Unlock()
		go qc.Run(s.ctx)
	})
}

// startReconnect launches the bounded retry loop for the caller side.
// A generation token ties the loop to this call epoch so attempts that
// complete after the call moved on are discarded.
func (e *Engine) startReconnect(s *session) {
	call := s.snapshot()
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	gen := e.reconnector.Begin(call.ID)

	go func() {
		defer s.reconnecting.Store(false)

		err := e.reconnector.Run(s.ctx, call.ID, gen, func(ctx context.Context, callID string, attempt int) error {
			offer, err := e.peers.Reconnect(ctx, callID, e.hooks(s))
			if err != nil {
				return err
			}
			if err := e.dispatchDescription(ctx, s, domain.SignalOffer, offer); err != nil {
				return err
			}
			return e.waitConnected(ctx, callID)
		})

		switch {
		case err == nil:
			s.reconnects.Add(1)
		case errors.Is(err, domain.ErrStaleAttempt), errors.Is(err, context.Canceled):
			// Call moved on; nothing to report.
		case errors.Is(err, domain.ErrRetriesExhausted):
			e.bus.Publish(domain.CallError{
				ID:       call.ID,
				Err:      err,
				Category: domain.CategoryNetwork,
				Terminal: true,
			})
			e.sink.RecordError(domain.ErrorEvent{
				CallID:   call.ID,
				Category: domain.CategoryNetwork,
				Message:  err.Error(),
				At:       e.clk.Now(),
			})
		default:
			e.bus.Publish(domain.CallError{
				ID:       call.ID,
				Err:      err,
				Category: domain.Categorize(err),
				Terminal: false,
			})
		}
	}()
}

// waitConnected polls the connection state until it reaches connected or
// the timeout budget is spent.
func (e *Engine) waitConnected(ctx context.Context, callID string) error {
	deadline := e.clk.Now().Add(connectTimeout)
	for e.clk.Now().Before(deadline) {
		switch e.peers.ConnectionState(callID) {
		case "connected":
			return nil
		case "closed":
			return domain.ErrConnectionFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clk.After(200 * time.Millisecond):
		}
	}
	return domain.ErrConnectionFailed
}

// replaySignals answers the persisted offer and applies any candidates
// that arrived before the receiver picked up.
func (e *Engine) replaySignals(ctx context.Context, s *session) error {
	call := s.snapshot()
	sigs, err := e.store.ListSignals(ctx, call.ID)
	if err != nil {
		return err
	}

	var offer *domain.Signal
	var candidates []*domain.Signal
	for _, sig := range sigs {
		if sig.ReceiverID != e.identity {
			continue
		}
		switch sig.Kind {
		case domain.SignalOffer:
			offer = sig // latest offer wins
		case domain.SignalCandidate:
			candidates = append(candidates, sig)
		}
	}
	if offer == nil {
		return &domain.SignalingError{Op: "replay", Err: errors.New("no offer persisted for call")}
	}

	desc, err := domain.DecodeDescription(offer.Payload)
	if err != nil {
		return err
	}
	answer, err := e.peers.HandleOffer(call.ID, desc.SDP)
	if err != nil {
		return err
	}
	if err := e.dispatchDescription(ctx, s, domain.SignalAnswer, answer); err != nil {
		return err
	}

	for _, sig := range candidates {
		e.applyCandidate(call.ID, sig)
	}
	return nil
}

func (e *Engine) signalLoop(ch <-chan *domain.Signal) {
	for sig := range ch {
		if sig.SenderID == e.identity {
			continue
		}
		e.handleSignal(sig)
	}
}

func (e *Engine) handleSignal(sig *domain.Signal) {
	s := e.session(sig.CallID)
	if s == nil {
		// Signals for unanswered calls stay in the store and are
		// replayed at pickup.
		return
	}
	e.bus.Publish(domain.SignalReceived{Signal: sig})

	switch sig.Kind {
	case domain.SignalOffer:
		desc, err := domain.DecodeDescription(sig.Payload)
		if err != nil {
			e.log.WithField("call_id", sig.CallID).WithError(err).Warn("bad offer payload")
			return
		}
		answer, err := e.peers.HandleOffer(sig.CallID, desc.SDP)
		if err != nil {
			e.log.WithField("call_id", sig.CallID).WithError(err).Warn("handling re-offer")
			return
		}
		if err := e.dispatchDescription(s.ctx, s, domain.SignalAnswer, answer); err != nil {
			e.log.WithField("call_id", sig.CallID).WithError(err).Warn("sending answer")
		}

	case domain.SignalAnswer:
		desc, err := domain.DecodeDescription(sig.Payload)
		if err != nil {
			e.log.WithField("call_id", sig.CallID).WithError(err).Warn("bad answer payload")
			return
		}
		if err := e.peers.ApplyAnswer(sig.CallID, desc.SDP); err != nil {
			e.log.WithField("call_id", sig.CallID).WithError(err).Warn("applying answer")
		}

	case domain.SignalCandidate:
		e.applyCandidate(sig.CallID, sig)
	}
}

// applyCandidate decodes and applies one remote candidate. Failures are
// logged and swallowed.
func (e *Engine) applyCandidate(callID string, sig *domain.Signal) {
	c, err := domain.DecodeCandidate(sig.Payload)
	if err != nil {
		e.log.WithField("call_id", callID).WithError(err).Warn("bad candidate payload")
		return
	}
	if err := e.peers.ApplyRemoteCandidate(callID, *c); err != nil {
		e.log.WithField("call_id", callID).WithError(err).Warn("applying candidate")
	}
}

func (e *Engine) callLoop(ch <-chan *domain.Call) {
	for call := range ch {
		e.handleCallUpdate(call)
	}
}

func (e *Engine) handleCallUpdate(call *domain.Call) {
	s := e.session(call.ID)
	if s == nil {
		if call.ReceiverID == e.identity && call.Status == domain.StatusCalling {
			e.bus.Publish(domain.IncomingCall{Call: call})
		}
		return
	}

	s.update(call)

	switch call.Status {
	case domain.StatusDeclined:
		e.teardown(call.ID, nil)
		e.bus.Publish(domain.CallDeclined{Call: call})
	case domain.StatusEnded:
		e.teardown(call.ID, call)
		e.bus.Publish(domain.CallEnded{Call: call})
	case domain.StatusFailed:
		// A failure observed from the other side still tears the
		// session down, but listeners must be able to tell it apart
		// from a normal hangup.
		e.teardown(call.ID, call)
		e.bus.Publish(domain.CallUpdated{Call: call})
	default:
		e.bus.Publish(domain.CallUpdated{Call: call})
	}
}

// callDuration computes the billed duration at end time: answered-to-end
// when the call was picked up, start-to-end otherwise.
func callDuration(call *domain.Call, endedAt time.Time) int64 {
	from := call.StartedAt
	if call.AnsweredAt != nil {
		from = *call.AnsweredAt
	}
	d := int64(endedAt.Sub(from) / time.Second)
	if d < 0 {
		d = 0
	}
	return d
}
