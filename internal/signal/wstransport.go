package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

const (
	methodAuth        = "AUTH"
	methodSignal      = "SIGNAL"
	methodSignalBatch = "SIGNAL_BATCH"
	methodCall        = "CALL"

	pingInterval  = 30 * time.Second
	subBufferSize = 64
)

// message is the WebSocket envelope exchanged with the relay server.
type message struct {
	Method   string           `json:"method"`
	Identity string           `json:"identity,omitempty"`
	Signal   *domain.Signal   `json:"signal,omitempty"`
	Signals  []*domain.Signal `json:"signals,omitempty"`
	Call     *domain.Call     `json:"call,omitempty"`
}

// WSTransport is a SignalTransport over a relay WebSocket. The relay
// forwards each envelope to the connection authenticated as the
// addressee; this client fans incoming envelopes out to local
// subscribers.
type WSTransport struct {
	serverURL string
	identity  string
	clk       clock.Clock

	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	subMu    sync.Mutex
	sigSubs  map[string][]chan *domain.Signal
	callSubs map[string][]chan *domain.Call

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSTransport creates a transport that will authenticate as identity.
func NewWSTransport(serverURL, identity string, clk clock.Clock) *WSTransport {
	return &WSTransport{
		serverURL: serverURL,
		identity:  identity,
		clk:       clk,
		sigSubs:   make(map[string][]chan *domain.Signal),
		callSubs:  make(map[string][]chan *domain.Call),
		closed:    make(chan struct{}),
	}
}

// Connect dials the relay, authenticates, and starts the read and ping
// loops.
func (t *WSTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.serverURL)
	if err != nil {
		return &domain.SignalingError{Op: "parse server url", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"component": "signal",
		"server":    u.String(),
	}).Info("connecting to signaling relay")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &domain.SignalingError{Op: "websocket dial", Err: err}
	}
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	if err := t.writeJSON(message{Method: methodAuth, Identity: t.identity}); err != nil {
		conn.Close()
		return err
	}

	go t.readLoop()
	go t.pingLoop()
	return nil
}

// SendSignal forwards one signal to the relay.
func (t *WSTransport) SendSignal(ctx context.Context, sig *domain.Signal) error {
	return t.writeJSON(message{Method: methodSignal, Signal: sig})
}

// SendBatch forwards a group of signals as one envelope, preserving
// order.
func (t *WSTransport) SendBatch(ctx context.Context, sigs []*domain.Signal) error {
	if len(sigs) == 0 {
		return nil
	}
	return t.writeJSON(message{Method: methodSignalBatch, Signals: sigs})
}

// SubscribeSignals yields signals addressed to receiverID until ctx ends.
func (t *WSTransport) SubscribeSignals(ctx context.Context, receiverID string) (<-chan *domain.Signal, error) {
	ch := make(chan *domain.Signal, subBufferSize)

	t.subMu.Lock()
	t.sigSubs[receiverID] = append(t.sigSubs[receiverID], ch)
	t.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-t.closed:
		}
		t.subMu.Lock()
		t.sigSubs[receiverID] = removeSignalSub(t.sigSubs[receiverID], ch)
		t.subMu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// SubscribeCalls yields call records involving userID until ctx ends.
func (t *WSTransport) SubscribeCalls(ctx context.Context, userID string) (<-chan *domain.Call, error) {
	ch := make(chan *domain.Call, subBufferSize)

	t.subMu.Lock()
	t.callSubs[userID] = append(t.callSubs[userID], ch)
	t.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-t.closed:
		}
		t.subMu.Lock()
		t.callSubs[userID] = removeCallSub(t.callSubs[userID], ch)
		t.subMu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Close shuts the connection down. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *WSTransport) writeJSON(msg message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.conn == nil {
		return &domain.SignalingError{Op: "websocket write", Err: errors.New("transport not connected")}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return &domain.SignalingError{Op: "marshal envelope", Err: err}
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &domain.SignalingError{Op: "websocket write", Err: err}
	}
	return nil
}

func (t *WSTransport) readLoop() {
	defer t.Close()

	for {
		select {
		case <-t.closed:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				logrus.WithField("component", "signal").WithError(err).Warn("relay read error")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithField("component", "signal").WithError(err).Warn("malformed relay envelope")
			continue
		}
		t.dispatch(msg)
	}
}

func (t *WSTransport) dispatch(msg message) {
	switch msg.Method {
	case methodSignal:
		if msg.Signal != nil {
			t.deliverSignal(msg.Signal)
		}
	case methodSignalBatch:
		for _, sig := range msg.Signals {
			t.deliverSignal(sig)
		}
	case methodCall:
		if msg.Call != nil {
			t.deliverCall(msg.Call)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"component": "signal",
			"method":    msg.Method,
		}).Debug("unhandled relay method")
	}
}

func (t *WSTransport) deliverSignal(sig *domain.Signal) {
	t.subMu.Lock()
	subs := append([]chan *domain.Signal(nil), t.sigSubs[sig.ReceiverID]...)
	t.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- sig:
		default:
			logrus.WithField("component", "signal").Warn("signal subscriber full, dropping")
		}
	}
}

func (t *WSTransport) deliverCall(call *domain.Call) {
	t.subMu.Lock()
	var subs []chan *domain.Call
	for _, userID := range []string{call.CallerID, call.ReceiverID} {
		subs = append(subs, t.callSubs[userID]...)
	}
	t.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- call:
		default:
			logrus.WithField("component", "signal").Warn("call subscriber full, dropping")
		}
	}
}

func (t *WSTransport) pingLoop() {
	ticker := t.clk.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C():
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			t.writeMu.Unlock()
			if err != nil {
				logrus.WithField("component", "signal").WithError(err).Warn("relay ping failed")
				return
			}
		}
	}
}

func removeSignalSub(subs []chan *domain.Signal, ch chan *domain.Signal) []chan *domain.Signal {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

func removeCallSub(subs []chan *domain.Call, ch chan *domain.Call) []chan *domain.Call {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}
