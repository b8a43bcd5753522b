package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

// relayServer is a minimal in-test signaling relay: it accepts one
// connection, records envelopes, and lets the test push envelopes back.
type relayServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	received  []message
	connected chan struct{}
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	r := &relayServer{connected: make(chan struct{})}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		close(r.connected)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg message
			if json.Unmarshal(data, &msg) == nil {
				r.mu.Lock()
				r.received = append(r.received, msg)
				r.mu.Unlock()
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relayServer) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relayServer) push(t *testing.T, msg message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (r *relayServer) envelopes() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.received...)
}

func dialTransport(t *testing.T, relay *relayServer, identity string) *WSTransport {
	t.Helper()
	tr := NewWSTransport(relay.url(), identity, clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })

	select {
	case <-relay.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the connection")
	}
	return tr
}

func TestWSTransport_AuthenticatesOnConnect(t *testing.T) {
	relay := newRelayServer(t)
	dialTransport(t, relay, "alice")

	require.Eventually(t, func() bool { return len(relay.envelopes()) >= 1 },
		2*time.Second, 5*time.Millisecond)
	first := relay.envelopes()[0]
	assert.Equal(t, methodAuth, first.Method)
	assert.Equal(t, "alice", first.Identity)
}

func TestWSTransport_SendBeforeConnectFails(t *testing.T) {
	tr := NewWSTransport("ws://127.0.0.1:0", "alice", clock.NewFake(time.Unix(0, 0)))

	payload, err := domain.EncodeDescription("offer", "v=0\r\n")
	require.NoError(t, err)
	sig := domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer, payload, time.Unix(0, 0))

	err = tr.SendSignal(context.Background(), sig)
	var serr *domain.SignalingError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "websocket write", serr.Op)

	err = tr.SendBatch(context.Background(), []*domain.Signal{sig})
	assert.ErrorAs(t, err, &serr)
}

func TestWSTransport_SendSignalAndBatch(t *testing.T) {
	relay := newRelayServer(t)
	tr := dialTransport(t, relay, "alice")

	payload, err := domain.EncodeDescription("offer", "v=0\r\n")
	require.NoError(t, err)
	sig := domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer, payload, time.Unix(0, 0))
	require.NoError(t, tr.SendSignal(context.Background(), sig))

	cand, err := domain.EncodeCandidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host", "0", 0)
	require.NoError(t, err)
	batch := []*domain.Signal{
		domain.NewSignal("call-1", "alice", "bob", domain.SignalCandidate, cand, time.Unix(0, 0)),
		domain.NewSignal("call-1", "alice", "bob", domain.SignalCandidate, cand, time.Unix(0, 0)),
	}
	require.NoError(t, tr.SendBatch(context.Background(), batch))

	require.Eventually(t, func() bool { return len(relay.envelopes()) >= 3 },
		2*time.Second, 5*time.Millisecond)
	msgs := relay.envelopes()
	assert.Equal(t, methodSignal, msgs[1].Method)
	assert.Equal(t, "call-1", msgs[1].Signal.CallID)
	assert.Equal(t, methodSignalBatch, msgs[2].Method)
	assert.Len(t, msgs[2].Signals, 2)

	// An empty batch never hits the wire.
	require.NoError(t, tr.SendBatch(context.Background(), nil))
}

func TestWSTransport_DeliversByReceiver(t *testing.T) {
	relay := newRelayServer(t)
	tr := dialTransport(t, relay, "alice")

	ctx := context.Background()
	aliceCh, err := tr.SubscribeSignals(ctx, "alice")
	require.NoError(t, err)
	bobCh, err := tr.SubscribeSignals(ctx, "bob")
	require.NoError(t, err)

	payload, err := domain.EncodeDescription("answer", "v=0\r\n")
	require.NoError(t, err)
	relay.push(t, message{
		Method: methodSignal,
		Signal: domain.NewSignal("call-1", "bob", "alice", domain.SignalAnswer, payload, time.Unix(0, 0)),
	})

	select {
	case sig := <-aliceCh:
		assert.Equal(t, domain.SignalAnswer, sig.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("signal never delivered to alice")
	}
	assert.Empty(t, bobCh, "signal addressed to alice must not reach bob's subscription")
}

func TestWSTransport_DeliversCallsToBothParticipants(t *testing.T) {
	relay := newRelayServer(t)
	tr := dialTransport(t, relay, "alice")

	callerCh, err := tr.SubscribeCalls(context.Background(), "alice")
	require.NoError(t, err)

	call := domain.NewCall("room-1", "bob", "alice", domain.KindVideo, time.Unix(0, 0))
	relay.push(t, message{Method: methodCall, Call: call})

	select {
	case got := <-callerCh:
		assert.Equal(t, call.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("call record never delivered")
	}
}

func TestWSTransport_CloseEndsSubscriptions(t *testing.T) {
	relay := newRelayServer(t)
	tr := dialTransport(t, relay, "alice")

	ch, err := tr.SubscribeSignals(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "double close must be safe")

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "subscription channel should close")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never closed")
	}
}
