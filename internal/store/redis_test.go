package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/domain"
)

// testStore connects to the Redis named by PEERCALL_TEST_REDIS_ADDR, or
// skips the test when none is available.
func testStore(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("PEERCALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set PEERCALL_TEST_REDIS_ADDR to run redis store tests")
	}

	client := NewClient(addr, "", 15)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() { client.Close() })

	return New(client)
}

func TestRedis_CallLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	call := domain.NewCall("room-1", "alice", "bob", domain.KindVideo, time.Now().UTC())
	require.NoError(t, s.CreateCall(ctx, call))

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, domain.StatusCalling, got.Status)

	active := domain.StatusActive
	got, err = s.UpdateCall(ctx, call.ID, domain.CallPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	ended := domain.StatusEnded
	now := time.Now().UTC()
	_, err = s.UpdateCall(ctx, call.ID, domain.CallPatch{Status: &ended, EndedAt: &now})
	require.NoError(t, err)

	// Terminal records are immutable.
	_, err = s.UpdateCall(ctx, call.ID, domain.CallPatch{Status: &active})
	assert.ErrorIs(t, err, domain.ErrCallTerminal)
}

func TestRedis_GetCall_Missing(t *testing.T) {
	s := testStore(t)
	_, err := s.GetCall(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNoSuchCall)
}

func TestRedis_SignalLogOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	offer, err := domain.EncodeDescription("offer", "v=0\r\n")
	require.NoError(t, err)
	cand, err := domain.EncodeCandidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host", "0", 0)
	require.NoError(t, err)

	first := domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer, offer, time.Now().UTC())
	second := domain.NewSignal("call-1", "alice", "bob", domain.SignalCandidate, cand, time.Now().UTC())
	require.NoError(t, s.AppendSignal(ctx, first))
	require.NoError(t, s.AppendSignal(ctx, second))

	sigs, err := s.ListSignals(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, first.ID, sigs[0].ID)
	assert.Equal(t, second.ID, sigs[1].ID)
}

func TestRedis_SendSignalDeliversToSubscriber(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeSignals(ctx, "bob")
	require.NoError(t, err)

	offer, err := domain.EncodeDescription("offer", "v=0\r\n")
	require.NoError(t, err)
	sig := domain.NewSignal("call-1", "alice", "bob", domain.SignalOffer, offer, time.Now().UTC())
	require.NoError(t, s.SendSignal(ctx, sig))

	select {
	case got := <-ch:
		assert.Equal(t, sig.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("signal never delivered")
	}

	// The signal is also persisted for replay.
	sigs, err := s.ListSignals(ctx, "call-1")
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestRedis_CreateCallAnnouncesToReceiver(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeCalls(ctx, "bob")
	require.NoError(t, err)

	call := domain.NewCall("room-1", "alice", "bob", domain.KindAudio, time.Now().UTC())
	require.NoError(t, s.CreateCall(ctx, call))

	select {
	case got := <-ch:
		assert.Equal(t, call.ID, got.ID)
		assert.Equal(t, domain.KindAudio, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("call announcement never delivered")
	}
}
