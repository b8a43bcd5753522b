// Package store persists call records and signals in Redis and moves
// them between peers over its pub/sub channels.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"peercall/internal/domain"
)

// DefaultTTL is how long call records and signal logs are retained.
const DefaultTTL = 24 * time.Hour

const subBufferSize = 64

// Redis implements both CallStore and SignalTransport on one go-redis
// client. Records live under call:<id> and signals:<call_id>; delivery
// runs over the calls:user:<id> and signals:user:<id> channels.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis-backed store.
func New(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: DefaultTTL}
}

// NewClient dials Redis with the standard options.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func callKey(id string) string        { return fmt.Sprintf("call:%s", id) }
func signalsKey(callID string) string { return fmt.Sprintf("signals:%s", callID) }
func callChannel(userID string) string {
	return fmt.Sprintf("calls:user:%s", userID)
}
func signalChannel(userID string) string {
	return fmt.Sprintf("signals:user:%s", userID)
}

// CreateCall persists a new call record and announces it to both
// participants. The announcement is how the receiver learns about an
// incoming call.
func (r *Redis) CreateCall(ctx context.Context, call *domain.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, callKey(call.ID), data, r.ttl)
	pipe.Publish(ctx, callChannel(call.CallerID), data)
	pipe.Publish(ctx, callChannel(call.ReceiverID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist call: %w", err)
	}
	return nil
}

// updateRetries bounds how often an update is retried after losing a
// WATCH race before giving up.
const updateRetries = 3

// UpdateCall applies a patch to the persisted record and announces the
// new state to both participants. Patching a terminal call fails with
// ErrCallTerminal. The read-modify-write runs under WATCH so two
// processes racing on the same call cannot both persist; the loser
// re-reads and re-checks the terminal guard.
func (r *Redis) UpdateCall(ctx context.Context, id string, patch domain.CallPatch) (*domain.Call, error) {
	var updated *domain.Call

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, callKey(id)).Result()
		if err == redis.Nil {
			return domain.ErrNoSuchCall
		}
		if err != nil {
			return fmt.Errorf("get call: %w", err)
		}

		var call domain.Call
		if err := json.Unmarshal([]byte(data), &call); err != nil {
			return fmt.Errorf("unmarshal call: %w", err)
		}
		if call.Status.Terminal() {
			return domain.ErrCallTerminal
		}

		applyPatch(&call, patch)

		payload, err := json.Marshal(&call)
		if err != nil {
			return fmt.Errorf("marshal call: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, callKey(id), payload, r.ttl)
			pipe.Publish(ctx, callChannel(call.CallerID), payload)
			pipe.Publish(ctx, callChannel(call.ReceiverID), payload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist call update: %w", err)
		}
		updated = &call
		return nil
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := r.client.Watch(ctx, txn, callKey(id))
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update call %s: too many concurrent updates", id)
}

func applyPatch(call *domain.Call, patch domain.CallPatch) {
	if patch.Status != nil {
		call.Status = *patch.Status
	}
	if patch.AnsweredAt != nil {
		call.AnsweredAt = patch.AnsweredAt
	}
	if patch.EndedAt != nil {
		call.EndedAt = patch.EndedAt
	}
	if patch.DurationSeconds != nil {
		call.DurationSeconds = *patch.DurationSeconds
	}
	if patch.EndReason != nil {
		call.EndReason = *patch.EndReason
	}
}

// GetCall loads a call record by id.
func (r *Redis) GetCall(ctx context.Context, id string) (*domain.Call, error) {
	data, err := r.client.Get(ctx, callKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrNoSuchCall
		}
		return nil, fmt.Errorf("get call: %w", err)
	}

	var call domain.Call
	if err := json.Unmarshal([]byte(data), &call); err != nil {
		return nil, fmt.Errorf("unmarshal call: %w", err)
	}
	return &call, nil
}

// AppendSignal adds a signal to the call's ordered log. Signals are
// write-once; the log is only ever appended to.
func (r *Redis) AppendSignal(ctx context.Context, sig *domain.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, signalsKey(sig.CallID), data)
	pipe.Expire(ctx, signalsKey(sig.CallID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	return nil
}

// ListSignals returns the call's signals in append order.
func (r *Redis) ListSignals(ctx context.Context, callID string) ([]*domain.Signal, error) {
	items, err := r.client.LRange(ctx, signalsKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}

	sigs := make([]*domain.Signal, 0, len(items))
	for _, item := range items {
		var sig domain.Signal
		if err := json.Unmarshal([]byte(item), &sig); err != nil {
			return nil, fmt.Errorf("unmarshal signal: %w", err)
		}
		sigs = append(sigs, &sig)
	}
	return sigs, nil
}

// SendSignal appends the signal to the call's log and publishes it to the
// receiver's channel.
func (r *Redis) SendSignal(ctx context.Context, sig *domain.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, signalsKey(sig.CallID), data)
	pipe.Expire(ctx, signalsKey(sig.CallID), r.ttl)
	pipe.Publish(ctx, signalChannel(sig.ReceiverID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

// SendBatch delivers the signals as one pipelined round trip; Redis
// preserves pipeline order so receivers see the batch in sequence.
func (r *Redis) SendBatch(ctx context.Context, sigs []*domain.Signal) error {
	if len(sigs) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, sig := range sigs {
		data, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signal: %w", err)
		}
		pipe.RPush(ctx, signalsKey(sig.CallID), data)
		pipe.Expire(ctx, signalsKey(sig.CallID), r.ttl)
		pipe.Publish(ctx, signalChannel(sig.ReceiverID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("send signal batch: %w", err)
	}
	return nil
}

// SubscribeSignals yields signals published to receiverID's channel until
// ctx ends.
func (r *Redis) SubscribeSignals(ctx context.Context, receiverID string) (<-chan *domain.Signal, error) {
	pubsub := r.client.Subscribe(ctx, signalChannel(receiverID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe signals: %w", err)
	}

	out := make(chan *domain.Signal, subBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sig domain.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					logrus.WithField("component", "store").WithError(err).Warn("malformed signal on channel")
					continue
				}
				select {
				case out <- &sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SubscribeCalls yields call records published to userID's channel until
// ctx ends.
func (r *Redis) SubscribeCalls(ctx context.Context, userID string) (<-chan *domain.Call, error) {
	pubsub := r.client.Subscribe(ctx, callChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe calls: %w", err)
	}

	out := make(chan *domain.Call, subBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var call domain.Call
				if err := json.Unmarshal([]byte(msg.Payload), &call); err != nil {
					logrus.WithField("component", "store").WithError(err).Warn("malformed call on channel")
					continue
				}
				select {
				case out <- &call:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
