package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "arena:"

// Redis carries bus traffic over Redis pub/sub so several server processes can
// share topics. A dropped connection closes every local subscription with
// ErrDisconnected; the bus then reconnects in the background and subscribers
// must subscribe again.
type Redis struct {
	client *redis.Client
	reg    *registry
	log    *zap.Logger
	state  atomic.Int32

	mu sync.Mutex
	ps *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedis(ctx context.Context, addr string, buffer int, log *zap.Logger) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		reg:    newRegistry(buffer, log.Named("bus")),
		log:    log.Named("bus.redis"),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.reg.onEmpty = r.unsubscribeRemote
	r.ps = client.Subscribe(runCtx)

	go r.receive()
	return r, nil
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	switch r.State() {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
		return ErrDisconnected
	}

	return r.reg.sequence(msg.Topic, func(seq uint64) error {
		msg.Seq = seq
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := r.client.Publish(ctx, redisChannelPrefix+msg.Topic, payload).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
		return nil
	})
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	switch r.State() {
	case StateClosed:
		return nil, ErrClosed
	case StateDisconnected:
		return nil, ErrDisconnected
	}

	sub, first := r.reg.add(topic)
	if !first {
		return sub, nil
	}

	r.mu.Lock()
	err := r.ps.Subscribe(ctx, redisChannelPrefix+topic)
	r.mu.Unlock()
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (r *Redis) unsubscribeRemote(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ps.Unsubscribe(r.ctx, redisChannelPrefix+topic); err != nil {
		r.log.Debug("redis unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (r *Redis) SubscriberCount(topic string) int { return r.reg.count(topic) }

func (r *Redis) Release(topic string) { r.reg.release(topic) }

func (r *Redis) State() ConnState { return ConnState(r.state.Load()) }

func (r *Redis) receive() {
	defer close(r.done)
	for {
		r.mu.Lock()
		ps := r.ps
		r.mu.Unlock()

		raw, err := ps.ReceiveMessage(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.reconnect(err)
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			r.log.Warn("discarding undecodable message", zap.String("channel", raw.Channel), zap.Error(err))
			continue
		}
		r.reg.deliver(msg)
	}
}

func (r *Redis) reconnect(cause error) {
	if !r.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}
	r.log.Warn("redis connection lost", zap.Error(cause))
	r.reg.closeAll(ErrDisconnected)

	r.mu.Lock()
	_ = r.ps.Close()
	r.mu.Unlock()

	err := Retry(r.ctx, -1, 200*time.Millisecond, 5*time.Second, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
	if err != nil {
		// Only a cancelled context stops Retry here.
		return
	}

	r.mu.Lock()
	r.ps = r.client.Subscribe(r.ctx)
	r.mu.Unlock()
	r.state.Store(int32(StateConnected))
	r.log.Info("redis connection restored")
}

func (r *Redis) Close() error {
	if ConnState(r.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	r.cancel()

	r.mu.Lock()
	psErr := r.ps.Close()
	r.mu.Unlock()
	<-r.done

	r.reg.closeAll(ErrClosed)
	return errors.Join(psErr, r.client.Close())
}
