package bus

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Memory is an in-process Bus. It never loses its transport on its own;
// Disconnect and Reconnect exist so callers can exercise the resync path.
type Memory struct {
	reg   *registry
	state atomic.Int32
}

func NewMemory(buffer int, log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{reg: newRegistry(buffer, log.Named("bus"))}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := m.usable(ctx, msg.Topic); err != nil {
		return err
	}
	m.reg.publish(msg)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := m.usable(ctx, topic); err != nil {
		return nil, err
	}
	sub, _ := m.reg.add(topic)
	return sub, nil
}

func (m *Memory) usable(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch m.State() {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
		return ErrDisconnected
	}
	return nil
}

func (m *Memory) SubscriberCount(topic string) int { return m.reg.count(topic) }

func (m *Memory) Release(topic string) { m.reg.release(topic) }

func (m *Memory) State() ConnState { return ConnState(m.state.Load()) }

// Disconnect closes every subscription with ErrDisconnected. Nothing published
// while disconnected is buffered for later.
func (m *Memory) Disconnect() {
	if m.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		m.reg.closeAll(ErrDisconnected)
	}
}

func (m *Memory) Reconnect() {
	m.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnected))
}

func (m *Memory) Close() error {
	if ConnState(m.state.Swap(int32(StateClosed))) != StateClosed {
		m.reg.closeAll(ErrClosed)
	}
	return nil
}
