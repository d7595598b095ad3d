package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var (
	ErrClosed       = errors.New("bus closed")
	ErrDisconnected = errors.New("bus disconnected")
	ErrSlowConsumer = errors.New("subscriber too slow")
	ErrEmptyTopic   = errors.New("empty topic")
)

type ConnState int32

const (
	StateConnected ConnState = iota
	StateDisconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Message is one event on a topic. Seq is assigned per topic at publish time
// and increases in delivery order.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Type        types.EventType `json:"type"`
	Seq         uint64          `json:"seq"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
}

func NewMessage(topic string, typ types.EventType, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Type:        typ,
		Data:        data,
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Bus is a topic based publish/subscribe transport. Delivery is ordered per
// topic and at-least-once; there is no ordering across topics. After a
// disconnect every subscription is closed and callers must subscribe again.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	SubscriberCount(topic string) int
	// Release drops the bookkeeping for a topic that will see no more
	// publishes, once its last subscriber has left.
	Release(topic string)
	State() ConnState
	Close() error
}

func PoolTopic(mode types.Mode, variant types.Variant) string {
	return "pool:" + string(variant) + ":" + string(mode)
}

func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// Publish encodes v and publishes it on topic.
func Publish(ctx context.Context, b Bus, topic string, typ types.EventType, v any) error {
	msg, err := NewMessage(topic, typ, v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, msg)
}

type Subscription struct {
	topic  string
	ch     chan Message
	once   sync.Once
	mu     sync.Mutex
	err    error
	detach func(*Subscription)
}

func (s *Subscription) Topic() string { return s.topic }

// C is closed when the subscription ends; Err then reports why. Err is nil
// after Unsubscribe.
func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	if s.detach != nil {
		s.detach(s)
	}
}

// close must be called with the owning topic's lock held.
func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}
