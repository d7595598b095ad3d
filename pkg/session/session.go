// Package session is the client side of the websocket protocol. A Session
// holds one player's connection, keeps its pool and room subscriptions alive
// across reconnects, and exposes the last state the server broadcast.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/matchmaking"
	wire "github.com/DoyleJ11/arena-backend/internal/types"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var (
	ErrDisconnected = errors.New("session disconnected")
	ErrNoRoom       = errors.New("not in a room")
)

// RejectedError is a request the server refused. Code is the protocol code,
// e.g. not-your-turn or already-in-room.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// IsCode reports whether err is a rejection carrying code.
func IsCode(err error, code string) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Code == code
}

type Config struct {
	URL      string // websocket endpoint, e.g. ws://host/ws
	PlayerID string
	Dialer   *websocket.Dialer
	Logger   *zap.Logger

	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
}

// View is what the UI renders. Room is only ever replaced by server state.
type View struct {
	Connected bool
	Queued    bool
	QueueSize int
	Countdown int
	Room      *types.RoomView
}

type Session struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	view     View
	conn     *websocket.Conn
	connCtx  context.Context
	pool     string          // pool topic whose size is shown
	topics   map[string]bool // topics to hold across reconnects
	pending  map[string]chan wire.ServerMessage
	updates  chan View
	writeMu  sync.Mutex
	roomSubs sync.WaitGroup
}

func New(cfg Config) *Session {
	cfg.PlayerID = matchmaking.NormalizePlayerID(cfg.PlayerID)
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Second
	}
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.Named("session").With(zap.String("player_id", cfg.PlayerID)),
		topics:  make(map[string]bool),
		pending: make(map[string]chan wire.ServerMessage),
		updates: make(chan View, 16),
	}
}

// View returns a copy of the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Updates signals after every applied change. Slow readers miss
// intermediate views and should call View.
func (s *Session) Updates() <-chan View { return s.updates }

// Run keeps the session connected until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := bus.Retry(ctx, -1, s.cfg.ReconnectBase, s.cfg.ReconnectMax, func(ctx context.Context) error {
			c, err := s.dial(ctx)
			if err != nil {
				s.log.Warn("dial failed", zap.Error(err))
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			return ctx.Err()
		}

		s.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectBase):
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("player", s.cfg.PlayerID)
	u.RawQuery = q.Encode()

	conn, _, err := s.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve owns one connection until it drops.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.view.Connected = true
	s.mu.Unlock()
	s.notify()
	s.log.Info("connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(conn)
		cancel()
	}()
	go func() {
		select {
		case <-connCtx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	s.restore(connCtx)

	<-readDone
	cancel()
	_ = conn.Close()
	s.roomSubs.Wait()

	s.mu.Lock()
	s.conn = nil
	s.view.Connected = false
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.notify()
	s.log.Info("disconnected")
}

// restore resubscribes every held topic and refetches the room, since events
// sent while offline are not replayed.
func (s *Session) restore(ctx context.Context) {
	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	inRoom := s.view.Room != nil
	s.mu.Unlock()

	for _, t := range topics {
		if err := s.subscribe(ctx, t); err != nil {
			s.log.Warn("resubscribe failed", zap.String("topic", t), zap.Error(err))
		}
	}
	if inRoom {
		if err := s.Resync(ctx); err != nil && !IsCode(err, wire.CodeNotFound) {
			s.log.Warn("room resync failed", zap.Error(err))
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		var msg wire.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("bad frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case wire.TypeReply:
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ok {
				ch <- msg
			}
		case wire.TypeEvent:
			var ev bus.Message
			if err := json.Unmarshal(msg.Event, &ev); err != nil {
				s.log.Warn("bad event", zap.Error(err))
				continue
			}
			s.apply(ev)
		case wire.TypeResyncRequired:
			s.mu.Lock()
			held := s.topics[msg.Topic]
			s.mu.Unlock()
			if !held {
				continue
			}
			s.log.Info("resync required", zap.String("topic", msg.Topic))
			s.goRoom(func(ctx context.Context) {
				if err := s.subscribe(ctx, msg.Topic); err != nil {
					s.log.Warn("resubscribe failed", zap.String("topic", msg.Topic), zap.Error(err))
				}
				if err := s.Resync(ctx); err != nil && !errors.Is(err, ErrNoRoom) {
					s.log.Warn("room resync failed", zap.Error(err))
				}
			})
		}
	}
}

// goRoom runs fn on the current connection without blocking the reader.
func (s *Session) goRoom(fn func(ctx context.Context)) {
	s.mu.Lock()
	ctx := s.connCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.roomSubs.Add(1)
	go func() {
		defer s.roomSubs.Done()
		fn(ctx)
	}()
}

func (s *Session) request(ctx context.Context, cm wire.ClientMessage) (wire.ServerMessage, error) {
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	payload, err := json.Marshal(cm)
	if err != nil {
		return wire.ServerMessage{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	reply := make(chan wire.ServerMessage, 1)
	s.mu.Lock()
	conn, connCtx := s.conn, s.connCtx
	if conn == nil {
		s.mu.Unlock()
		return wire.ServerMessage{}, ErrDisconnected
	}
	s.pending[cm.ID] = reply
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(cm.ID)
		return wire.ServerMessage{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return wire.ServerMessage{}, ErrDisconnected
		}
		if !msg.OK {
			return msg, &RejectedError{Code: msg.Code, Message: msg.Error}
		}
		return msg, nil
	case <-connCtx.Done():
		s.forget(cm.ID)
		return wire.ServerMessage{}, ErrDisconnected
	case <-ctx.Done():
		s.forget(cm.ID)
		return wire.ServerMessage{}, ctx.Err()
	}
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) subscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	s.topics[topic] = true
	s.mu.Unlock()
	_, err := s.request(ctx, wire.ClientMessage{Type: wire.TypeSubscribe, Topic: topic})
	return err
}

func (s *Session) unsubscribe(ctx context.Context, topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	if _, err := s.request(ctx, wire.ClientMessage{Type: wire.TypeUnsubscribe, Topic: topic}); err != nil {
		s.log.Debug("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Session) snapshot() View {
	v := s.view
	if v.Room != nil {
		room := *v.Room
		v.Room = &room
	}
	return v
}

func (s *Session) notify() {
	v := s.View()
	select {
	case s.updates <- v:
	default:
	}
}
