package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/hub"
	"github.com/DoyleJ11/arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/types"
)

const (
	readTimeout    = 60 * time.Second
	writeTimeout   = 3 * time.Second
	requestTimeout = 5 * time.Second
	outboxSize     = 64
)

type Deps struct {
	Bus            bus.Bus
	Hub            *hub.Hub
	Queue          *matchmaking.Queue
	Log            *zap.Logger
	OriginPatterns []string
}

// presence counts open sockets per player so that a second tab closing does
// not mark a still connected player as gone.
type presence struct {
	mu    sync.Mutex
	conns map[string]int
}

func (p *presence) up(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[id]++
	return p.conns[id] == 1
}

func (p *presence) down(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[id]--
	if p.conns[id] <= 0 {
		delete(p.conns, id)
		return true
	}
	return false
}

func Handler(d Deps) http.HandlerFunc {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	online := &presence{conns: make(map[string]int)}

	return func(w http.ResponseWriter, r *http.Request) {
		playerID := matchmaking.NormalizePlayerID(r.URL.Query().Get("player"))
		if playerID == "" {
			http.Error(w, "missing player", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: d.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		s := &session{
			ctx:      ctx,
			deps:     d,
			playerID: playerID,
			conn:     conn,
			out:      make(chan types.ServerMessage, outboxSize),
			subs:     make(map[string]*bus.Subscription),
			log:      d.Log.With(zap.String("player_id", playerID)),
		}
		defer s.unsubscribeAll()

		if online.up(playerID) {
			s.presence(ctx, true)
		}
		defer func() {
			if online.down(playerID) {
				s.presence(context.WithoutCancel(ctx), false)
			}
		}()

		// Writer goroutine
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(ctx)
		}()

		s.readLoop(ctx)
		cancel()
		<-writerDone
	}
}

type session struct {
	ctx      context.Context // socket lifetime
	deps     Deps
	playerID string
	conn     *websocket.Conn
	out      chan types.ServerMessage
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]*bus.Subscription
	fwd  sync.WaitGroup
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				s.log.Error("encode frame", zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.log.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := s.conn.Read(rctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				s.log.Debug("read ended", zap.Error(err))
			}
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			s.send(ctx, types.ServerMessage{Type: types.TypeReply, Code: types.CodeBadRequest, Error: "bad json"})
			continue
		}
		s.send(ctx, s.dispatch(ctx, cm))
	}
}

// send queues a frame for the writer. It gives up when the socket is done.
func (s *session) send(ctx context.Context, msg types.ServerMessage) {
	select {
	case s.out <- msg:
	case <-ctx.Done():
	}
}

func ok(id string) types.ServerMessage {
	return types.ServerMessage{Type: types.TypeReply, ID: id, OK: true}
}

func reject(id, code string, err error) types.ServerMessage {
	msg := types.ServerMessage{Type: types.TypeReply, ID: id, Code: code}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func (s *session) dispatch(ctx context.Context, cm types.ClientMessage) types.ServerMessage {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch cm.Type {
	case types.TypePing:
		return ok(cm.ID)

	case types.TypeSubscribe:
		if err := s.subscribe(rctx, cm.Topic); err != nil {
			return reject(cm.ID, types.CodeBadRequest, err)
		}
		return ok(cm.ID)

	case types.TypeUnsubscribe:
		s.unsubscribe(cm.Topic)
		return ok(cm.ID)

	case types.TypeJoinQueue:
		if cm.Player == nil {
			return reject(cm.ID, types.CodeBadRequest, errors.New("missing player"))
		}
		p := *cm.Player
		p.ID = s.playerID
		entry, err := s.deps.Queue.Enqueue(rctx, matchmaking.JoinRequest{
			EventID: cm.ID,
			Player:  p,
			Mode:    cm.Mode,
			Variant: cm.Variant,
		})
		if err != nil {
			return reject(cm.ID, matchmaking.Code(err), err)
		}
		reply := ok(cm.ID)
		reply.Entry = &entry
		return reply

	case types.TypeLeaveQueue:
		err := s.deps.Queue.Dequeue(rctx, matchmaking.LeaveRequest{
			EventID:  cm.ID,
			PlayerID: s.playerID,
			Mode:     cm.Mode,
			Variant:  cm.Variant,
		})
		if err != nil {
			return reject(cm.ID, matchmaking.Code(err), err)
		}
		return ok(cm.ID)

	case types.TypeResync:
		rm, err := s.room(rctx, cm.RoomID)
		if err != nil {
			return reject(cm.ID, types.CodeNotFound, err)
		}
		view, err := rm.View(rctx)
		if err != nil {
			return reject(cm.ID, room.Code(err), err)
		}
		reply := ok(cm.ID)
		reply.Room = &view
		return reply

	case types.TypeReady, types.TypeAction, types.TypeForfeit, types.TypeAck:
		if cm.Type == types.TypeAction && cm.Action == nil {
			return reject(cm.ID, types.CodeBadRequest, errors.New("missing action"))
		}
		rm, err := s.room(rctx, cm.RoomID)
		if err != nil {
			return reject(cm.ID, types.CodeNotFound, err)
		}
		if err := s.roomCommand(rctx, rm, cm); err != nil {
			return reject(cm.ID, room.Code(err), err)
		}
		return ok(cm.ID)

	default:
		return reject(cm.ID, types.CodeUnknownType, errors.New("unknown type "+cm.Type))
	}
}

func (s *session) roomCommand(ctx context.Context, rm *room.Room, cm types.ClientMessage) error {
	switch cm.Type {
	case types.TypeReady:
		return rm.Ready(ctx, s.playerID)
	case types.TypeForfeit:
		return rm.Forfeit(ctx, s.playerID)
	case types.TypeAck:
		return rm.Ack(ctx, s.playerID)
	default:
		a := *cm.Action
		a.PlayerID = s.playerID
		a.SequenceNumber = 0
		a.ResultingDamage = 0
		return rm.Submit(ctx, a)
	}
}

// room resolves an explicit room id, or the player's live room when empty.
func (s *session) room(ctx context.Context, id string) (*room.Room, error) {
	if id == "" {
		return s.deps.Hub.RoomOf(ctx, s.playerID)
	}
	return s.deps.Hub.Room(ctx, id)
}

func (s *session) presence(ctx context.Context, connected bool) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	rm, err := s.deps.Hub.RoomOf(ctx, s.playerID)
	if err != nil {
		return
	}
	if connected {
		err = rm.Rejoin(ctx, s.playerID)
	} else {
		err = rm.Disconnect(ctx, s.playerID)
	}
	if err != nil {
		s.log.Debug("presence update failed", zap.Bool("connected", connected), zap.Error(err))
	}
}

func validTopic(topic string) bool {
	return strings.HasPrefix(topic, "pool:") || strings.HasPrefix(topic, "room:")
}

// subscribe forwards topic events in order. Resubscribing to a held topic
// is a no-op.
func (s *session) subscribe(ctx context.Context, topic string) error {
	if !validTopic(topic) {
		return errors.New("unknown topic " + topic)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[topic]; ok {
		return nil
	}
	sub, err := s.deps.Bus.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	s.subs[topic] = sub

	s.fwd.Add(1)
	go s.forward(sub)
	return nil
}

func (s *session) forward(sub *bus.Subscription) {
	defer s.fwd.Done()
	for msg := range sub.C() {
		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case s.out <- types.ServerMessage{Type: types.TypeEvent, Topic: msg.Topic, Event: raw}:
		case <-s.ctx.Done():
			sub.Unsubscribe()
			return
		}
	}

	s.mu.Lock()
	if s.subs[sub.Topic()] == sub {
		delete(s.subs, sub.Topic())
	}
	s.mu.Unlock()

	// nil after Unsubscribe and ErrClosed on shutdown; anything else means
	// events were lost.
	if err := sub.Err(); err != nil && !errors.Is(err, bus.ErrClosed) {
		s.log.Debug("subscription ended", zap.String("topic", sub.Topic()), zap.Error(err))
		select {
		case s.out <- types.ServerMessage{Type: types.TypeResyncRequired, Topic: sub.Topic(), Error: err.Error()}:
		default:
		}
	}
}

func (s *session) unsubscribe(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (s *session) unsubscribeAll() {
	s.mu.Lock()
	subs := make([]*bus.Subscription, 0, len(s.subs))
	for topic, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, topic)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.fwd.Wait()
}
