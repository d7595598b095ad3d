package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	wire "github.com/DoyleJ11/arena-backend/internal/types"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// JoinQueue watches the pool and enters it. The room arrives later through
// match-found.
func (s *Session) JoinQueue(ctx context.Context, mode types.Mode, variant types.Variant, player types.Player) (types.QueueEntry, error) {
	topic := bus.PoolTopic(mode, variant)
	if err := s.subscribe(ctx, topic); err != nil {
		return types.QueueEntry{}, err
	}
	s.mu.Lock()
	s.pool = topic
	s.mu.Unlock()

	player.ID = s.cfg.PlayerID
	reply, err := s.request(ctx, wire.ClientMessage{
		Type:    wire.TypeJoinQueue,
		Mode:    mode,
		Variant: variant,
		Player:  &player,
	})
	if err != nil {
		return types.QueueEntry{}, err
	}

	s.mu.Lock()
	// practice rooms can be announced before the reply lands
	if s.view.Room == nil && mode != types.ModeAIPractice {
		s.view.Queued = true
	}
	s.mu.Unlock()
	s.notify()

	if reply.Entry == nil {
		return types.QueueEntry{}, nil
	}
	return *reply.Entry, nil
}

func (s *Session) LeaveQueue(ctx context.Context, mode types.Mode, variant types.Variant) error {
	_, err := s.request(ctx, wire.ClientMessage{
		Type:    wire.TypeLeaveQueue,
		Mode:    mode,
		Variant: variant,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.view.Queued = false
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) Ready(ctx context.Context) error {
	return s.roomRequest(ctx, wire.ClientMessage{Type: wire.TypeReady})
}

// SubmitAction sends a turn. The resulting state arrives as a broadcast; the
// sequence number and damage are assigned by the room.
func (s *Session) SubmitAction(ctx context.Context, action types.BattleAction) error {
	return s.roomRequest(ctx, wire.ClientMessage{Type: wire.TypeAction, Action: &action})
}

func (s *Session) Forfeit(ctx context.Context) error {
	return s.roomRequest(ctx, wire.ClientMessage{Type: wire.TypeForfeit})
}

// Ack confirms the result was seen and returns the session to matchmaking.
func (s *Session) Ack(ctx context.Context) error {
	roomID, err := s.currentRoom()
	if err != nil {
		return err
	}
	if err := s.roomRequest(ctx, wire.ClientMessage{Type: wire.TypeAck}); err != nil {
		return err
	}
	s.leaveRoom(ctx, roomID)
	return nil
}

// Resync replaces the room with the server's current view. A room the server
// no longer knows is dropped and the not-found rejection returned.
func (s *Session) Resync(ctx context.Context) error {
	roomID, err := s.currentRoom()
	if err != nil {
		return err
	}
	reply, err := s.request(ctx, wire.ClientMessage{Type: wire.TypeResync, RoomID: roomID})
	if err != nil {
		if IsCode(err, wire.CodeNotFound) {
			s.leaveRoom(ctx, roomID)
		}
		return err
	}
	if reply.Room != nil {
		s.setRoom(*reply.Room)
	}
	return nil
}

func (s *Session) roomRequest(ctx context.Context, cm wire.ClientMessage) error {
	roomID, err := s.currentRoom()
	if err != nil {
		return err
	}
	cm.RoomID = roomID
	_, err = s.request(ctx, cm)
	return err
}

func (s *Session) currentRoom() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Room == nil {
		return "", ErrNoRoom
	}
	return s.view.Room.ID, nil
}

func (s *Session) leaveRoom(ctx context.Context, roomID string) {
	s.mu.Lock()
	if s.view.Room != nil && s.view.Room.ID == roomID {
		s.view.Room = nil
		s.view.Countdown = 0
	}
	s.mu.Unlock()
	s.notify()
	s.unsubscribe(ctx, bus.RoomTopic(roomID))
}

// setRoom accepts a view unless an equal or newer version is already held.
func (s *Session) setRoom(v types.RoomView) bool {
	s.mu.Lock()
	cur := s.view.Room
	if cur != nil && (cur.ID != v.ID || cur.Version > v.Version) {
		s.mu.Unlock()
		return false
	}
	s.view.Room = &v
	if v.Status != types.StatusCountdown {
		s.view.Countdown = 0
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// apply folds one broadcast into the view. It runs on the reader goroutine.
func (s *Session) apply(ev bus.Message) {
	log := s.log.With(zap.String("event", string(ev.Type)), zap.String("topic", ev.Topic))

	switch ev.Type {
	case types.EventQueueUpdate:
		var qu types.QueueUpdate
		if err := ev.Decode(&qu); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		held := ev.Topic == s.pool
		if held {
			s.view.QueueSize = qu.Size
		}
		s.mu.Unlock()
		if held {
			s.notify()
		}

	case types.EventMatchFound:
		var mf types.MatchFound
		if err := ev.Decode(&mf); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		if !seated(mf.Players, s.cfg.PlayerID) {
			return
		}
		s.enterRoom(mf)

	case types.EventRoomState, types.EventBattleStart:
		var st types.RoomState
		if err := ev.Decode(&st); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.setRoom(st.Room)

	case types.EventRoomCountdown:
		var cd types.RoomCountdown
		if err := ev.Decode(&cd); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		ok := s.view.Room != nil && s.view.Room.ID == cd.RoomID
		if ok {
			s.view.Countdown = cd.SecondsLeft
		}
		s.mu.Unlock()
		if ok {
			s.notify()
		}

	case types.EventBattleAction:
		var ba types.BattleActionEvent
		if err := ev.Decode(&ba); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.setRoom(ba.Room)

	case types.EventTurnSkipped:
		var ts types.TurnSkipped
		if err := ev.Decode(&ts); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.setRoom(ts.Room)

	case types.EventPriceUpdate:
		var pu types.PriceUpdate
		if err := ev.Decode(&pu); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		room := s.view.Room
		ok := room != nil && room.ID == pu.RoomID && !hasTick(room.Snapshots, pu.Snapshot.Tick)
		if ok {
			next := *room
			next.Snapshots = append(append([]types.PriceSnapshot(nil), room.Snapshots...), pu.Snapshot)
			s.view.Room = &next
		}
		s.mu.Unlock()
		if ok {
			s.notify()
		}

	case types.EventBattleEnd:
		var end types.BattleEnd
		if err := ev.Decode(&end); err != nil {
			log.Warn("decode failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		room := s.view.Room
		ok := room != nil && room.ID == end.RoomID
		if ok {
			next := *room
			res := end.Result
			next.Status = types.StatusFinished
			next.Result = &res
			next.CurrentTurn = ""
			next.TurnDeadline = nil
			s.view.Room = &next
		}
		s.mu.Unlock()
		if ok {
			s.notify()
		}
	}
}

// enterRoom seats the session from match-found, then subscribes the room
// and pulls its state, since events before the subscription are missed.
func (s *Session) enterRoom(mf types.MatchFound) {
	players := make([]types.RoomPlayer, 0, len(mf.Players))
	for _, p := range mf.Players {
		players = append(players, types.RoomPlayer{Player: p})
	}
	s.mu.Lock()
	if s.view.Room != nil && s.view.Room.ID == mf.RoomID {
		s.mu.Unlock()
		return
	}
	s.view.Queued = false
	s.view.Room = &types.RoomView{
		ID:      mf.RoomID,
		Mode:    mf.Mode,
		Variant: mf.Variant,
		Status:  types.StatusWaiting,
		Players: players,
	}
	s.mu.Unlock()
	s.notify()
	s.log.Info("match found", zap.String("room_id", mf.RoomID))

	s.goRoom(func(ctx context.Context) {
		if err := s.subscribe(ctx, bus.RoomTopic(mf.RoomID)); err != nil {
			s.log.Warn("room subscribe failed", zap.String("room_id", mf.RoomID), zap.Error(err))
			return
		}
		if err := s.Resync(ctx); err != nil {
			s.log.Warn("room resync failed", zap.String("room_id", mf.RoomID), zap.Error(err))
		}
	})
}

func seated(players []types.Player, id string) bool {
	for _, p := range players {
		if p.ID == id {
			return true
		}
	}
	return false
}

func hasTick(snaps []types.PriceSnapshot, tick int) bool {
	for _, s := range snaps {
		if s.Tick == tick {
			return true
		}
	}
	return false
}
