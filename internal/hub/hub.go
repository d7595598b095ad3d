package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/pricefeed"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrClosed       = errors.New("hub closed")
)

const saveTimeout = 10 * time.Second

type HubMsg interface{ isHubMsg() }

type CreateRoom struct {
	Mode    types.Mode
	Variant types.Variant
	Players []types.Player
	Reply   chan *room.Room
}

type GetRoom struct {
	ID    string
	Reply chan *room.Room
}

// RoomOf finds the live room a player is seated in.
type RoomOf struct {
	PlayerID string
	Reply    chan *room.Room
}

type RemoveRoom struct {
	ID string
}

type ShutdownHub struct{}

type roomFinished struct {
	result types.MatchResult
}

type countRooms struct {
	Reply chan int
}

func (CreateRoom) isHubMsg()   {}
func (GetRoom) isHubMsg()      {}
func (RoomOf) isHubMsg()       {}
func (RemoveRoom) isHubMsg()   {}
func (ShutdownHub) isHubMsg()  {}
func (roomFinished) isHubMsg() {}
func (countRooms) isHubMsg()   {}

type Config struct {
	Bus      bus.Bus
	Feed     pricefeed.Feed
	Sink     store.Sink
	Settings room.Settings
	Log      *zap.Logger
}

// Hub owns every live room. Membership covers seated players until their
// room finishes, so a finished room no longer blocks re-queueing.
type Hub struct {
	inbox   chan HubMsg
	rooms   map[string]*room.Room
	members map[string]string // player id -> room id
	cfg     Config
	log     *zap.Logger
	saves   sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, cfg Config) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = store.Nop{}
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*room.Room),
		members: make(map[string]string),
		cfg:     cfg,
		log:     cfg.Log.Named("hub"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				msg.Reply <- h.create(msg)

			case GetRoom:
				msg.Reply <- h.rooms[msg.ID] // may be nil

			case RoomOf:
				var rm *room.Room
				if id, ok := h.members[msg.PlayerID]; ok {
					rm = h.rooms[id]
				}
				msg.Reply <- rm

			case RemoveRoom:
				h.remove(msg.ID)

			case roomFinished:
				h.finished(msg.result)

			case countRooms:
				msg.Reply <- len(h.rooms)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) create(msg CreateRoom) *room.Room {
	id, err := gonanoid.New(12)
	if err != nil {
		h.log.Error("generate room id", zap.Error(err))
		return nil
	}
	for h.rooms[id] != nil {
		h.log.Debug("room id collision, regenerating")
		if id, err = gonanoid.New(12); err != nil {
			return nil
		}
	}

	rm := room.New(h.ctx, room.Config{
		ID:       id,
		Mode:     msg.Mode,
		Variant:  msg.Variant,
		Players:  msg.Players,
		Settings: h.cfg.Settings,
		Bus:      h.cfg.Bus,
		Feed:     h.cfg.Feed,
		Log:      h.cfg.Log,
		OnFinish: func(res types.MatchResult) { h.post(roomFinished{result: res}) },
		OnClose:  func(roomID string) { h.post(RemoveRoom{ID: roomID}) },
	})
	h.rooms[id] = rm
	for _, p := range msg.Players {
		if !p.Bot {
			h.members[p.ID] = id
		}
	}
	h.log.Info("room created",
		zap.String("room_id", id),
		zap.String("mode", string(msg.Mode)),
		zap.String("variant", string(msg.Variant)),
	)
	return rm
}

func (h *Hub) remove(id string) {
	rm, ok := h.rooms[id]
	if !ok {
		return
	}
	rm.Shutdown()
	delete(h.rooms, id)
	h.cfg.Bus.Release(bus.RoomTopic(id))
	for pid, rid := range h.members {
		if rid == id {
			delete(h.members, pid)
		}
	}
	h.log.Debug("room removed", zap.String("room_id", id))
}

// finished releases the players and hands the result to the sink once.
func (h *Hub) finished(res types.MatchResult) {
	for _, pid := range res.PlayerIDs {
		if h.members[pid] == res.RoomID {
			delete(h.members, pid)
		}
	}

	h.saves.Add(1)
	go func() {
		defer h.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := h.cfg.Sink.SaveResult(ctx, res); err != nil {
			h.log.Error("save match result", zap.String("room_id", res.RoomID), zap.Error(err))
		}
	}()
}

func (h *Hub) shutdown() {
	for id, rm := range h.rooms {
		rm.Shutdown()
		delete(h.rooms, id)
	}
	clear(h.members)
	h.cancel()
}

// post is used by room callbacks, which run on room goroutines.
func (h *Hub) post(m HubMsg) {
	select {
	case h.inbox <- m:
	case <-h.done:
	}
}

func (h *Hub) request(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reply[T any](ctx context.Context, h *Hub, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-h.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Allocate creates a room for players and returns its id.
func (h *Hub) Allocate(ctx context.Context, mode types.Mode, variant types.Variant, players []types.Player) (string, error) {
	ch := make(chan *room.Room, 1)
	if err := h.request(ctx, CreateRoom{Mode: mode, Variant: variant, Players: players, Reply: ch}); err != nil {
		return "", err
	}
	rm, err := reply(ctx, h, ch)
	if err != nil {
		return "", err
	}
	if rm == nil {
		return "", fmt.Errorf("allocate room: id generation failed")
	}
	return rm.ID(), nil
}

func (h *Hub) Room(ctx context.Context, id string) (*room.Room, error) {
	ch := make(chan *room.Room, 1)
	if err := h.request(ctx, GetRoom{ID: id, Reply: ch}); err != nil {
		return nil, err
	}
	rm, err := reply(ctx, h, ch)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// RoomOf returns the player's live room, or ErrRoomNotFound.
func (h *Hub) RoomOf(ctx context.Context, playerID string) (*room.Room, error) {
	ch := make(chan *room.Room, 1)
	if err := h.request(ctx, RoomOf{PlayerID: playerID, Reply: ch}); err != nil {
		return nil, err
	}
	rm, err := reply(ctx, h, ch)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// InRoom reports whether the player sits in an unfinished room.
func (h *Hub) InRoom(ctx context.Context, playerID string) (bool, error) {
	_, err := h.RoomOf(ctx, playerID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrRoomNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	ch := make(chan int, 1)
	if err := h.request(ctx, countRooms{Reply: ch}); err != nil {
		return 0, err
	}
	return reply(ctx, h, ch)
}

// Close stops every room and waits for pending result saves.
func (h *Hub) Close(ctx context.Context) error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-h.done

	waited := make(chan struct{})
	go func() {
		h.saves.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
