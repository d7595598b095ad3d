package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/pricefeed"
	"github.com/DoyleJ11/arena-backend/internal/scoring"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var (
	ErrNotInRoom    = errors.New("player not in room")
	ErrWrongVariant = errors.New("action not supported by this battle variant")
	ErrFinished     = errors.New("room finished")
	ErrClosed       = errors.New("room closed")
)

// Code maps an error returned by a room call to the protocol code sent back
// to the submitting client.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInRoom):
		return "not-in-room"
	case errors.Is(err, ErrWrongVariant):
		return "wrong-variant"
	case errors.Is(err, ErrFinished):
		return "room-finished"
	case errors.Is(err, ErrClosed):
		return "not-found"
	}
	if c := engine.Reason(err); c != "" {
		return c
	}
	return "internal"
}

type Msg interface{ isRoomMsg() }

type Ready struct {
	PlayerID string
	Reply    chan error
}

type Submit struct {
	Action types.BattleAction
	Reply  chan error
}

type Forfeit struct {
	PlayerID string
	Reply    chan error
}

type Disconnect struct{ PlayerID string }

type Rejoin struct{ PlayerID string }

type Ack struct{ PlayerID string }

type GetState struct {
	Reply chan types.RoomView
}

// timer and scorer messages; gen guards against stale fires
type countdownTick struct{}

type turnExpired struct{ gen int }

type botMove struct{ gen int }

type graceExpired struct {
	playerID string
	gen      int
}

type retentionExpired struct{}

type priceTick struct {
	tick   int
	quotes map[string]float64
	err    error
}

func (Ready) isRoomMsg()            {}
func (Submit) isRoomMsg()           {}
func (Forfeit) isRoomMsg()          {}
func (Disconnect) isRoomMsg()       {}
func (Rejoin) isRoomMsg()           {}
func (Ack) isRoomMsg()              {}
func (GetState) isRoomMsg()         {}
func (countdownTick) isRoomMsg()    {}
func (turnExpired) isRoomMsg()      {}
func (botMove) isRoomMsg()          {}
func (graceExpired) isRoomMsg()     {}
func (retentionExpired) isRoomMsg() {}
func (priceTick) isRoomMsg()        {}

type Settings struct {
	TeamPreview       bool
	CountdownTicks    int
	CountdownInterval time.Duration
	TurnTimeout       time.Duration
	BotDelay          time.Duration
	MatchDuration     time.Duration
	TickInterval      time.Duration
	LookupTimeout     time.Duration
	ForfeitGrace      time.Duration
	Retention         time.Duration
	ScorePrecision    int32
	Units             engine.UnitDefaults
}

func DefaultSettings() Settings {
	return Settings{
		CountdownTicks:    3,
		CountdownInterval: time.Second,
		TurnTimeout:       30 * time.Second,
		BotDelay:          time.Second,
		MatchDuration:     60 * time.Second,
		TickInterval:      time.Second,
		LookupTimeout:     800 * time.Millisecond,
		ForfeitGrace:      15 * time.Second,
		Retention:         2 * time.Minute,
		ScorePrecision:    scoring.DefaultPrecision,
		Units:             engine.UnitDefaults{Health: 100, Power: 10},
	}
}

// totalTicks is the number of price ticks that cover MatchDuration.
func (s Settings) totalTicks() int {
	if s.TickInterval <= 0 {
		return 1
	}
	n := int((s.MatchDuration + s.TickInterval - 1) / s.TickInterval)
	if n < 1 {
		n = 1
	}
	return n
}

type Config struct {
	ID       string
	Mode     types.Mode
	Variant  types.Variant
	Players  []types.Player
	Settings Settings
	Bus      bus.Bus
	Feed     pricefeed.Feed
	Log      *zap.Logger

	// OnFinish receives the result exactly once. OnClose runs when the room
	// shuts itself down after every player acknowledged or retention elapsed.
	OnFinish func(types.MatchResult)
	OnClose  func(roomID string)
}

type Room struct {
	id        string
	topic     string
	mode      types.Mode
	variant   types.Variant
	createdAt time.Time
	settings  Settings
	bus       bus.Bus
	feed      pricefeed.Feed
	log       *zap.Logger
	onFinish  func(types.MatchResult)
	onClose   func(string)

	inbox  chan Msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	status    types.RoomStatus
	version   int
	players   []types.RoomPlayer
	acked     map[string]bool
	battle    engine.State
	actions   []types.BattleAction
	book      *scoring.Book
	snapshots []types.PriceSnapshot
	result    *types.MatchResult

	countdownLeft int
	turnGen       int
	turnDeadline  time.Time
	graceGen      map[string]int
	timers        map[string]*time.Timer
	stopScorer    context.CancelFunc
}

func New(parent context.Context, cfg Config) *Room {
	ctx, cancel := context.WithCancel(parent)

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := &Room{
		id:        cfg.ID,
		topic:     bus.RoomTopic(cfg.ID),
		mode:      cfg.Mode,
		variant:   cfg.Variant,
		createdAt: time.Now().UTC(),
		settings:  cfg.Settings,
		bus:       cfg.Bus,
		feed:      cfg.Feed,
		log:       log.With(zap.String("room_id", cfg.ID)),
		onFinish:  cfg.OnFinish,
		onClose:   cfg.OnClose,
		inbox:     make(chan Msg, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    types.StatusWaiting,
		acked:     make(map[string]bool),
		graceGen:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
	}
	for _, p := range cfg.Players {
		r.players = append(r.players, types.RoomPlayer{
			Player:    p,
			Ready:     p.Bot || !cfg.Settings.TeamPreview,
			Connected: true,
		})
	}
	if cfg.Variant == types.VariantBeast {
		r.battle = engine.NewState(cfg.Players, cfg.Settings.Units)
	}

	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Inbox exposes the room's mailbox to the hub and tests.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room loop has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Shutdown stops the room without running OnClose.
func (r *Room) Shutdown() { r.cancel() }

func (r *Room) Ready(ctx context.Context, playerID string) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, Ready{PlayerID: playerID, Reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, r, reply)
}

// Submit validates and applies one action. A rejection is returned only to
// the caller and never broadcast.
func (r *Room) Submit(ctx context.Context, action types.BattleAction) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, Submit{Action: action, Reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, r, reply)
}

func (r *Room) Forfeit(ctx context.Context, playerID string) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, Forfeit{PlayerID: playerID, Reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, r, reply)
}

func (r *Room) Disconnect(ctx context.Context, playerID string) error {
	return r.send(ctx, Disconnect{PlayerID: playerID})
}

func (r *Room) Rejoin(ctx context.Context, playerID string) error {
	return r.send(ctx, Rejoin{PlayerID: playerID})
}

func (r *Room) Ack(ctx context.Context, playerID string) error {
	return r.send(ctx, Ack{PlayerID: playerID})
}

// View returns a copy of the authoritative room state for resync.
func (r *Room) View(ctx context.Context) (types.RoomView, error) {
	reply := make(chan types.RoomView, 1)
	if err := r.send(ctx, GetState{Reply: reply}); err != nil {
		return types.RoomView{}, err
	}
	return await(ctx, r, reply)
}

func (r *Room) send(ctx context.Context, m Msg) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, r *Room, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, r *Room, reply <-chan error) error {
	err, waitErr := await(ctx, r, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// post is used by timers and the scorer; it gives up once the room is gone.
func (r *Room) post(m Msg) {
	select {
	case r.inbox <- m:
	case <-r.done:
	case <-r.ctx.Done():
	}
}

func (r *Room) loop() {
	defer close(r.done)

	r.publishState()
	if r.allReady() {
		r.startCountdown()
	}

	for {
		select {
		case <-r.ctx.Done():
			r.stop()
			return

		case m := <-r.inbox:
			if closed := r.handle(m); closed {
				return
			}
		}
	}
}

func (r *Room) handle(m Msg) bool {
	switch msg := m.(type) {
	case Ready:
		msg.Reply <- r.ready(msg.PlayerID)

	case Submit:
		msg.Reply <- r.submit(msg.Action)

	case Forfeit:
		msg.Reply <- r.forfeit(msg.PlayerID)

	case Disconnect:
		r.setConnected(msg.PlayerID, false)

	case Rejoin:
		r.setConnected(msg.PlayerID, true)

	case Ack:
		if r.ack(msg.PlayerID) {
			r.close()
			return true
		}

	case GetState:
		msg.Reply <- r.view()

	case countdownTick:
		r.countdownTick()

	case turnExpired:
		r.turnExpired(msg.gen)

	case botMove:
		r.botMove(msg.gen)

	case graceExpired:
		r.graceExpired(msg.playerID, msg.gen)

	case priceTick:
		r.priceTick(msg)

	case retentionExpired:
		r.log.Debug("retention elapsed")
		r.close()
		return true
	}
	return false
}

func (r *Room) close() {
	r.stop()
	if r.onClose != nil {
		r.onClose(r.id)
	}
}

func (r *Room) stop() {
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
	if r.stopScorer != nil {
		r.stopScorer()
	}
	r.cancel()
}
