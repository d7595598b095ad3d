package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var (
	ErrInvalidTeam   = errors.New("invalid team")
	ErrInvalidMode   = errors.New("invalid mode or variant")
	ErrInvalidPlayer = errors.New("invalid player id")
	ErrAlreadyInRoom = errors.New("player already in a room")
	ErrAlreadyQueued = errors.New("player already queued in another pool")
)

const publishTimeout = 2 * time.Second

// Code maps a queue error to its protocol code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTeam):
		return "invalid-team"
	case errors.Is(err, ErrInvalidMode):
		return "invalid-mode"
	case errors.Is(err, ErrInvalidPlayer):
		return "invalid-player"
	case errors.Is(err, ErrAlreadyInRoom):
		return "already-in-room"
	case errors.Is(err, ErrAlreadyQueued):
		return "already-queued"
	default:
		return "internal"
	}
}

// RoomAllocator creates a room for a freshly paired set of players. The
// players must count as room members before Allocate returns.
type RoomAllocator interface {
	Allocate(ctx context.Context, mode types.Mode, variant types.Variant, players []types.Player) (string, error)
}

type Membership interface {
	InRoom(ctx context.Context, playerID string) (bool, error)
}

type JoinRequest struct {
	EventID string
	Player  types.Player
	Mode    types.Mode
	Variant types.Variant
}

type LeaveRequest struct {
	EventID  string
	PlayerID string
	Mode     types.Mode
	Variant  types.Variant
}

type Config struct {
	Bus     bus.Bus
	Rooms   RoomAllocator
	Members Membership
	Log     *zap.Logger

	// BotBasket is the practice bot's portfolio. Empty mirrors the player.
	BotBasket []types.Asset
	DedupSize int
}

type poolKey struct {
	mode    types.Mode
	variant types.Variant
}

func (k poolKey) topic() string { return bus.PoolTopic(k.mode, k.variant) }

// Queue pairs waiting players first come first served. All mutations for one
// mode run inside that mode's lock, so a waiting entry is paired at most once.
type Queue struct {
	bus       bus.Bus
	rooms     RoomAllocator
	members   Membership
	log       *zap.Logger
	seen      *bus.Dedup
	botBasket []types.Asset

	locks map[types.Mode]*sync.Mutex

	mu     sync.Mutex
	pools  map[poolKey][]types.QueueEntry
	queued map[string]poolKey // player id -> pool holding or pairing it
}

func New(cfg Config) *Queue {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		bus:       cfg.Bus,
		rooms:     cfg.Rooms,
		members:   cfg.Members,
		log:       log.Named("matchmaking"),
		seen:      bus.NewDedup(cfg.DedupSize),
		botBasket: cfg.BotBasket,
		locks: map[types.Mode]*sync.Mutex{
			types.ModeHeadToHead: {},
			types.ModeAIPractice: {},
		},
		pools:  make(map[poolKey][]types.QueueEntry),
		queued: make(map[string]poolKey),
	}
}

// NormalizePlayerID trims the id and checksums it when it is a hex wallet
// address, so the same wallet always maps to one player.
func NormalizePlayerID(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

func (q *Queue) validate(req JoinRequest) (types.Player, error) {
	if !req.Mode.Valid() || !req.Variant.Valid() {
		return types.Player{}, ErrInvalidMode
	}
	p := req.Player
	p.ID = NormalizePlayerID(p.ID)
	p.Bot = false
	if p.ID == "" {
		return types.Player{}, ErrInvalidPlayer
	}
	if err := p.ValidateTeam(); err != nil {
		return types.Player{}, fmt.Errorf("%w: %v", ErrInvalidTeam, err)
	}
	p.Team = append([]types.Asset(nil), p.Team...)
	return p, nil
}

// Enqueue adds the player and pairs them with the oldest waiting entry of
// the same pool. A redelivered event id returns the live entry unchanged.
// Event ids are recorded only once the join succeeded, so a redelivered
// rejection is checked again.
func (q *Queue) Enqueue(ctx context.Context, req JoinRequest) (types.QueueEntry, error) {
	player, err := q.validate(req)
	if err != nil {
		return types.QueueEntry{}, err
	}
	key := poolKey{mode: req.Mode, variant: req.Variant}
	log := q.log.With(zap.String("pool", key.topic()), zap.String("player_id", player.ID))

	lock := q.locks[req.Mode]
	lock.Lock()
	defer lock.Unlock()

	if q.seen.Contains(req.EventID) {
		entry, _ := q.find(key, player.ID)
		return entry, nil
	}

	if at, ok := q.claim(player.ID, key); !ok {
		if at == key {
			q.seen.Add(req.EventID)
			entry, _ := q.find(key, player.ID)
			return entry, nil
		}
		return types.QueueEntry{}, ErrAlreadyQueued
	}

	in, err := q.members.InRoom(ctx, player.ID)
	if err != nil {
		q.release(player.ID)
		return types.QueueEntry{}, fmt.Errorf("membership lookup: %w", err)
	}
	if in {
		q.release(player.ID)
		return types.QueueEntry{}, ErrAlreadyInRoom
	}

	entry := types.QueueEntry{
		ID:         uuid.NewString(),
		Player:     player,
		Mode:       req.Mode,
		Variant:    req.Variant,
		EnqueuedAt: time.Now().UTC(),
	}

	if req.Mode == types.ModeAIPractice {
		defer q.release(player.ID)
		bot := q.botFor(player, req.Variant)
		if _, err := q.match(ctx, key, player, bot); err != nil {
			return types.QueueEntry{}, err
		}
		q.seen.Add(req.EventID)
		log.Info("practice match created")
		return entry, nil
	}

	q.add(key, entry)
	q.seen.Add(req.EventID)
	log.Info("player queued")

	if partner, ok := q.oldestOther(key, player.ID); ok {
		if _, err := q.match(ctx, key, partner.Player, player); err != nil {
			log.Error("pairing failed, players stay queued", zap.Error(err))
		} else {
			q.remove(key, partner.Player.ID)
			q.remove(key, player.ID)
		}
	}
	q.publishSize(ctx, key)
	return entry, nil
}

// Dequeue removes the player's entry. Unknown players and redelivered event
// ids are no-ops.
func (q *Queue) Dequeue(ctx context.Context, req LeaveRequest) error {
	if !req.Mode.Valid() || !req.Variant.Valid() {
		return ErrInvalidMode
	}
	key := poolKey{mode: req.Mode, variant: req.Variant}
	playerID := NormalizePlayerID(req.PlayerID)

	lock := q.locks[req.Mode]
	lock.Lock()
	defer lock.Unlock()

	if q.seen.Seen(req.EventID) {
		return nil
	}
	if q.remove(key, playerID) {
		q.log.Info("player left queue", zap.String("pool", key.topic()), zap.String("player_id", playerID))
		q.publishSize(ctx, key)
	}
	return nil
}

func (q *Queue) Size(mode types.Mode, variant types.Variant) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pools[poolKey{mode: mode, variant: variant}])
}

// match allocates the room and announces it on the pool topic.
func (q *Queue) match(ctx context.Context, key poolKey, players ...types.Player) (string, error) {
	roomID, err := q.rooms.Allocate(ctx, key.mode, key.variant, players)
	if err != nil {
		return "", fmt.Errorf("allocate room: %w", err)
	}
	q.log.Info("match found",
		zap.String("pool", key.topic()),
		zap.String("room_id", roomID),
		zap.Strings("players", playerIDs(players)),
	)
	q.publish(ctx, key, types.EventMatchFound, types.MatchFound{
		RoomID:  roomID,
		Mode:    key.mode,
		Variant: key.variant,
		Players: players,
	})
	return roomID, nil
}

func (q *Queue) botFor(p types.Player, variant types.Variant) types.Player {
	team := append([]types.Asset(nil), p.Team...)
	if variant == types.VariantPortfolio && len(q.botBasket) == types.TeamSize {
		team = append([]types.Asset(nil), q.botBasket...)
	}
	return types.Player{
		ID:          "bot-" + uuid.NewString()[:8],
		DisplayName: "Practice Bot",
		Team:        team,
		Bot:         true,
	}
}

func (q *Queue) publishSize(ctx context.Context, key poolKey) {
	q.publish(ctx, key, types.EventQueueUpdate, types.QueueUpdate{
		Mode:    key.mode,
		Variant: key.variant,
		Size:    q.Size(key.mode, key.variant),
	})
}

func (q *Queue) publish(ctx context.Context, key poolKey, typ types.EventType, v any) {
	if q.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := bus.Publish(ctx, q.bus, key.topic(), typ, v); err != nil {
		q.log.Warn("publish failed", zap.String("event", string(typ)), zap.Error(err))
	}
}

// claim marks the player as held by key unless another pool holds them.
func (q *Queue) claim(playerID string, key poolKey) (poolKey, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if at, ok := q.queued[playerID]; ok {
		return at, false
	}
	q.queued[playerID] = key
	return key, true
}

func (q *Queue) release(playerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, playerID)
}

func (q *Queue) add(key poolKey, entry types.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools[key] = append(q.pools[key], entry)
}

func (q *Queue) find(key poolKey, playerID string) (types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pools[key] {
		if e.Player.ID == playerID {
			return e, true
		}
	}
	return types.QueueEntry{}, false
}

func (q *Queue) oldestOther(key poolKey, playerID string) (types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pools[key] {
		if e.Player.ID != playerID {
			return e, true
		}
	}
	return types.QueueEntry{}, false
}

func (q *Queue) remove(key poolKey, playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.pools[key]
	for i, e := range entries {
		if e.Player.ID != playerID {
			continue
		}
		q.pools[key] = append(entries[:i:i], entries[i+1:]...)
		if q.queued[playerID] == key {
			delete(q.queued, playerID)
		}
		return true
	}
	return false
}

func playerIDs(players []types.Player) []string {
	out := make([]string, 0, len(players))
	for _, p := range players {
		out = append(out, p.ID)
	}
	return out
}
